package device

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKernel is returned when a kernel cannot run on the device it was handed to.
var ErrUnsupportedKernel = errors.New("device: unsupported kernel")

// ThreadDim is the number of threads per block.
type ThreadDim struct{ X, Y, Z uint64 }

// BlockDim is the number of blocks in the grid.
type BlockDim struct{ X, Y, Z uint64 }

func Threads(x uint64) ThreadDim { return ThreadDim{X: x, Y: 1, Z: 1} }
func Blocks(x uint64) BlockDim   { return BlockDim{X: x, Y: 1, Z: 1} }

func (d ThreadDim) Count() uint64 { return d.X * d.Y * d.Z }
func (d BlockDim) Count() uint64  { return d.X * d.Y * d.Z }

// LaunchDims is the full launch geometry of one kernel node.
type LaunchDims struct {
	Threads ThreadDim
	Blocks  BlockDim
}

// Total is the number of logical threads the launch covers.
func (d LaunchDims) Total() uint64 { return d.Threads.Count() * d.Blocks.Count() }

// Kernel is a compiled device function.
type Kernel interface {
	Name() string
	// Arity is the number of packed arguments the kernel expects.
	Arity() int
}

// KernelArgs is a packed argument array.
type KernelArgs interface {
	NumArgs() int
	Arg(i int) any
}

// PackedArgs is the default KernelArgs implementation.
type PackedArgs struct {
	args []any
}

// PackArgs packs args in order. Device buffers are passed as DeviceMemory,
// scalars as Go integers or bools.
func PackArgs(args ...any) *PackedArgs {
	return &PackedArgs{args: append([]any(nil), args...)}
}

func (p *PackedArgs) NumArgs() int  { return len(p.args) }
func (p *PackedArgs) Arg(i int) any { return p.args[i] }

// MemoryArg returns argument i as device memory.
func MemoryArg(args KernelArgs, i int) (DeviceMemory, error) {
	if i >= args.NumArgs() {
		return DeviceMemory{}, fmt.Errorf("argument %d out of range", i)
	}
	m, ok := args.Arg(i).(DeviceMemory)
	if !ok {
		return DeviceMemory{}, fmt.Errorf("argument %d: want device memory, got %T", i, args.Arg(i))
	}
	return m, nil
}

// IntArg returns argument i as an integer scalar.
func IntArg(args KernelArgs, i int) (int64, error) {
	if i >= args.NumArgs() {
		return 0, fmt.Errorf("argument %d out of range", i)
	}
	switch v := args.Arg(i).(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	}
	return 0, fmt.Errorf("argument %d: want integer, got %T", i, args.Arg(i))
}

// BoolArg returns argument i as a bool scalar.
func BoolArg(args KernelArgs, i int) (bool, error) {
	if i >= args.NumArgs() {
		return false, fmt.Errorf("argument %d out of range", i)
	}
	b, ok := args.Arg(i).(bool)
	if !ok {
		return false, fmt.Errorf("argument %d: want bool, got %T", i, args.Arg(i))
	}
	return b, nil
}

// KernelFunc is the body of a host kernel.
type KernelFunc func(mem Memory, dims LaunchDims, args KernelArgs) error

// HostKernel is a kernel that runs on the Host device.
type HostKernel struct {
	name  string
	arity int
	fn    KernelFunc
}

func NewHostKernel(name string, arity int, fn KernelFunc) *HostKernel {
	return &HostKernel{name: name, arity: arity, fn: fn}
}

func (k *HostKernel) Name() string { return k.name }
func (k *HostKernel) Arity() int   { return k.arity }

// Run executes the kernel against mem.
func (k *HostKernel) Run(mem Memory, dims LaunchDims, args KernelArgs) error {
	if args.NumArgs() != k.arity {
		return fmt.Errorf("kernel %s: got %d arguments, want %d", k.name, args.NumArgs(), k.arity)
	}
	if err := k.fn(mem, dims, args); err != nil {
		return fmt.Errorf("kernel %s: %w", k.name, err)
	}
	return nil
}

// AsHostKernel returns k as a HostKernel or ErrUnsupportedKernel.
func AsHostKernel(k Kernel) (*HostKernel, error) {
	hk, ok := k.(*HostKernel)
	if !ok || hk == nil {
		return nil, fmt.Errorf("kernel %T: %w", k, ErrUnsupportedKernel)
	}
	return hk, nil
}
