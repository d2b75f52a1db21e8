package kernels

import (
	"fmt"
	"slices"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/condition"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Predicate is a condition expression compiled into a kernel. The kernel's
// first argument receives the result; the rest are the buffers the
// expression reads, in Buffers order.
type Predicate struct {
	source  string
	expr    condition.Expr
	buffers []string
	kernel  *device.HostKernel
}

// NewPredicate parses source and builds its kernel.
func NewPredicate(source string) (*Predicate, error) {
	expr, err := condition.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", source, err)
	}
	p := &Predicate{source: source, expr: expr, buffers: condition.Buffers(expr)}
	p.kernel = device.NewHostKernel("predicate", 1+len(p.buffers), p.run)
	return p, nil
}

func (p *Predicate) Source() string             { return p.source }
func (p *Predicate) Expr() condition.Expr       { return p.expr }
func (p *Predicate) Buffers() []string          { return slices.Clone(p.buffers) }
func (p *Predicate) Kernel() *device.HostKernel { return p.kernel }

// Args packs out and the referenced buffers looked up in bufs.
func (p *Predicate) Args(out device.DeviceMemory, bufs map[string]device.DeviceMemory) (*device.PackedArgs, error) {
	args := make([]any, 0, 1+len(p.buffers))
	args = append(args, out)
	for _, name := range p.buffers {
		m, ok := bufs[name]
		if !ok {
			return nil, fmt.Errorf("predicate %q: unknown buffer %q", p.source, name)
		}
		args = append(args, m)
	}
	return device.PackArgs(args...), nil
}

func (p *Predicate) run(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	out, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	v, err := condition.Evaluate(p.expr, &argResolver{mem: mem, names: p.buffers, args: args})
	if err != nil {
		return err
	}
	// A full int32 keeps the result readable both as a predicate byte and
	// as an element.
	if out.Size() >= 4 {
		var x int32
		if v {
			x = 1
		}
		return device.WriteInt32(mem, out, x)
	}
	return device.WriteBool(mem, out, v)
}

type argResolver struct {
	mem   device.Memory
	names []string
	args  device.KernelArgs
}

func (r *argResolver) Resolve(buffer string, index int) (int64, error) {
	i := slices.Index(r.names, buffer)
	if i < 0 {
		return 0, fmt.Errorf("buffer %q not bound", buffer)
	}
	m, err := device.MemoryArg(r.args, 1+i)
	if err != nil {
		return 0, err
	}
	elem, err := m.Slice(uint64(index)*4, 4)
	if err != nil {
		return 0, err
	}
	v, err := device.ReadInt32(r.mem, elem)
	return int64(v), err
}
