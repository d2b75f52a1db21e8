package cmdgraph

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// NativeNode is a backend's handle to one node of a native graph.
type NativeNode any

// NativeConditional is a backend's handle to device-resident conditional state.
type NativeConditional any

// Backend is one device family's graph runtime. Exactly one Backend is in use
// per process, chosen by name from the registry.
type Backend interface {
	Name() string
	// MaxConditionalDepth is the deepest conditional nesting the device
	// supports. Zero means the device imposes no limit.
	MaxConditionalDepth() int
	NewGraph() (NativeGraph, error)
}

// NativeGraph is the device runtime's view of one graph body. Every Create
// method either returns a node that is part of the graph or an error with the
// graph unchanged; every Update method is all-or-nothing.
type NativeGraph interface {
	CreateKernelNode(deps []NativeNode, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) (NativeNode, error)
	UpdateKernelNode(n NativeNode, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) error

	CreateMemsetNode(deps []NativeNode, dst device.DeviceMemory, p device.BitPattern, count uint64) (NativeNode, error)
	UpdateMemsetNode(n NativeNode, dst device.DeviceMemory, p device.BitPattern, count uint64) error

	CreateMemcpyD2DNode(deps []NativeNode, dst, src device.DeviceMemory, size uint64) (NativeNode, error)
	UpdateMemcpyD2DNode(n NativeNode, dst, src device.DeviceMemory, size uint64) error

	CreateChildNode(deps []NativeNode, child NativeGraph) (NativeNode, error)
	UpdateChildNode(n NativeNode, child NativeGraph) error

	CreateBarrierNode(deps []NativeNode) (NativeNode, error)

	CreateConditionalHandle() (NativeConditional, error)
	// ReleaseConditionalHandle frees a handle no node refers to. It backs
	// construction rollback.
	ReleaseConditionalHandle(h NativeConditional) error
	LaunchSetIfCondition(deps []NativeNode, h NativeConditional, pred device.DeviceMemory) (NativeNode, error)
	LaunchSetIfElseCondition(deps []NativeNode, then, els NativeConditional, pred device.DeviceMemory) (NativeNode, error)
	LaunchSetCaseCondition(deps []NativeNode, hs []NativeConditional, index device.DeviceMemory, batchOffset int32, enableDefault bool) (NativeNode, error)
	LaunchSetForCondition(deps []NativeNode, h NativeConditional, counter device.DeviceMemory, iterations int32, initialize bool) (NativeNode, error)
	LaunchSetWhileCondition(deps []NativeNode, h NativeConditional, pred device.DeviceMemory) (NativeNode, error)
	CreateConditionalNode(deps []NativeNode, h NativeConditional, typ ConditionType) (NativeNode, NativeGraph, error)

	// RemoveNode deletes a node nothing depends on. It backs construction
	// rollback.
	RemoveNode(n NativeNode) error
	SetNodeEnabled(n NativeNode, enabled bool) error
	NodeCount() (int, error)

	Instantiate() error
	Launch(s device.Stream) error
	WriteDot(w io.Writer) error
	// Release frees device state owned by the graph and its bodies.
	Release()
}

// BackendOptions are the device-independent knobs a backend factory receives.
type BackendOptions struct {
	MaxConditionalDepth int
	MaxGraphNodes       int
	MaxLoopIterations   int
	Workers             int
}

// BackendFactory creates a Backend bound to dev.
type BackendFactory func(dev device.Device, opts BackendOptions) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available by name. Panics on duplicate
// names to surface misconfiguration early.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("cmdgraph: duplicate backend %q", name))
	}
	backends[name] = f
}

// NewBackend creates the backend registered under name.
func NewBackend(name string, dev device.Device, opts BackendOptions) (Backend, error) {
	backendsMu.RLock()
	f, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered under %q (have %v)", name, Backends())
	}
	return f(dev, opts)
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
