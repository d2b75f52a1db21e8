package hostgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

var (
	errForeignNode   = errors.New("hostgpu: node belongs to another graph")
	errHasDependents = errors.New("hostgpu: node has dependents")
	errReleased      = errors.New("hostgpu: graph released")
	errNotExecutable = errors.New("hostgpu: graph not instantiated")
)

// hostNode is one node of a host graph. Parameters are mutated in place by
// updates; launches work on snapshots.
type hostNode struct {
	owner   *hostGraph
	id      int64
	kind    cmdgraph.NodeKind
	deps    []*hostNode
	enabled bool

	dims   device.LaunchDims
	kernel *device.HostKernel
	args   device.KernelArgs

	dst     device.DeviceMemory
	src     device.DeviceMemory
	pattern device.BitPattern
	count   uint64
	size    uint64

	child *hostGraph

	slot     *condSlot
	condType cmdgraph.ConditionType
	body     *hostGraph
}

// condSlot is a conditional handle: a 4-byte device word, non-zero when the
// gated body should run. A slot written only by for-condition kernels counts
// down a fixed trip count, so loops gated by it are not iteration limited.
type condSlot struct {
	mem        device.DeviceMemory
	counted    bool // written by a for-condition kernel
	predicated bool // written by any other condition kernel
}

func (s *condSlot) bounded() bool { return s.counted && !s.predicated }

// hostGraph implements cmdgraph.NativeGraph.
type hostGraph struct {
	b *Backend

	// exec orders launches of this graph across streams: they share the
	// condition slots and loop counters.
	exec sync.Mutex

	mu           sync.Mutex
	nextID       int64
	nodes        []*hostNode
	slots        []*condSlot
	instantiated bool
	released     bool
}

func newHostGraph(b *Backend) *hostGraph {
	return &hostGraph{b: b}
}

func (g *hostGraph) node(n cmdgraph.NativeNode) (*hostNode, error) {
	hn, ok := n.(*hostNode)
	if !ok || hn == nil || hn.owner != g {
		return nil, errForeignNode
	}
	return hn, nil
}

func (g *hostGraph) slot(h cmdgraph.NativeConditional) (*condSlot, error) {
	s, ok := h.(*condSlot)
	if !ok || s == nil {
		return nil, fmt.Errorf("hostgpu: conditional handle %T: %w", h, cmdgraph.ErrInvalidArgument)
	}
	return s, nil
}

// add appends a node built by fill. It holds g.mu.
func (g *hostGraph) add(deps []cmdgraph.NativeNode, kind cmdgraph.NodeKind, fill func(n *hostNode) error) (cmdgraph.NativeNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, errReleased
	}
	n := &hostNode{owner: g, kind: kind, enabled: true}
	for _, d := range deps {
		hd, err := g.node(d)
		if err != nil {
			return nil, err
		}
		n.deps = append(n.deps, hd)
	}
	if fill != nil {
		if err := fill(n); err != nil {
			return nil, err
		}
	}
	g.nextID++
	n.id = g.nextID
	g.nodes = append(g.nodes, n)
	return n, nil
}

// modify applies an update to an existing node under g.mu.
func (g *hostGraph) modify(nn cmdgraph.NativeNode, kind cmdgraph.NodeKind, apply func(n *hostNode) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errReleased
	}
	n, err := g.node(nn)
	if err != nil {
		return err
	}
	if n.kind != kind {
		return fmt.Errorf("hostgpu: node is %s, not %s: %w", n.kind, kind, cmdgraph.ErrKindMismatch)
	}
	return apply(n)
}

func (g *hostGraph) CreateKernelNode(deps []cmdgraph.NativeNode, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) (cmdgraph.NativeNode, error) {
	hk, err := device.AsHostKernel(k)
	if err != nil {
		return nil, err
	}
	return g.add(deps, cmdgraph.KindKernel, func(n *hostNode) error {
		n.dims, n.kernel, n.args = dims, hk, args
		return nil
	})
}

func (g *hostGraph) UpdateKernelNode(nn cmdgraph.NativeNode, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) error {
	hk, err := device.AsHostKernel(k)
	if err != nil {
		return err
	}
	return g.modify(nn, cmdgraph.KindKernel, func(n *hostNode) error {
		n.dims, n.kernel, n.args = dims, hk, args
		return nil
	})
}

func (g *hostGraph) CreateMemsetNode(deps []cmdgraph.NativeNode, dst device.DeviceMemory, p device.BitPattern, count uint64) (cmdgraph.NativeNode, error) {
	return g.add(deps, cmdgraph.KindMemset, func(n *hostNode) error {
		n.dst, n.pattern, n.count = dst, p, count
		return nil
	})
}

func (g *hostGraph) UpdateMemsetNode(nn cmdgraph.NativeNode, dst device.DeviceMemory, p device.BitPattern, count uint64) error {
	return g.modify(nn, cmdgraph.KindMemset, func(n *hostNode) error {
		n.dst, n.pattern, n.count = dst, p, count
		return nil
	})
}

func (g *hostGraph) CreateMemcpyD2DNode(deps []cmdgraph.NativeNode, dst, src device.DeviceMemory, size uint64) (cmdgraph.NativeNode, error) {
	return g.add(deps, cmdgraph.KindMemcpy, func(n *hostNode) error {
		n.dst, n.src, n.size = dst, src, size
		return nil
	})
}

func (g *hostGraph) UpdateMemcpyD2DNode(nn cmdgraph.NativeNode, dst, src device.DeviceMemory, size uint64) error {
	return g.modify(nn, cmdgraph.KindMemcpy, func(n *hostNode) error {
		n.dst, n.src, n.size = dst, src, size
		return nil
	})
}

func (g *hostGraph) childGraph(child cmdgraph.NativeGraph) (*hostGraph, error) {
	c, ok := child.(*hostGraph)
	if !ok || c == nil {
		return nil, fmt.Errorf("hostgpu: child graph %T: %w", child, cmdgraph.ErrInvalidArgument)
	}
	if c == g {
		return nil, fmt.Errorf("hostgpu: graph cannot embed itself: %w", cmdgraph.ErrInvalidArgument)
	}
	return c, nil
}

func (g *hostGraph) CreateChildNode(deps []cmdgraph.NativeNode, child cmdgraph.NativeGraph) (cmdgraph.NativeNode, error) {
	c, err := g.childGraph(child)
	if err != nil {
		return nil, err
	}
	return g.add(deps, cmdgraph.KindChild, func(n *hostNode) error {
		n.child = c
		return nil
	})
}

func (g *hostGraph) UpdateChildNode(nn cmdgraph.NativeNode, child cmdgraph.NativeGraph) error {
	c, err := g.childGraph(child)
	if err != nil {
		return err
	}
	return g.modify(nn, cmdgraph.KindChild, func(n *hostNode) error {
		n.child = c
		return nil
	})
}

func (g *hostGraph) CreateBarrierNode(deps []cmdgraph.NativeNode) (cmdgraph.NativeNode, error) {
	return g.add(deps, cmdgraph.KindBarrier, nil)
}

func (g *hostGraph) CreateConditionalHandle() (cmdgraph.NativeConditional, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, errReleased
	}
	mem, err := g.b.dev.Allocate(4)
	if err != nil {
		return nil, fmt.Errorf("hostgpu: conditional handle: %w", err)
	}
	if err := device.WriteInt32(g.b.dev, mem, 0); err != nil {
		return nil, err
	}
	s := &condSlot{mem: mem}
	g.slots = append(g.slots, s)
	return s, nil
}

func (g *hostGraph) ReleaseConditionalHandle(h cmdgraph.NativeConditional) error {
	s, err := g.slot(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errReleased
	}
	for i, x := range g.slots {
		if x == s {
			g.slots = append(g.slots[:i], g.slots[i+1:]...)
			return g.b.dev.Free(s.mem)
		}
	}
	return fmt.Errorf("hostgpu: conditional handle %v: %w", s.mem, errForeignNode)
}

func (g *hostGraph) CreateConditionalNode(deps []cmdgraph.NativeNode, h cmdgraph.NativeConditional, typ cmdgraph.ConditionType) (cmdgraph.NativeNode, cmdgraph.NativeGraph, error) {
	s, err := g.slot(h)
	if err != nil {
		return nil, nil, err
	}
	body := newHostGraph(g.b)
	n, err := g.add(deps, cmdgraph.KindConditional, func(n *hostNode) error {
		n.slot, n.condType, n.body = s, typ, body
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return n, body, nil
}

func (g *hostGraph) RemoveNode(nn cmdgraph.NativeNode) error {
	g.mu.Lock()
	n, err := g.node(nn)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	at := -1
	for i, x := range g.nodes {
		if x == n {
			at = i
		}
		for _, d := range x.deps {
			if d == n {
				g.mu.Unlock()
				return errHasDependents
			}
		}
	}
	if at < 0 {
		g.mu.Unlock()
		return errForeignNode
	}
	g.nodes = append(g.nodes[:at], g.nodes[at+1:]...)
	g.mu.Unlock()
	if n.body != nil {
		n.body.Release()
	}
	return nil
}

func (g *hostGraph) SetNodeEnabled(nn cmdgraph.NativeNode, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.node(nn)
	if err != nil {
		return err
	}
	n.enabled = enabled
	return nil
}

func (g *hostGraph) NodeCount() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return 0, errReleased
	}
	return len(g.nodes), nil
}

// totalNodes counts nodes of g, its bodies and embedded children.
func (g *hostGraph) totalNodes() int {
	g.mu.Lock()
	nodes := append([]*hostNode(nil), g.nodes...)
	g.mu.Unlock()
	total := len(nodes)
	for _, n := range nodes {
		if n.body != nil {
			total += n.body.totalNodes()
		}
		if n.child != nil {
			total += n.child.totalNodes()
		}
	}
	return total
}

func (g *hostGraph) Instantiate() error {
	if max := g.b.opts.MaxGraphNodes; max > 0 {
		if total := g.totalNodes(); total > max {
			return fmt.Errorf("hostgpu: %d nodes exceed the device limit of %d: %w", total, max, cmdgraph.ErrResourceExhausted)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errReleased
	}
	g.instantiated = true
	return nil
}

func (g *hostGraph) Launch(s device.Stream) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return errReleased
	}
	if !g.instantiated {
		g.mu.Unlock()
		return errNotExecutable
	}
	g.mu.Unlock()
	p := g.snapshot()
	e := g.b.executor()
	return s.Enqueue(func(ctx context.Context) error {
		g.exec.Lock()
		defer g.exec.Unlock()
		return e.run(ctx, p)
	})
}

// Release frees the conditional slots of g and all its bodies. Embedded
// children are owned by their own graphs.
func (g *hostGraph) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	slots, nodes := g.slots, g.nodes
	g.slots = nil
	g.mu.Unlock()
	for _, s := range slots {
		if err := g.b.dev.Free(s.mem); err != nil {
			g.b.log.Warn("free conditional slot", "addr", s.mem, "err", err)
		}
	}
	for _, n := range nodes {
		if n.body != nil {
			n.body.Release()
		}
	}
}
