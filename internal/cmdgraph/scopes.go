package cmdgraph

import (
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Scoped operations depend on the current tail of their execution scope and
// become its new tail, so operations issued to one scope run in issue order
// while different scopes stay unordered until joined by Barrier.

// ScopeDependencies returns the current tail of scope s.
func (g *Graph) ScopeDependencies(s ExecutionScopeID) Dependencies {
	return append(Dependencies(nil), g.scopes[s]...)
}

func (g *Graph) inScope(s ExecutionScopeID, create func(deps Dependencies) (NodeHandle, error)) (NodeHandle, error) {
	h, err := create(g.scopes[s])
	if err != nil {
		return NodeHandle{}, err
	}
	g.scopes[s] = Deps(h)
	return h, nil
}

// LaunchKernel adds a kernel node to scope s.
func (g *Graph) LaunchKernel(s ExecutionScopeID, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.CreateKernelNode(deps, dims, k, args)
	})
}

// Memset adds a memset node to scope s.
func (g *Graph) Memset(s ExecutionScopeID, dst device.DeviceMemory, p device.BitPattern, count uint64) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.CreateMemsetNode(deps, dst, p, count)
	})
}

// MemcpyD2D adds a device-to-device copy to scope s.
func (g *Graph) MemcpyD2D(s ExecutionScopeID, dst, src device.DeviceMemory, size uint64) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.CreateMemcpyD2DNode(deps, dst, src, size)
	})
}

// AddNestedGraph embeds child as a node of scope s.
func (g *Graph) AddNestedGraph(s ExecutionScopeID, child *Graph) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.CreateChildNode(deps, child)
	})
}

// Barrier joins scopes: the barrier waits on the tail of every listed scope
// and becomes the tail of each. With no scopes it joins DefaultScope.
func (g *Graph) Barrier(scopes ...ExecutionScopeID) (NodeHandle, error) {
	if len(scopes) == 0 {
		scopes = []ExecutionScopeID{DefaultScope}
	}
	var deps Dependencies
	for _, s := range scopes {
		deps = deps.Union(g.scopes[s])
	}
	h, err := g.CreateBarrierNode(deps)
	if err != nil {
		return NodeHandle{}, err
	}
	for _, s := range scopes {
		g.scopes[s] = Deps(h)
	}
	return h, nil
}

// sinks returns the nodes of this body that nothing else depends on.
func (g *Graph) sinks() Dependencies {
	used := make(map[NodeHandle]bool, len(g.nodes))
	for _, n := range g.nodes {
		for _, d := range n.deps {
			used[d] = true
		}
	}
	var out Dependencies
	for _, n := range g.nodes {
		if !used[n.handle] {
			out = append(out, n.handle)
		}
	}
	return out
}

// join makes every node created so far a predecessor of scope s's next
// operation.
func (g *Graph) join(s ExecutionScopeID) error {
	sinks := g.sinks()
	if len(sinks) <= 1 {
		g.scopes[s] = sinks
		return nil
	}
	h, err := g.CreateBarrierNode(sinks)
	if err != nil {
		return err
	}
	g.scopes[s] = Deps(h)
	return nil
}
