package cmdgraph

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// validate checks one body and, recursively, the bodies of its conditional
// nodes: every dependency is a node created earlier in the same body, the
// dependency graph is acyclic, and every conditional node has a kernel
// writing its handle among its ancestors.
func (g *Graph) validate() error {
	dg := simple.NewDirectedGraph()
	for _, n := range g.nodes {
		dg.AddNode(simple.Node(int64(n.handle.seq)))
	}
	for _, n := range g.nodes {
		for _, d := range n.deps {
			dn, ok := g.index[d]
			if !ok {
				return fmt.Errorf("%v depends on %v: %w", n.handle, d, ErrUnknownDependency)
			}
			if dn.handle.seq >= n.handle.seq {
				return fmt.Errorf("%v depends on later node %v: %w", n.handle, d, ErrUnknownDependency)
			}
			dg.SetEdge(dg.NewEdge(simple.Node(int64(d.seq)), simple.Node(int64(n.handle.seq))))
		}
	}
	if _, err := topo.Sort(dg); err != nil {
		return fmt.Errorf("dependency cycle: %v", err)
	}
	for _, n := range g.nodes {
		if n.kind != KindConditional {
			continue
		}
		if !g.writtenBefore(n) {
			return fmt.Errorf("conditional node %v: no condition-setting kernel for %v precedes it", n.handle, n.cond)
		}
		for i, b := range n.bodies {
			if err := b.validate(); err != nil {
				return fmt.Errorf("%v body %d: %w", n.handle, i, err)
			}
		}
	}
	return nil
}

// writtenBefore reports whether a writer of n's handle is an ancestor of n.
func (g *Graph) writtenBefore(n *node) bool {
	writers := g.writers[n.cond.key()]
	if len(writers) == 0 {
		return false
	}
	seen := make(map[NodeHandle]bool)
	stack := append([]NodeHandle(nil), n.deps...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		seen[h] = true
		for _, w := range writers {
			if w == h {
				return true
			}
		}
		if a, ok := g.index[h]; ok {
			stack = append(stack, a.deps...)
		}
	}
	return false
}
