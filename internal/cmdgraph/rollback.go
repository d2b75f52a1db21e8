package cmdgraph

import (
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/metrics"
)

// checkpoint captures the registry of one body so a failed composite
// construction can be undone. Node and handle sequence numbers are not
// rewound, so ids of removed nodes and handles are never handed out again.
type checkpoint struct {
	nodes   int
	handles int
	scopes  map[ExecutionScopeID]Dependencies
	writers map[condKey][]NodeHandle
}

func (g *Graph) checkpoint() checkpoint {
	cp := checkpoint{
		nodes:   len(g.nodes),
		handles: len(g.handles),
		scopes:  make(map[ExecutionScopeID]Dependencies, len(g.scopes)),
		writers: make(map[condKey][]NodeHandle, len(g.writers)),
	}
	for s, d := range g.scopes {
		cp.scopes[s] = append(Dependencies(nil), d...)
	}
	for k, w := range g.writers {
		cp.writers[k] = append([]NodeHandle(nil), w...)
	}
	return cp
}

// rollback removes every node and conditional handle created after cp,
// newest first, and restores scope tails. cause is returned with any removal failure joined to it.
func (g *Graph) rollback(cp checkpoint, cause error) error {
	var errs []error
	for i := len(g.nodes) - 1; i >= cp.nodes; i-- {
		n := g.nodes[i]
		if err := g.native.RemoveNode(n.native); err != nil {
			errs = append(errs, fmt.Errorf("remove %v: %w", n.handle, err))
		}
		n.releaseRefs()
		delete(g.index, n.handle)
	}
	g.nodes = g.nodes[:cp.nodes]
	for i := len(g.handles) - 1; i >= cp.handles; i-- {
		if err := g.native.ReleaseConditionalHandle(g.handles[i].native); err != nil {
			errs = append(errs, fmt.Errorf("release %v: %w", g.handles[i], err))
		}
	}
	g.handles = g.handles[:cp.handles]
	g.scopes = cp.scopes
	g.writers = cp.writers
	metrics.ConstructionRollbacks.Inc()
	if len(errs) > 0 {
		g.log.Error("construction rollback incomplete", "graph", g.root.id, "err", errors.Join(errs...))
		return errors.Join(append([]error{cause}, errs...)...)
	}
	g.log.Debug("construction rolled back", "graph", g.root.id, "nodes", len(g.nodes), "cause", cause)
	return cause
}

// releaseRefs drops the child graph references held by n and its bodies.
func (n *node) releaseRefs() {
	if n.child != nil {
		n.child.Destroy()
		n.child = nil
	}
	for _, b := range n.bodies {
		b.releaseRefs()
	}
}

func (g *Graph) releaseRefs() {
	for _, n := range g.nodes {
		n.releaseRefs()
	}
}

// atomically runs build against g; on failure every node it created is
// removed again.
func (g *Graph) atomically(build func() error) error {
	cp := g.checkpoint()
	if err := build(); err != nil {
		return g.rollback(cp, err)
	}
	return nil
}
