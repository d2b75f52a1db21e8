package hostgpu

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// step is an immutable copy of a node taken at launch. body holds the
// snapshot of a conditional body or of an embedded child graph.
type step struct {
	node hostNode
	deps []*step
	body []*step
}

// snapshot copies the node parameters of g and everything it embeds.
func (g *hostGraph) snapshot() []*step {
	g.mu.Lock()
	nodes := append([]*hostNode(nil), g.nodes...)
	copies := make([]hostNode, len(nodes))
	for i, n := range nodes {
		copies[i] = *n
	}
	g.mu.Unlock()

	byNode := make(map[*hostNode]*step, len(nodes))
	out := make([]*step, len(nodes))
	for i, n := range nodes {
		st := &step{node: copies[i]}
		for _, d := range copies[i].deps {
			st.deps = append(st.deps, byNode[d])
		}
		switch {
		case n.body != nil:
			st.body = n.body.snapshot()
		case copies[i].child != nil:
			st.body = copies[i].child.snapshot()
		}
		byNode[n] = st
		out[i] = st
	}
	return out
}

// executor runs snapshots. Nodes run in waves: every node whose
// dependencies have completed is started, up to workers at a time.
type executor struct {
	mem           device.Memory
	workers       int
	maxIterations int
}

func (e *executor) run(ctx context.Context, steps []*step) error {
	pending := make(map[*step]int, len(steps))
	dependents := make(map[*step][]*step, len(steps))
	var ready []*step
	for _, st := range steps {
		pending[st] = len(st.deps)
		for _, d := range st.deps {
			dependents[d] = append(dependents[d], st)
		}
		if len(st.deps) == 0 {
			ready = append(ready, st)
		}
	}
	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		eg, ectx := errgroup.WithContext(ctx)
		eg.SetLimit(e.workers)
		for _, st := range ready {
			eg.Go(func() error {
				return e.runStep(ectx, st)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		var next []*step
		for _, st := range ready {
			for _, d := range dependents[st] {
				pending[d]--
				if pending[d] == 0 {
					next = append(next, d)
				}
			}
		}
		ready = next
	}
	return nil
}

func (e *executor) runStep(ctx context.Context, st *step) error {
	n := &st.node
	if !n.enabled {
		return nil
	}
	switch n.kind {
	case cmdgraph.KindKernel:
		return n.kernel.Run(e.mem, n.dims, n.args)
	case cmdgraph.KindMemset:
		return device.Memset(e.mem, n.dst, n.pattern, n.count)
	case cmdgraph.KindMemcpy:
		return device.MemcpyD2D(e.mem, n.dst, n.src, n.size)
	case cmdgraph.KindBarrier:
		return nil
	case cmdgraph.KindChild:
		return e.run(ctx, st.body)
	case cmdgraph.KindConditional:
		return e.runConditional(ctx, st)
	}
	return fmt.Errorf("hostgpu: node kind %q not executable", n.kind)
}

func (e *executor) runConditional(ctx context.Context, st *step) error {
	n := &st.node
	for iter := 0; ; iter++ {
		on, err := device.ReadInt32(e.mem, n.slot.mem)
		if err != nil {
			return err
		}
		if on == 0 {
			return nil
		}
		if n.condType == cmdgraph.ConditionWhile && !n.slot.bounded() && e.maxIterations > 0 && iter >= e.maxIterations {
			return fmt.Errorf("%w (%d)", ErrLoopLimit, e.maxIterations)
		}
		if err := e.run(ctx, st.body); err != nil {
			return err
		}
		if n.condType != cmdgraph.ConditionWhile {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
