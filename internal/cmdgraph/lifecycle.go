package cmdgraph

import (
	"errors"
	"fmt"
	"io"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/metrics"
)

func (g *Graph) requireRoot(op string) error {
	if g.IsNested() {
		return fmt.Errorf("%s: %w", op, ErrNestedGraph)
	}
	return nil
}

// PrepareFinalization validates the dependency graph, including all nested
// bodies, and freezes it. On failure the graph stays in Building.
func (g *Graph) PrepareFinalization() error {
	const op = "prepare finalization"
	if err := g.requireRoot(op); err != nil {
		return err
	}
	if err := g.requireBuilding(op); err != nil {
		return err
	}
	if err := g.validate(); err != nil {
		g.log.Warn("graph validation failed", "graph", g.id, "err", err)
		return fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}
	g.setState(StateFinalized)
	g.log.Debug("graph finalized", "graph", g.id, "nodes", len(g.nodes))
	return nil
}

// InstantiateGraph builds the native executable. If the device runtime
// rejects the graph it becomes Invalid and must be destroyed.
func (g *Graph) InstantiateGraph() error {
	const op = "instantiate graph"
	if err := g.requireRoot(op); err != nil {
		return err
	}
	if s := g.State(); s != StateFinalized {
		return fmt.Errorf("%s: graph is %s, want finalized: %w", op, s, ErrInvalidState)
	}
	if err := g.native.Instantiate(); err != nil {
		g.setState(StateInvalid)
		g.log.Error("graph instantiation failed", "graph", g.id, "err", err)
		return fmt.Errorf("%s: %w: %w", op, ErrInstantiation, err)
	}
	g.setState(StateInstantiated)
	g.log.Info("graph instantiated", "graph", g.id, "backend", g.backend.Name())
	return nil
}

// LaunchGraph submits one execution of the graph to s and returns without
// waiting for it. Node parameters are captured at submission, so updates
// made afterwards affect later launches only. A failed launch leaves the
// graph launchable.
func (g *Graph) LaunchGraph(s device.Stream) (err error) {
	const op = "launch graph"
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.GraphLaunches.WithLabelValues(status).Inc()
	}()
	if err := g.requireRoot(op); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%s: nil stream: %w: %w", op, ErrLaunch, ErrInvalidArgument)
	}
	if err := g.requireExecutable(op); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if err := g.native.Launch(s); err != nil {
		g.log.Warn("graph launch failed", "graph", g.id, "stream", s.ID(), "err", err)
		return fmt.Errorf("%s: %w: %w", op, ErrLaunch, err)
	}
	g.root.mu.Lock()
	first := g.state == StateInstantiated
	g.root.mu.Unlock()
	if first {
		g.setState(StateLaunched)
	}
	return nil
}

// Trace records the device operations fn issues to s and appends them to g
// as a chain in DefaultScope. g must be an empty graph in Building. If
// anything fails, g is left empty.
func (g *Graph) Trace(s device.Stream, fn func(device.Stream) error) error {
	const op = "trace"
	if err := g.requireBuilding(op); err != nil {
		return err
	}
	if len(g.nodes) > 0 {
		return fmt.Errorf("%s: %d nodes present: %w", op, len(g.nodes), ErrGraphNotEmpty)
	}
	if err := s.BeginCapture(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	captured := true
	defer func() {
		// fn panicked: leave capture mode before the panic unwinds further.
		if captured {
			_, _ = s.EndCapture()
		}
	}()
	fnErr := fn(s)
	ops, err := s.EndCapture()
	captured = false
	if fnErr != nil {
		return fmt.Errorf("%s: captured work: %w", op, errors.Join(fnErr, err))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = g.atomically(func() error {
		for i, c := range ops {
			if err := g.addCaptured(c); err != nil {
				return fmt.Errorf("captured op %d (%s): %w", i, c.Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	g.log.Debug("stream captured", "graph", g.id, "stream", s.ID(), "ops", len(ops))
	return nil
}

func (g *Graph) addCaptured(c device.CapturedOp) error {
	var err error
	switch c.Kind {
	case device.OpMemset:
		_, err = g.Memset(DefaultScope, c.Dst, c.Pattern, c.Count)
	case device.OpMemcpy:
		_, err = g.MemcpyD2D(DefaultScope, c.Dst, c.Src, c.Size)
	case device.OpLaunch:
		_, err = g.LaunchKernel(DefaultScope, c.Dims, c.Kernel, c.Args)
	default:
		err = fmt.Errorf("unknown operation: %w", ErrInvalidArgument)
	}
	return err
}

// WriteDot exports the native graph in Graphviz DOT form.
func (g *Graph) WriteDot(w io.Writer) error {
	if err := g.native.WriteDot(w); err != nil {
		return fmt.Errorf("write dot: %w", err)
	}
	return nil
}

// Retain adds a reference to a root graph. Each Retain must be paired with a
// Destroy.
func (g *Graph) Retain() {
	g.root.refs.Add(1)
}

// Destroy drops a reference. When the last reference is gone the graph
// releases its device state, drops its own child references and becomes
// Invalid. Destroy on a nested body is a no-op: bodies live as long as their
// root.
func (g *Graph) Destroy() {
	if g.IsNested() {
		return
	}
	if g.refs.Add(-1) != 0 {
		return
	}
	g.releaseRefs()
	g.native.Release()
	g.setState(StateInvalid)
	g.log.Debug("graph destroyed", "graph", g.id)
}
