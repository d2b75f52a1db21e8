package cmdgraph

import (
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Builder populates a graph body, issuing its operations to scope s.
type Builder func(g *Graph, s ExecutionScopeID) error

// The constructs below are two-phase: a condition-setting kernel publishes
// the handle value, then conditional nodes depending on it gate the bodies.
// Each is all-or-nothing: if any step or body builder fails, every node the
// construct added is removed and the error is returned.

// If runs then once when the boolean at pred is true.
func (g *Graph) If(s ExecutionScopeID, pred device.DeviceMemory, then Builder) (ConditionalResult, error) {
	var res ConditionalResult
	err := g.atomically(func() error {
		h, err := g.CreateConditionalHandle()
		if err != nil {
			return err
		}
		set, err := g.setIfCondition(g.scopes[s], h, pred)
		if err != nil {
			return err
		}
		res, err = g.gate(Deps(set), []ConditionalHandle{h}, ConditionIf, []Builder{then})
		if err != nil {
			return err
		}
		res.Conditions = []NodeHandle{set}
		g.scopes[s] = Deps(res.Nodes...)
		return nil
	})
	if err != nil {
		return ConditionalResult{}, fmt.Errorf("if: %w", err)
	}
	return res, nil
}

// IfElse runs then when the boolean at pred is true and els otherwise.
// Exactly one body runs per execution.
func (g *Graph) IfElse(s ExecutionScopeID, pred device.DeviceMemory, then, els Builder) (ConditionalResult, error) {
	var res ConditionalResult
	err := g.atomically(func() error {
		th, err := g.CreateConditionalHandle()
		if err != nil {
			return err
		}
		eh, err := g.CreateConditionalHandle()
		if err != nil {
			return err
		}
		set, err := g.setIfElseCondition(g.scopes[s], th, eh, pred)
		if err != nil {
			return err
		}
		res, err = g.gate(Deps(set), []ConditionalHandle{th, eh}, ConditionIf, []Builder{then, els})
		if err != nil {
			return err
		}
		res.Conditions = []NodeHandle{set}
		g.scopes[s] = Deps(res.Nodes...)
		return nil
	})
	if err != nil {
		return ConditionalResult{}, fmt.Errorf("if-else: %w", err)
	}
	return res, nil
}

// Case runs branches[i] where i is the int32 at index. When i is out of
// range, enableDefault runs the last branch; otherwise no branch runs.
func (g *Graph) Case(s ExecutionScopeID, index device.DeviceMemory, branches []Builder, enableDefault bool) (ConditionalResult, error) {
	if len(branches) == 0 {
		return ConditionalResult{}, fmt.Errorf("case: no branches: %w", ErrInvalidArgument)
	}
	var res ConditionalResult
	err := g.atomically(func() error {
		hs := make([]ConditionalHandle, len(branches))
		for i := range hs {
			h, err := g.CreateConditionalHandle()
			if err != nil {
				return err
			}
			hs[i] = h
		}
		var sets []NodeHandle
		deps := g.scopes[s]
		for off := 0; off < len(hs); off += caseBatchSize {
			end := min(off+caseBatchSize, len(hs))
			last := end == len(hs)
			set, err := g.setCaseCondition(deps, hs[off:end], index, int32(off), enableDefault && last)
			if err != nil {
				return err
			}
			sets = append(sets, set)
			deps = Deps(set)
		}
		var err error
		res, err = g.gate(deps, hs, ConditionIf, branches)
		if err != nil {
			return err
		}
		res.Conditions = sets
		g.scopes[s] = Deps(res.Nodes...)
		return nil
	})
	if err != nil {
		return ConditionalResult{}, fmt.Errorf("case: %w", err)
	}
	return res, nil
}

// For runs body iterations times, using the int32 at counter as loop state.
// Zero iterations skip the body.
func (g *Graph) For(s ExecutionScopeID, counter device.DeviceMemory, iterations int32, body Builder) (ConditionalResult, error) {
	var res ConditionalResult
	err := g.atomically(func() error {
		h, err := g.CreateConditionalHandle()
		if err != nil {
			return err
		}
		set, err := g.setForCondition(g.scopes[s], h, counter, iterations, true)
		if err != nil {
			return err
		}
		res, err = g.gate(Deps(set), []ConditionalHandle{h}, ConditionWhile, []Builder{body})
		if err != nil {
			return err
		}
		b := res.Bodies[0]
		if _, err := b.setForCondition(b.sinks(), h, counter, iterations, false); err != nil {
			return err
		}
		res.Conditions = []NodeHandle{set}
		g.scopes[s] = Deps(res.Nodes...)
		return nil
	})
	if err != nil {
		return ConditionalResult{}, fmt.Errorf("for: %w", err)
	}
	return res, nil
}

// While runs body as long as the boolean at pred reads true. cond, when not
// nil, computes pred: it is issued once before the loop and again at the end
// of every pass. With a nil cond the body itself must update pred.
func (g *Graph) While(s ExecutionScopeID, cond Builder, pred device.DeviceMemory, body Builder) (ConditionalResult, error) {
	var res ConditionalResult
	err := g.atomically(func() error {
		h, err := g.CreateConditionalHandle()
		if err != nil {
			return err
		}
		if cond != nil {
			if err := cond(g, s); err != nil {
				return err
			}
		}
		set, err := g.setWhileCondition(g.scopes[s], h, pred)
		if err != nil {
			return err
		}
		res, err = g.gate(Deps(set), []ConditionalHandle{h}, ConditionWhile, []Builder{body})
		if err != nil {
			return err
		}
		b := res.Bodies[0]
		if cond != nil {
			if err := b.join(DefaultScope); err != nil {
				return err
			}
			if err := cond(b, DefaultScope); err != nil {
				return err
			}
		}
		if _, err := b.setWhileCondition(b.sinks(), h, pred); err != nil {
			return err
		}
		res.Conditions = []NodeHandle{set}
		g.scopes[s] = Deps(res.Nodes...)
		return nil
	})
	if err != nil {
		return ConditionalResult{}, fmt.Errorf("while: %w", err)
	}
	return res, nil
}

// gate creates one conditional node per handle, all depending on deps, and
// runs builders[i] against the body gated by hs[i]. A nil builder leaves the
// body empty.
func (g *Graph) gate(deps Dependencies, hs []ConditionalHandle, typ ConditionType, builders []Builder) (ConditionalResult, error) {
	var res ConditionalResult
	for _, h := range hs {
		r, err := g.CreateConditionalNode(deps, h, typ)
		if err != nil {
			return ConditionalResult{}, err
		}
		res.Nodes = append(res.Nodes, r.Nodes...)
		res.Bodies = append(res.Bodies, r.Bodies...)
	}
	for i, b := range res.Bodies {
		if builders[i] == nil {
			continue
		}
		if err := builders[i](b, DefaultScope); err != nil {
			return ConditionalResult{}, fmt.Errorf("body %d: %w", i, err)
		}
	}
	return res, nil
}
