package cmdgraph

import (
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// caseBatchSize is the number of branch handles one case condition kernel writes.
const caseBatchSize = 8

// ConditionalResult is what a conditional construct created.
type ConditionalResult struct {
	// Conditions are the condition-setting kernel nodes, in dispatch order.
	Conditions []NodeHandle
	// Nodes[i] is the conditional node gating Bodies[i].
	Nodes  []NodeHandle
	Bodies []*Graph
}

// CreateConditionalHandle allocates device-resident conditional state scoped
// to g.
func (g *Graph) CreateConditionalHandle() (ConditionalHandle, error) {
	const op = "create conditional handle"
	if err := g.requireBuilding(op); err != nil {
		return ConditionalHandle{}, err
	}
	nh, err := g.native.CreateConditionalHandle()
	if err != nil {
		return ConditionalHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	g.handleSeq++
	h := ConditionalHandle{owner: g, id: g.handleSeq, native: nh}
	g.handles = append(g.handles, h)
	return h, nil
}

// visible reports whether condition kernels in g may write h: handles of g
// itself or of any enclosing body.
func (g *Graph) visible(h ConditionalHandle) bool {
	for x := g; x != nil; x = x.parent {
		if h.owner == x {
			return true
		}
	}
	return false
}

func (g *Graph) addConditionKernel(op string, deps Dependencies, hs []ConditionalHandle, create func([]NativeNode) (NativeNode, error)) (NodeHandle, error) {
	for _, h := range hs {
		if !h.IsValid() || !g.visible(h) {
			return NodeHandle{}, fmt.Errorf("%s: %v: %w", op, h, ErrForeignHandle)
		}
	}
	n, err := g.addNode(op, KindKernel, deps, create)
	if err != nil {
		return NodeHandle{}, err
	}
	n.writes = append([]ConditionalHandle(nil), hs...)
	for _, h := range hs {
		g.writers[h.key()] = append(g.writers[h.key()], n.handle)
	}
	return n.handle, nil
}

func checkCondMemory(op, what string, m device.DeviceMemory, min uint64) error {
	if m.IsNull() || m.Size() < min {
		return fmt.Errorf("%s: %s %v must hold at least %d bytes: %w", op, what, m, min, ErrInvalidArgument)
	}
	return nil
}

// SetIfCondition dispatches a kernel in scope s writing *pred into h.
func (g *Graph) SetIfCondition(s ExecutionScopeID, h ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.setIfCondition(deps, h, pred)
	})
}

func (g *Graph) setIfCondition(deps Dependencies, h ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	const op = "set if condition"
	if err := checkCondMemory(op, "predicate", pred, 1); err != nil {
		return NodeHandle{}, err
	}
	return g.addConditionKernel(op, deps, []ConditionalHandle{h}, func(nd []NativeNode) (NativeNode, error) {
		return g.native.LaunchSetIfCondition(nd, h.native, pred)
	})
}

// SetIfElseCondition dispatches a kernel in scope s writing *pred into then
// and its negation into els, so exactly one of them is set.
func (g *Graph) SetIfElseCondition(s ExecutionScopeID, then, els ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.setIfElseCondition(deps, then, els, pred)
	})
}

func (g *Graph) setIfElseCondition(deps Dependencies, then, els ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	const op = "set if-else condition"
	if err := checkCondMemory(op, "predicate", pred, 1); err != nil {
		return NodeHandle{}, err
	}
	if then == els {
		return NodeHandle{}, fmt.Errorf("%s: then and else share %v: %w", op, then, ErrInvalidArgument)
	}
	return g.addConditionKernel(op, deps, []ConditionalHandle{then, els}, func(nd []NativeNode) (NativeNode, error) {
		return g.native.LaunchSetIfElseCondition(nd, then.native, els.native, pred)
	})
}

// SetCaseCondition dispatches a kernel in scope s selecting one of hs by the
// int32 at index. hs covers branches [batchOffset, batchOffset+len(hs)).
// With enableDefault, an index below zero or past the last branch of this
// batch selects the batch's last handle; without it such an index selects
// nothing.
func (g *Graph) SetCaseCondition(s ExecutionScopeID, hs []ConditionalHandle, index device.DeviceMemory, batchOffset int32, enableDefault bool) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.setCaseCondition(deps, hs, index, batchOffset, enableDefault)
	})
}

func (g *Graph) setCaseCondition(deps Dependencies, hs []ConditionalHandle, index device.DeviceMemory, batchOffset int32, enableDefault bool) (NodeHandle, error) {
	const op = "set case condition"
	if err := checkCondMemory(op, "index", index, 4); err != nil {
		return NodeHandle{}, err
	}
	if len(hs) == 0 || len(hs) > caseBatchSize {
		return NodeHandle{}, fmt.Errorf("%s: %d handles, want 1..%d: %w", op, len(hs), caseBatchSize, ErrInvalidArgument)
	}
	if batchOffset < 0 {
		return NodeHandle{}, fmt.Errorf("%s: negative batch offset %d: %w", op, batchOffset, ErrInvalidArgument)
	}
	natives := make([]NativeConditional, len(hs))
	for i, h := range hs {
		natives[i] = h.native
	}
	return g.addConditionKernel(op, deps, hs, func(nd []NativeNode) (NativeNode, error) {
		return g.native.LaunchSetCaseCondition(nd, natives, index, batchOffset, enableDefault)
	})
}

// SetForCondition dispatches a kernel in scope s driving a counted loop.
// With initialize the counter is first set to iterations; then, while the
// counter is positive, the kernel sets h and decrements the counter.
func (g *Graph) SetForCondition(s ExecutionScopeID, h ConditionalHandle, counter device.DeviceMemory, iterations int32, initialize bool) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.setForCondition(deps, h, counter, iterations, initialize)
	})
}

func (g *Graph) setForCondition(deps Dependencies, h ConditionalHandle, counter device.DeviceMemory, iterations int32, initialize bool) (NodeHandle, error) {
	const op = "set for condition"
	if err := checkCondMemory(op, "loop counter", counter, 4); err != nil {
		return NodeHandle{}, err
	}
	if iterations < 0 {
		return NodeHandle{}, fmt.Errorf("%s: negative iteration count %d: %w", op, iterations, ErrInvalidArgument)
	}
	return g.addConditionKernel(op, deps, []ConditionalHandle{h}, func(nd []NativeNode) (NativeNode, error) {
		return g.native.LaunchSetForCondition(nd, h.native, counter, iterations, initialize)
	})
}

// SetWhileCondition dispatches a kernel in scope s writing *pred into h.
func (g *Graph) SetWhileCondition(s ExecutionScopeID, h ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	return g.inScope(s, func(deps Dependencies) (NodeHandle, error) {
		return g.setWhileCondition(deps, h, pred)
	})
}

func (g *Graph) setWhileCondition(deps Dependencies, h ConditionalHandle, pred device.DeviceMemory) (NodeHandle, error) {
	const op = "set while condition"
	if err := checkCondMemory(op, "predicate", pred, 1); err != nil {
		return NodeHandle{}, err
	}
	return g.addConditionKernel(op, deps, []ConditionalHandle{h}, func(nd []NativeNode) (NativeNode, error) {
		return g.native.LaunchSetWhileCondition(nd, h.native, pred)
	})
}

// CreateConditionalNode adds a conditional node gated by h, which must have
// been allocated by g. The node owns one body graph: run once for
// ConditionIf, repeatedly for ConditionWhile.
func (g *Graph) CreateConditionalNode(deps Dependencies, h ConditionalHandle, typ ConditionType) (ConditionalResult, error) {
	const op = "create conditional node"
	if !h.IsValid() || h.owner != g {
		return ConditionalResult{}, fmt.Errorf("%s: %v: %w", op, h, ErrForeignHandle)
	}
	if typ != ConditionIf && typ != ConditionWhile {
		return ConditionalResult{}, fmt.Errorf("%s: condition type %q: %w", op, typ, ErrInvalidArgument)
	}
	if max := g.backend.MaxConditionalDepth(); max > 0 && g.depth+1 > max {
		return ConditionalResult{}, fmt.Errorf("%s: body depth %d exceeds device limit %d: %w", op, g.depth+1, max, ErrNestingTooDeep)
	}
	var body NativeGraph
	n, err := g.addNode(op, KindConditional, deps, func(nd []NativeNode) (NativeNode, error) {
		nn, b, err := g.native.CreateConditionalNode(nd, h.native, typ)
		body = b
		return nn, err
	})
	if err != nil {
		return ConditionalResult{}, err
	}
	bg := newGraph(g.backend, body, g)
	n.cond, n.condType, n.bodies = h, typ, []*Graph{bg}
	return ConditionalResult{Nodes: []NodeHandle{n.handle}, Bodies: []*Graph{bg}}, nil
}
