package program

import (
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
)

// builder turns config ops into graph nodes. Predicates are compiled here;
// nothing is parsed at launch time.
type builder struct {
	p       *Program
	backend cmdgraph.Backend
	reg     *kernels.Registry
}

func (b *builder) ops(g *cmdgraph.Graph, ops []config.Op) error {
	for i := range ops {
		if err := b.op(g, &ops[i]); err != nil {
			return fmt.Errorf("op %s: %w", ops[i].ID, err)
		}
	}
	return nil
}

// body returns a Builder issuing ops into a conditional body. A nil result
// leaves the body empty.
func (b *builder) body(ops []config.Op) cmdgraph.Builder {
	if len(ops) == 0 {
		return nil
	}
	return func(g *cmdgraph.Graph, _ cmdgraph.ExecutionScopeID) error {
		return b.ops(g, ops)
	}
}

func (b *builder) op(g *cmdgraph.Graph, op *config.Op) error {
	s := cmdgraph.ExecutionScopeID(op.Scope)
	rec := opNode{graph: g, kind: op.Kind()}
	var err error
	switch {
	case op.Kernel != nil:
		var k *kernelNode
		if k, err = b.kernel(op.Kernel); err != nil {
			return err
		}
		rec.kernel = k
		rec.handles, err = one(g.LaunchKernel(s, k.dims, k.spec.Kernel, k.args))
	case op.Memset != nil:
		var m *memsetNode
		if m, err = b.memset(op.Memset); err != nil {
			return err
		}
		rec.memset = m
		rec.handles, err = one(g.Memset(s, m.dst, m.pattern, m.count))
	case op.Memcpy != nil:
		var dst, src device.DeviceMemory
		if dst, err = b.p.buffer(op.Memcpy.Dst); err != nil {
			return err
		}
		if src, err = b.p.buffer(op.Memcpy.Src); err != nil {
			return err
		}
		size := op.Memcpy.Bytes
		if size == 0 {
			size = min(dst.Size(), src.Size())
		}
		rec.handles, err = one(g.MemcpyD2D(s, dst, src, size))
	case op.Barrier != nil:
		scopes := make([]cmdgraph.ExecutionScopeID, 0, len(op.Barrier.Scopes))
		for _, sc := range op.Barrier.Scopes {
			scopes = append(scopes, cmdgraph.ExecutionScopeID(sc))
		}
		if len(scopes) == 0 {
			scopes = append(scopes, s)
		}
		rec.handles, err = one(g.Barrier(scopes...))
	case op.Child != nil:
		rec.handles, err = one(b.child(g, s, op.Child))
	case op.If != nil:
		rec.handles, err = b.ifOp(g, s, op.If)
	case op.Case != nil:
		rec.handles, err = b.caseOp(g, s, op.Case)
	case op.For != nil:
		rec.handles, err = b.forOp(g, s, op.For)
	case op.While != nil:
		rec.handles, err = b.whileOp(g, s, op.While)
	default:
		return fmt.Errorf("no operation set")
	}
	if err != nil {
		return err
	}
	b.p.nodes[op.ID] = rec
	b.p.order = append(b.p.order, op.ID)
	return nil
}

func one(h cmdgraph.NodeHandle, err error) ([]cmdgraph.NodeHandle, error) {
	if err != nil {
		return nil, err
	}
	return []cmdgraph.NodeHandle{h}, nil
}

func (b *builder) kernel(k *config.KernelOp) (*kernelNode, error) {
	spec, err := b.reg.Get(k.Name)
	if err != nil {
		return nil, err
	}
	args, err := b.p.packArgs(spec, k.Args)
	if err != nil {
		return nil, err
	}
	dims := device.LaunchDims{Threads: device.Threads(k.Threads), Blocks: device.Blocks(max(k.Blocks, 1))}
	return &kernelNode{spec: spec, dims: dims, args: args}, nil
}

func (b *builder) memset(m *config.MemsetOp) (*memsetNode, error) {
	dst, err := b.p.buffer(m.Buffer)
	if err != nil {
		return nil, err
	}
	width := m.Width
	if width == 0 {
		width = 4
	}
	p, err := device.NewBitPattern(m.Value, width)
	if err != nil {
		return nil, err
	}
	count := m.Count
	if count == 0 {
		count = dst.Size() / uint64(width)
	}
	return &memsetNode{dst: dst, pattern: p, count: count}, nil
}

// child builds ops into a separate root graph and embeds it. The parent
// node keeps the child alive, so the builder's reference is dropped on the
// way out.
func (b *builder) child(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID, c *config.ChildOp) (cmdgraph.NodeHandle, error) {
	child, err := cmdgraph.New(b.backend, cmdgraph.WithLogger(b.p.log))
	if err != nil {
		return cmdgraph.NodeHandle{}, err
	}
	defer child.Destroy()
	if err := b.ops(child, c.Ops); err != nil {
		return cmdgraph.NodeHandle{}, fmt.Errorf("child: %w", err)
	}
	if err := child.PrepareFinalization(); err != nil {
		return cmdgraph.NodeHandle{}, fmt.Errorf("child: %w", err)
	}
	return g.AddNestedGraph(s, child)
}

// predicate returns a Builder that evaluates src into out, or nil when src
// is empty.
func (b *builder) predicate(src string, out device.DeviceMemory) (cmdgraph.Builder, error) {
	if src == "" {
		return nil, nil
	}
	pred, err := kernels.NewPredicate(src)
	if err != nil {
		return nil, err
	}
	args, err := pred.Args(out, b.p.buffers)
	if err != nil {
		return nil, err
	}
	dims := device.LaunchDims{Threads: device.Threads(1), Blocks: device.Blocks(1)}
	return func(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := g.LaunchKernel(s, dims, pred.Kernel(), args)
		return err
	}, nil
}

func (b *builder) ifOp(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID, op *config.IfOp) ([]cmdgraph.NodeHandle, error) {
	pred, err := b.p.buffer(op.Predicate)
	if err != nil {
		return nil, err
	}
	eval, err := b.predicate(op.Condition, pred)
	if err != nil {
		return nil, err
	}
	if eval != nil {
		if err := eval(g, s); err != nil {
			return nil, err
		}
	}
	var res cmdgraph.ConditionalResult
	if len(op.Else) > 0 {
		res, err = g.IfElse(s, pred, b.body(op.Then), b.body(op.Else))
	} else {
		res, err = g.If(s, pred, b.body(op.Then))
	}
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

func (b *builder) caseOp(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID, op *config.CaseOp) ([]cmdgraph.NodeHandle, error) {
	index, err := b.p.buffer(op.Index)
	if err != nil {
		return nil, err
	}
	branches := make([]cmdgraph.Builder, len(op.Branches))
	for i, ops := range op.Branches {
		branches[i] = b.body(ops)
	}
	res, err := g.Case(s, index, branches, op.Default)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

func (b *builder) forOp(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID, op *config.ForOp) ([]cmdgraph.NodeHandle, error) {
	counter, err := b.p.buffer(op.Counter)
	if err != nil {
		return nil, err
	}
	res, err := g.For(s, counter, op.Iterations, b.body(op.Body))
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

func (b *builder) whileOp(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID, op *config.WhileOp) ([]cmdgraph.NodeHandle, error) {
	pred, err := b.p.buffer(op.Predicate)
	if err != nil {
		return nil, err
	}
	cond, err := b.predicate(op.Condition, pred)
	if err != nil {
		return nil, err
	}
	res, err := g.While(s, cond, pred, b.body(op.Body))
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}
