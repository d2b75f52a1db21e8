package cmdgraph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

func TestIf(t *testing.T) {
	for _, pred := range []bool{true, false} {
		f := newFixture(t, cmdgraph.BackendOptions{})
		g := f.graph(t)
		out := f.int32Buf(t, 0)

		res, err := g.If(cmdgraph.DefaultScope, f.boolBuf(t, pred), setTo(out, 1))
		require.NoError(t, err)
		require.Len(t, res.Conditions, 1)
		require.Len(t, res.Nodes, 1)
		require.Len(t, res.Bodies, 1)

		f.run(t, g)
		want := int32(0)
		if pred {
			want = 1
		}
		assert.Equal(t, []int32{want}, f.read(t, out), "pred=%v", pred)
	}
}

func TestIfElseExclusive(t *testing.T) {
	tests := []struct {
		pred               bool
		wantThen, wantElse int32
	}{
		{true, 1, 0},
		{false, 0, 1},
	}
	for _, tc := range tests {
		f := newFixture(t, cmdgraph.BackendOptions{})
		g := f.graph(t)
		then, els := f.int32Buf(t, 0), f.int32Buf(t, 0)
		pred := f.boolBuf(t, tc.pred)

		res, err := g.IfElse(cmdgraph.DefaultScope, pred, setTo(then, 1), setTo(els, 1))
		require.NoError(t, err)
		require.Len(t, res.Bodies, 2)

		f.run(t, g)
		assert.Equal(t, []int32{tc.wantThen}, f.read(t, then), "pred=%v", tc.pred)
		assert.Equal(t, []int32{tc.wantElse}, f.read(t, els), "pred=%v", tc.pred)

		// Flip the predicate without touching the graph.
		require.NoError(t, device.WriteBool(f.host, pred, !tc.pred))
		require.NoError(t, device.WriteInt32s(f.host, then, []int32{0}))
		require.NoError(t, device.WriteInt32s(f.host, els, []int32{0}))
		f.launch(t, g)
		assert.Equal(t, []int32{tc.wantElse}, f.read(t, then))
		assert.Equal(t, []int32{tc.wantThen}, f.read(t, els))
	}
}

func TestCase(t *testing.T) {
	tests := []struct {
		name          string
		branches      int
		index         int32
		enableDefault bool
		want          int32 // 1-based branch that ran, 0 for none
	}{
		{"first branch", 3, 0, false, 1},
		{"last branch", 3, 2, false, 3},
		{"out of range runs default", 3, 3, true, 3},
		{"out of range runs nothing", 3, 3, false, 0},
		{"negative runs default", 3, -1, true, 3},
		{"negative runs nothing", 3, -1, false, 0},
		{"second batch", 10, 9, false, 10},
		{"first batch of two", 10, 2, true, 3},
		{"out of range across batches", 10, 12, true, 10},
		{"out of range across batches without default", 10, 12, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, cmdgraph.BackendOptions{})
			g := f.graph(t)
			out := f.int32Buf(t, 0)
			index := f.int32Buf(t, tc.index)

			branches := make([]cmdgraph.Builder, tc.branches)
			for i := range branches {
				branches[i] = setTo(out, uint32(i+1))
			}
			res, err := g.Case(cmdgraph.DefaultScope, index, branches, tc.enableDefault)
			require.NoError(t, err)
			assert.Len(t, res.Nodes, tc.branches)
			assert.Len(t, res.Conditions, (tc.branches+7)/8)

			f.run(t, g)
			assert.Equal(t, []int32{tc.want}, f.read(t, out))
		})
	}
}

func TestCaseIndexChangesBetweenLaunches(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	out := f.int32Buf(t, 0)
	index := f.int32Buf(t, 0)
	_, err := g.Case(cmdgraph.DefaultScope, index, []cmdgraph.Builder{setTo(out, 1), setTo(out, 2)}, false)
	require.NoError(t, err)
	f.run(t, g)
	assert.Equal(t, []int32{1}, f.read(t, out))

	require.NoError(t, device.WriteInt32(f.host, index, 1))
	f.launch(t, g)
	assert.Equal(t, []int32{2}, f.read(t, out))
}

func TestFor(t *testing.T) {
	for _, iterations := range []int32{0, 1, 5} {
		f := newFixture(t, cmdgraph.BackendOptions{})
		g := f.graph(t)
		acc := f.int32Buf(t, 0)
		counter := f.int32Buf(t, 0)

		_, err := g.For(cmdgraph.DefaultScope, counter, iterations, addTo(acc, 1))
		require.NoError(t, err)
		f.run(t, g)
		assert.Equal(t, []int32{iterations}, f.read(t, acc), "iterations=%d", iterations)

		// The counter is re-initialized on every launch.
		f.launch(t, g)
		assert.Equal(t, []int32{2 * iterations}, f.read(t, acc), "iterations=%d", iterations)
	}
}

func TestWhile(t *testing.T) {
	for _, limit := range []int32{0, 1, 4} {
		f := newFixture(t, cmdgraph.BackendOptions{})
		g := f.graph(t)
		counter := f.int32Buf(t, 0)
		pred := f.alloc(t, 1)

		_, err := g.Memset(cmdgraph.DefaultScope, counter, device.Pattern32(0), 1)
		require.NoError(t, err)
		cond := func(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
			_, err := g.LaunchKernel(s, one, lessKernel, device.PackArgs(counter, limit, pred))
			return err
		}
		_, err = g.While(cmdgraph.DefaultScope, cond, pred, addTo(counter, 1))
		require.NoError(t, err)

		f.run(t, g)
		assert.Equal(t, []int32{limit}, f.read(t, counter), "limit=%d", limit)
	}
}

func TestWhileLoopLimit(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{MaxLoopIterations: 3})
	g := f.graph(t)
	counter := f.int32Buf(t, 0)
	_, err := g.While(cmdgraph.DefaultScope, nil, f.boolBuf(t, true), addTo(counter, 1))
	require.NoError(t, err)
	require.NoError(t, g.PrepareFinalization())
	require.NoError(t, g.InstantiateGraph())
	require.NoError(t, g.LaunchGraph(f.stream))
	assert.Error(t, f.stream.Synchronize(context.Background()))
	assert.Equal(t, []int32{3}, f.read(t, counter))
}

func TestForIgnoresLoopLimit(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{MaxLoopIterations: 3})
	g := f.graph(t)
	acc := f.int32Buf(t, 0)
	counter := f.int32Buf(t, 0)

	_, err := g.For(cmdgraph.DefaultScope, counter, 5, addTo(acc, 2))
	require.NoError(t, err)
	f.run(t, g)
	assert.Equal(t, []int32{10}, f.read(t, acc), "a counted loop runs its full trip count")
}

func TestNestedConditionals(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	acc := f.int32Buf(t, 0)
	outer := f.int32Buf(t, 0)
	inner := f.int32Buf(t, 0)

	// for 3 { for 2 { acc++ } }
	_, err := g.For(cmdgraph.DefaultScope, outer, 3, func(body *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := body.For(s, inner, 2, addTo(acc, 1))
		return err
	})
	require.NoError(t, err)
	f.run(t, g)
	assert.Equal(t, []int32{6}, f.read(t, acc))
}

func TestNestingTooDeep(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{MaxConditionalDepth: 1})
	g := f.graph(t)
	pred := f.boolBuf(t, true)
	assert.Equal(t, 1, g.MaxConditionalDepth())

	_, err := g.If(cmdgraph.DefaultScope, pred, func(body *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := body.If(s, pred, nil)
		return err
	})
	assert.ErrorIs(t, err, cmdgraph.ErrNestingTooDeep)

	n, err := g.NodeCount()
	require.NoError(t, err)
	assert.Zero(t, n, "failed construct must leave no nodes behind")
	require.NoError(t, g.PrepareFinalization())
}

func TestConstructRollback(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	buf := f.int32Buf(t, 0)
	pred := f.boolBuf(t, true)

	first, err := g.Memset(cmdgraph.DefaultScope, buf, device.Pattern32(1), 1)
	require.NoError(t, err)
	used := f.host.Used()

	errBody := errors.New("body failed")
	tests := []struct {
		name  string
		build func() error
	}{
		{"if", func() error {
			_, err := g.If(cmdgraph.DefaultScope, pred, func(*cmdgraph.Graph, cmdgraph.ExecutionScopeID) error { return errBody })
			return err
		}},
		{"if-else second body", func() error {
			_, err := g.IfElse(cmdgraph.DefaultScope, pred, setTo(buf, 2), func(*cmdgraph.Graph, cmdgraph.ExecutionScopeID) error { return errBody })
			return err
		}},
		{"while condition", func() error {
			_, err := g.While(cmdgraph.DefaultScope, func(*cmdgraph.Graph, cmdgraph.ExecutionScopeID) error { return errBody }, pred, nil)
			return err
		}},
		{"for body", func() error {
			_, err := g.For(cmdgraph.DefaultScope, buf, 3, func(*cmdgraph.Graph, cmdgraph.ExecutionScopeID) error { return errBody })
			return err
		}},
		{"case branch", func() error {
			_, err := g.Case(cmdgraph.DefaultScope, buf, []cmdgraph.Builder{setTo(buf, 2), func(*cmdgraph.Graph, cmdgraph.ExecutionScopeID) error { return errBody }}, false)
			return err
		}},
		{"nested if", func() error {
			_, err := g.If(cmdgraph.DefaultScope, pred, func(body *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
				if _, err := body.If(s, pred, setTo(buf, 3)); err != nil {
					return err
				}
				return errBody
			})
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				assert.ErrorIs(t, tc.build(), errBody)
			}
			assert.Equal(t, []cmdgraph.NodeHandle{first}, g.Nodes())
			assert.Equal(t, cmdgraph.Deps(first), g.ScopeDependencies(cmdgraph.DefaultScope))
			assert.Equal(t, used, f.host.Used(), "conditional handles are released")
		})
	}

	f.run(t, g)
	assert.Equal(t, []int32{1}, f.read(t, buf))
}

func TestConditionalHandleOwnership(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	other := f.graph(t)
	pred := f.boolBuf(t, true)

	foreign, err := other.CreateConditionalHandle()
	require.NoError(t, err)

	_, err = g.CreateConditionalNode(nil, foreign, cmdgraph.ConditionIf)
	assert.ErrorIs(t, err, cmdgraph.ErrForeignHandle)
	_, err = g.SetIfCondition(cmdgraph.DefaultScope, foreign, pred)
	assert.ErrorIs(t, err, cmdgraph.ErrForeignHandle)
	_, err = g.CreateConditionalNode(nil, cmdgraph.ConditionalHandle{}, cmdgraph.ConditionIf)
	assert.ErrorIs(t, err, cmdgraph.ErrForeignHandle)
}

func TestTwoPhaseConditional(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	out := f.int32Buf(t, 0)
	pred := f.boolBuf(t, true)

	h, err := g.CreateConditionalHandle()
	require.NoError(t, err)

	// A conditional node with no preceding writer fails validation.
	_, err = g.CreateConditionalNode(nil, h, cmdgraph.ConditionIf)
	require.NoError(t, err)
	err = g.PrepareFinalization()
	assert.ErrorIs(t, err, cmdgraph.ErrValidation)
	assert.Equal(t, cmdgraph.StateBuilding, g.State())

	g2 := f.graph(t)
	h2, err := g2.CreateConditionalHandle()
	require.NoError(t, err)
	set, err := g2.SetIfCondition(cmdgraph.DefaultScope, h2, pred)
	require.NoError(t, err)
	info, err := g2.Node(set)
	require.NoError(t, err)
	assert.True(t, info.ConditionSetter)

	res, err := g2.CreateConditionalNode(cmdgraph.Deps(set), h2, cmdgraph.ConditionIf)
	require.NoError(t, err)
	require.NoError(t, setTo(out, 5)(res.Bodies[0], cmdgraph.DefaultScope))
	f.run(t, g2)
	assert.Equal(t, []int32{5}, f.read(t, out))
}

func TestScopesAndBarrier(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{Workers: 4})
	g := f.graph(t)
	a, b, sum := f.int32Buf(t, 0), f.int32Buf(t, 0), f.int32Buf(t, 0)

	ha, err := g.Memset(1, a, device.Pattern32(2), 1)
	require.NoError(t, err)
	hb, err := g.Memset(2, b, device.Pattern32(3), 1)
	require.NoError(t, err)
	bar, err := g.Barrier(1, 2)
	require.NoError(t, err)
	info, err := g.Node(bar)
	require.NoError(t, err)
	assert.ElementsMatch(t, cmdgraph.Deps(ha, hb), info.Dependencies)
	assert.Equal(t, cmdgraph.Deps(bar), g.ScopeDependencies(1))
	assert.Equal(t, cmdgraph.Deps(bar), g.ScopeDependencies(2))

	_, err = g.MemcpyD2D(1, sum, a, 4)
	require.NoError(t, err)
	f.run(t, g)
	assert.Equal(t, []int32{2}, f.read(t, sum))
}
