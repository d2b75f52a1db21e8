package cmdgraph_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

func TestTraceRoundTrip(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	src := f.alloc(t, 16)
	dst := f.alloc(t, 16)

	work := func(s device.Stream) error {
		if err := s.Memset(src, device.Pattern32(7), 4); err != nil {
			return err
		}
		if err := s.Launch(one, addKernel, device.PackArgs(src, int32(3))); err != nil {
			return err
		}
		if err := s.MemcpyD2D(dst, src, 16); err != nil {
			return err
		}
		return s.Launch(one, addKernel, device.PackArgs(dst, int32(-1)))
	}
	reset := func() {
		require.NoError(t, f.host.Write(src, make([]byte, 16)))
		require.NoError(t, f.host.Write(dst, make([]byte, 16)))
	}

	direct := f.graph(t)
	_, err := direct.Memset(cmdgraph.DefaultScope, src, device.Pattern32(7), 4)
	require.NoError(t, err)
	_, err = direct.LaunchKernel(cmdgraph.DefaultScope, one, addKernel, device.PackArgs(src, int32(3)))
	require.NoError(t, err)
	_, err = direct.MemcpyD2D(cmdgraph.DefaultScope, dst, src, 16)
	require.NoError(t, err)
	_, err = direct.LaunchKernel(cmdgraph.DefaultScope, one, addKernel, device.PackArgs(dst, int32(-1)))
	require.NoError(t, err)
	f.run(t, direct)
	wantSrc, err := f.host.Read(src)
	require.NoError(t, err)
	wantDst, err := f.host.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []int32{9, 9, 9, 9}, f.read(t, dst))

	reset()
	traced := f.graph(t)
	require.NoError(t, traced.Trace(f.stream, work))
	n, err := traced.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int32{0, 0, 0, 0}, f.read(t, dst), "captured work must not run")

	f.run(t, traced)
	gotSrc, err := f.host.Read(src)
	require.NoError(t, err)
	gotDst, err := f.host.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, wantSrc, gotSrc)
	assert.Equal(t, wantDst, gotDst)
}

func TestTraceFailures(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	buf := f.alloc(t, 8)

	t.Run("work fails", func(t *testing.T) {
		g := f.graph(t)
		errWork := errors.New("work failed")
		err := g.Trace(f.stream, func(s device.Stream) error {
			require.NoError(t, s.Memset(buf, device.Pattern32(1), 2))
			return errWork
		})
		assert.ErrorIs(t, err, errWork)
		assert.Empty(t, g.Nodes())
		// The stream left capture mode.
		require.NoError(t, f.stream.BeginCapture())
		_, err = f.stream.EndCapture()
		require.NoError(t, err)
	})

	t.Run("captured op rejected", func(t *testing.T) {
		g := f.graph(t)
		err := g.Trace(f.stream, func(s device.Stream) error {
			if err := s.Memset(buf, device.Pattern32(1), 2); err != nil {
				return err
			}
			return s.Memset(buf, device.Pattern32(1), 3) // 12 bytes into 8
		})
		assert.ErrorIs(t, err, cmdgraph.ErrInvalidArgument)
		assert.Empty(t, g.Nodes(), "trace is all-or-nothing")
	})

	t.Run("work panics", func(t *testing.T) {
		g := f.graph(t)
		assert.PanicsWithValue(t, "capture blew up", func() {
			_ = g.Trace(f.stream, func(s device.Stream) error {
				require.NoError(t, s.Memset(buf, device.Pattern32(1), 2))
				panic("capture blew up")
			})
		})
		assert.Empty(t, g.Nodes())
		// The stream left capture mode and accepts work again.
		require.NoError(t, f.stream.Enqueue(func(context.Context) error { return nil }))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.stream.Synchronize(ctx))
		require.NoError(t, g.Trace(f.stream, func(s device.Stream) error {
			return s.Memset(buf, device.Pattern32(2), 2)
		}))
		assert.Len(t, g.Nodes(), 1)
	})

	t.Run("graph not empty", func(t *testing.T) {
		g := f.graph(t)
		_, err := g.CreateBarrierNode(nil)
		require.NoError(t, err)
		err = g.Trace(f.stream, func(device.Stream) error { return nil })
		assert.ErrorIs(t, err, cmdgraph.ErrGraphNotEmpty)
	})
}

func TestLifecycleOrder(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	_, err := g.CreateBarrierNode(nil)
	require.NoError(t, err)

	err = g.LaunchGraph(f.stream)
	assert.ErrorIs(t, err, cmdgraph.ErrLaunch)
	assert.ErrorIs(t, err, cmdgraph.ErrInvalidState)
	assert.ErrorIs(t, g.InstantiateGraph(), cmdgraph.ErrInvalidState)

	require.NoError(t, g.PrepareFinalization())
	assert.ErrorIs(t, g.PrepareFinalization(), cmdgraph.ErrInvalidState)
	require.NoError(t, g.InstantiateGraph())
	assert.ErrorIs(t, g.InstantiateGraph(), cmdgraph.ErrInvalidState)

	for i := 0; i < 3; i++ {
		f.launch(t, g)
	}
	assert.Equal(t, cmdgraph.StateLaunched, g.State())
	assert.ErrorIs(t, g.LaunchGraph(nil), cmdgraph.ErrLaunch)
	assert.Equal(t, cmdgraph.StateLaunched, g.State())
}

func TestConcurrentLaunchesOnManyStreams(t *testing.T) {
	const (
		iterations = 500
		streams    = 4
		launches   = 3
	)
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	counter := f.int32Buf(t, 0)

	var ticks atomic.Int64
	tick := device.NewHostKernel("tick", 0, func(device.Memory, device.LaunchDims, device.KernelArgs) error {
		ticks.Add(1)
		return nil
	})
	_, err := g.For(cmdgraph.DefaultScope, counter, iterations, func(body *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := body.LaunchKernel(s, one, tick, device.PackArgs())
		return err
	})
	require.NoError(t, err)
	require.NoError(t, g.PrepareFinalization())
	require.NoError(t, g.InstantiateGraph())

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		s := device.NewHostStream(f.host, launches)
		t.Cleanup(s.Close)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < launches; j++ {
				assert.NoError(t, g.LaunchGraph(s))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			assert.NoError(t, s.Synchronize(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(iterations*streams*launches), ticks.Load())
}

func TestLaunchFailureKeepsGraph(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g := f.graph(t)
	buf := f.int32Buf(t, 0)
	_, err := g.Memset(cmdgraph.DefaultScope, buf, device.Pattern32(4), 1)
	require.NoError(t, err)
	require.NoError(t, g.PrepareFinalization())
	require.NoError(t, g.InstantiateGraph())

	closed := device.NewHostStream(f.host, 1)
	closed.Close()
	err = g.LaunchGraph(closed)
	assert.ErrorIs(t, err, cmdgraph.ErrLaunch)
	assert.ErrorIs(t, err, device.ErrStreamClosed)
	assert.Equal(t, cmdgraph.StateInstantiated, g.State())

	f.launch(t, g)
	assert.Equal(t, []int32{4}, f.read(t, buf))
}

func TestInstantiateResourceExhausted(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{MaxGraphNodes: 3})
	g := f.graph(t)
	buf := f.int32Buf(t, 0)

	// Two nodes at the root and two inside the body.
	_, err := g.If(cmdgraph.DefaultScope, f.boolBuf(t, true), func(body *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		if err := setTo(buf, 1)(body, s); err != nil {
			return err
		}
		return setTo(buf, 2)(body, s)
	})
	require.NoError(t, err)
	require.NoError(t, g.PrepareFinalization())

	err = g.InstantiateGraph()
	assert.ErrorIs(t, err, cmdgraph.ErrInstantiation)
	assert.ErrorIs(t, err, cmdgraph.ErrResourceExhausted)
	assert.Equal(t, cmdgraph.StateInvalid, g.State())
	assert.ErrorIs(t, g.LaunchGraph(f.stream), cmdgraph.ErrInvalidState)
}

// flakyGraph fails memset updates the way a device that lost the executable
// would.
type flakyGraph struct {
	cmdgraph.NativeGraph
}

func (flakyGraph) UpdateMemsetNode(cmdgraph.NativeNode, device.DeviceMemory, device.BitPattern, uint64) error {
	return fmt.Errorf("device lost: %w", cmdgraph.ErrUnrecoverable)
}

type flakyBackend struct {
	cmdgraph.Backend
}

func (b flakyBackend) NewGraph() (cmdgraph.NativeGraph, error) {
	ng, err := b.Backend.NewGraph()
	if err != nil {
		return nil, err
	}
	return flakyGraph{ng}, nil
}

func TestUnrecoverableUpdateInvalidates(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	g, err := cmdgraph.New(flakyBackend{f.backend})
	require.NoError(t, err)
	t.Cleanup(g.Destroy)
	buf := f.int32Buf(t, 0)

	h, err := g.Memset(cmdgraph.DefaultScope, buf, device.Pattern32(1), 1)
	require.NoError(t, err)
	require.NoError(t, g.PrepareFinalization())
	require.NoError(t, g.InstantiateGraph())

	err = g.UpdateMemsetNode(h, buf, device.Pattern32(2), 1)
	assert.ErrorIs(t, err, cmdgraph.ErrUnrecoverable)
	assert.Equal(t, cmdgraph.StateInvalid, g.State())
	assert.ErrorIs(t, g.LaunchGraph(f.stream), cmdgraph.ErrInvalidState)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, cmdgraph.BackendOptions{})
	used := f.host.Used()
	g, err := cmdgraph.New(f.backend)
	require.NoError(t, err)
	_, err = g.CreateConditionalHandle()
	require.NoError(t, err)
	assert.Greater(t, f.host.Used(), used)

	g.Destroy()
	assert.Equal(t, cmdgraph.StateInvalid, g.State())
	assert.Equal(t, used, f.host.Used(), "conditional slots are freed with the graph")
	_, err = g.CreateBarrierNode(nil)
	assert.ErrorIs(t, err, cmdgraph.ErrInvalidState)
}
