package cmdgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/hostgpu"
)

var one = device.LaunchDims{Threads: device.Threads(1), Blocks: device.Blocks(1)}

// addKernel adds args[1] to every int32 of args[0].
var addKernel = device.NewHostKernel("add", 2, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	buf, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	delta, err := device.IntArg(args, 1)
	if err != nil {
		return err
	}
	vals, err := device.ReadInt32s(mem, buf)
	if err != nil {
		return err
	}
	for i := range vals {
		vals[i] += int32(delta)
	}
	return device.WriteInt32s(mem, buf, vals)
})

// lessKernel stores args[0][0] < args[1] into the predicate byte args[2].
var lessKernel = device.NewHostKernel("less", 3, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	src, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	limit, err := device.IntArg(args, 1)
	if err != nil {
		return err
	}
	pred, err := device.MemoryArg(args, 2)
	if err != nil {
		return err
	}
	v, err := device.ReadInt32(mem, src)
	if err != nil {
		return err
	}
	return device.WriteBool(mem, pred, int64(v) < limit)
})

type fixture struct {
	host    *device.Host
	stream  *device.HostStream
	backend cmdgraph.Backend
}

func newFixture(t *testing.T, opts cmdgraph.BackendOptions) *fixture {
	t.Helper()
	host := device.NewHost(1 << 20)
	b, err := hostgpu.New(host, opts)
	require.NoError(t, err)
	s := device.NewHostStream(host, 16)
	t.Cleanup(s.Close)
	return &fixture{host: host, stream: s, backend: b}
}

func (f *fixture) graph(t *testing.T) *cmdgraph.Graph {
	t.Helper()
	g, err := cmdgraph.New(f.backend)
	require.NoError(t, err)
	t.Cleanup(g.Destroy)
	return g
}

func (f *fixture) alloc(t *testing.T, size uint64) device.DeviceMemory {
	t.Helper()
	m, err := f.host.Allocate(size)
	require.NoError(t, err)
	return m
}

func (f *fixture) int32Buf(t *testing.T, vals ...int32) device.DeviceMemory {
	t.Helper()
	m := f.alloc(t, uint64(4*len(vals)))
	require.NoError(t, device.WriteInt32s(f.host, m, vals))
	return m
}

func (f *fixture) boolBuf(t *testing.T, v bool) device.DeviceMemory {
	t.Helper()
	m := f.alloc(t, 1)
	require.NoError(t, device.WriteBool(f.host, m, v))
	return m
}

func (f *fixture) read(t *testing.T, m device.DeviceMemory) []int32 {
	t.Helper()
	vals, err := device.ReadInt32s(f.host, m)
	require.NoError(t, err)
	return vals
}

// run finalizes, instantiates and launches g once, waiting for completion.
func (f *fixture) run(t *testing.T, g *cmdgraph.Graph) {
	t.Helper()
	require.NoError(t, g.PrepareFinalization())
	require.NoError(t, g.InstantiateGraph())
	f.launch(t, g)
}

func (f *fixture) launch(t *testing.T, g *cmdgraph.Graph) {
	t.Helper()
	require.NoError(t, g.LaunchGraph(f.stream))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.stream.Synchronize(ctx))
}

// setTo returns a body builder that memsets dst to v.
func setTo(dst device.DeviceMemory, v uint32) cmdgraph.Builder {
	return func(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := g.Memset(s, dst, device.Pattern32(v), dst.Size()/4)
		return err
	}
}

// addTo returns a body builder that adds delta to dst.
func addTo(dst device.DeviceMemory, delta int32) cmdgraph.Builder {
	return func(g *cmdgraph.Graph, s cmdgraph.ExecutionScopeID) error {
		_, err := g.LaunchKernel(s, one, addKernel, device.PackArgs(dst, delta))
		return err
	}
}
