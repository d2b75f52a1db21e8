package kernels_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
)

func newBuf(t *testing.T, host *device.Host, vals ...int32) device.DeviceMemory {
	t.Helper()
	m, err := host.Allocate(uint64(4 * len(vals)))
	require.NoError(t, err)
	require.NoError(t, device.WriteInt32s(host, m, vals))
	return m
}

func read(t *testing.T, host *device.Host, m device.DeviceMemory) []int32 {
	t.Helper()
	vals, err := device.ReadInt32s(host, m)
	require.NoError(t, err)
	return vals
}

func dims(threads uint64) device.LaunchDims {
	return device.LaunchDims{Threads: device.Threads(threads), Blocks: device.Blocks(1)}
}

func TestBuiltins(t *testing.T) {
	reg := kernels.Builtins()
	assert.Equal(t, []string{"add_i32", "copy_i32", "inc_i32", "scale_i32", "store_i32", "sum_i32"}, reg.Names())

	tests := []struct {
		name    string
		kernel  string
		threads uint64
		buf     []int32
		scalar  int32
		want    []int32
	}{
		{"add", "add_i32", 0, []int32{1, 2, 3}, 10, []int32{11, 12, 13}},
		{"add first two threads", "add_i32", 2, []int32{1, 2, 3}, 10, []int32{11, 12, 3}},
		{"scale", "scale_i32", 0, []int32{1, -2, 3}, 3, []int32{3, -6, 9}},
		{"store", "store_i32", 8, []int32{1, 2}, 7, []int32{7, 7}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host := device.NewHost(1 << 10)
			buf := newBuf(t, host, tc.buf...)
			spec, err := reg.Get(tc.kernel)
			require.NoError(t, err)
			require.NoError(t, spec.Kernel.Run(host, dims(tc.threads), device.PackArgs(buf, tc.scalar)))
			assert.Equal(t, tc.want, read(t, host, buf))
		})
	}
}

func TestReductionsAndCopies(t *testing.T) {
	reg := kernels.Builtins()
	host := device.NewHost(1 << 10)
	src := newBuf(t, host, 1, 2, 3, 4)
	dst := newBuf(t, host, 0, 0, 0)

	sum, err := reg.Get("sum_i32")
	require.NoError(t, err)
	require.NoError(t, sum.Kernel.Run(host, dims(0), device.PackArgs(dst, src)))
	assert.Equal(t, []int32{10, 0, 0}, read(t, host, dst))

	cp, err := reg.Get("copy_i32")
	require.NoError(t, err)
	require.NoError(t, cp.Kernel.Run(host, dims(0), device.PackArgs(dst, src)))
	assert.Equal(t, []int32{1, 2, 3}, read(t, host, dst))

	inc, err := reg.Get("inc_i32")
	require.NoError(t, err)
	require.NoError(t, inc.Kernel.Run(host, dims(1), device.PackArgs(dst)))
	assert.Equal(t, []int32{2, 2, 3}, read(t, host, dst))
}

func TestRegistry(t *testing.T) {
	reg := kernels.NewRegistry()
	k := device.NewHostKernel("noop", 1, func(device.Memory, device.LaunchDims, device.KernelArgs) error { return nil })
	reg.Register(kernels.Spec{Name: "noop", Params: []kernels.ParamKind{kernels.ParamBuffer}, Kernel: k})

	_, err := reg.Get("missing")
	assert.Error(t, err)
	assert.Panics(t, func() {
		reg.Register(kernels.Spec{Name: "noop", Params: []kernels.ParamKind{kernels.ParamBuffer}, Kernel: k})
	})
	assert.Panics(t, func() {
		reg.Register(kernels.Spec{Name: "bad_arity", Kernel: k})
	})
}

func TestPredicate(t *testing.T) {
	host := device.NewHost(1 << 10)
	counter := newBuf(t, host, 3)
	limits := newBuf(t, host, 0, 5)
	out := newBuf(t, host, 42)

	p, err := kernels.NewPredicate("counter < limits[1] AND NOT counter == 4")
	require.NoError(t, err)
	assert.Equal(t, []string{"counter", "limits"}, p.Buffers())
	assert.Equal(t, 3, p.Kernel().Arity())

	bufs := map[string]device.DeviceMemory{"counter": counter, "limits": limits}
	args, err := p.Args(out, bufs)
	require.NoError(t, err)
	require.NoError(t, p.Kernel().Run(host, dims(1), args))
	assert.Equal(t, []int32{1}, read(t, host, out))
	ok, err := device.ReadBool(host, out)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, device.WriteInt32(host, counter, 4))
	require.NoError(t, p.Kernel().Run(host, dims(1), args))
	assert.Equal(t, []int32{0}, read(t, host, out))

	_, err = p.Args(out, map[string]device.DeviceMemory{"counter": counter})
	assert.Error(t, err)

	_, err = kernels.NewPredicate("counter <")
	assert.Error(t, err)
}

func TestPredicateIndexOutOfRange(t *testing.T) {
	host := device.NewHost(1 << 10)
	v := newBuf(t, host, 1)
	out := newBuf(t, host, 0)
	p, err := kernels.NewPredicate("v[4] > 0")
	require.NoError(t, err)
	args, err := p.Args(out, map[string]device.DeviceMemory{"v": v})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Kernel().Run(host, dims(1), args), device.ErrInvalidAddress)
}
