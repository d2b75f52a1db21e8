package kernels

import (
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Builtins returns a registry holding every builtin kernel.
func Builtins() *Registry {
	r := NewRegistry()
	for _, s := range builtinSpecs {
		r.Register(s)
	}
	return r
}

var builtinSpecs = []Spec{
	{
		Name:   "add_i32",
		Doc:    "buf[i] += value",
		Params: []ParamKind{ParamBuffer, ParamInt},
		Kernel: elementwise("add_i32", func(v, x int32) int32 { return v + x }),
	},
	{
		Name:   "scale_i32",
		Doc:    "buf[i] *= factor",
		Params: []ParamKind{ParamBuffer, ParamInt},
		Kernel: elementwise("scale_i32", func(v, x int32) int32 { return v * x }),
	},
	{
		Name:   "store_i32",
		Doc:    "buf[i] = value",
		Params: []ParamKind{ParamBuffer, ParamInt},
		Kernel: elementwise("store_i32", func(_, x int32) int32 { return x }),
	},
	{
		Name:   "inc_i32",
		Doc:    "buf[i]++",
		Params: []ParamKind{ParamBuffer},
		Kernel: device.NewHostKernel("inc_i32", 1, func(mem device.Memory, dims device.LaunchDims, args device.KernelArgs) error {
			buf, err := device.MemoryArg(args, 0)
			if err != nil {
				return err
			}
			return update(mem, dims, buf, func(v int32) int32 { return v + 1 })
		}),
	},
	{
		Name:   "sum_i32",
		Doc:    "dst[0] = sum(src)",
		Params: []ParamKind{ParamBuffer, ParamBuffer},
		Kernel: device.NewHostKernel("sum_i32", 2, func(mem device.Memory, dims device.LaunchDims, args device.KernelArgs) error {
			dst, src, err := dstSrc(args)
			if err != nil {
				return err
			}
			vals, err := device.ReadInt32s(mem, src)
			if err != nil {
				return err
			}
			var sum int32
			for _, v := range vals[:extent(dims, len(vals))] {
				sum += v
			}
			return device.WriteInt32(mem, dst, sum)
		}),
	},
	{
		Name:   "copy_i32",
		Doc:    "dst[i] = src[i]",
		Params: []ParamKind{ParamBuffer, ParamBuffer},
		Kernel: device.NewHostKernel("copy_i32", 2, func(mem device.Memory, dims device.LaunchDims, args device.KernelArgs) error {
			dst, src, err := dstSrc(args)
			if err != nil {
				return err
			}
			from, err := device.ReadInt32s(mem, src)
			if err != nil {
				return err
			}
			to, err := device.ReadInt32s(mem, dst)
			if err != nil {
				return err
			}
			n := extent(dims, min(len(from), len(to)))
			copy(to[:n], from[:n])
			return device.WriteInt32s(mem, dst, to)
		}),
	},
}

// elementwise builds a (buffer, scalar) kernel applying fn to each element.
func elementwise(name string, fn func(v, x int32) int32) *device.HostKernel {
	return device.NewHostKernel(name, 2, func(mem device.Memory, dims device.LaunchDims, args device.KernelArgs) error {
		buf, err := device.MemoryArg(args, 0)
		if err != nil {
			return err
		}
		x, err := device.IntArg(args, 1)
		if err != nil {
			return err
		}
		return update(mem, dims, buf, func(v int32) int32 { return fn(v, int32(x)) })
	})
}

func update(mem device.Memory, dims device.LaunchDims, buf device.DeviceMemory, fn func(int32) int32) error {
	vals, err := device.ReadInt32s(mem, buf)
	if err != nil {
		return err
	}
	for i := range vals[:extent(dims, len(vals))] {
		vals[i] = fn(vals[i])
	}
	return device.WriteInt32s(mem, buf, vals)
}

func dstSrc(args device.KernelArgs) (device.DeviceMemory, device.DeviceMemory, error) {
	dst, err := device.MemoryArg(args, 0)
	if err != nil {
		return dst, dst, err
	}
	src, err := device.MemoryArg(args, 1)
	if err != nil {
		return dst, src, err
	}
	if dst.Size() < 4 || src.Size() < 4 {
		return dst, src, fmt.Errorf("buffers must hold at least one int32: %w", device.ErrInvalidAddress)
	}
	return dst, src, nil
}

// extent is the number of elements a launch touches: one per thread, capped
// at the buffer length. A launch with zero threads touches the whole buffer.
func extent(dims device.LaunchDims, n int) int {
	total := dims.Total()
	if total == 0 || total >= uint64(n) {
		return n
	}
	return int(total)
}
