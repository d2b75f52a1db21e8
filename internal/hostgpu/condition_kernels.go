package hostgpu

import (
	"fmt"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Condition-setting kernels run as ordinary single-thread kernel nodes. They
// write 1 or 0 into 4-byte conditional slots.

var conditionDims = device.LaunchDims{Threads: device.Threads(1), Blocks: device.Blocks(1)}

func writeSlot(mem device.Memory, slot device.DeviceMemory, on bool) error {
	var v int32
	if on {
		v = 1
	}
	return device.WriteInt32(mem, slot, v)
}

// setIf: args (slot, pred).
var setIfKernel = device.NewHostKernel("set_if_condition", 2, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	return copyPredicate(mem, args)
})

// setWhile: args (slot, pred).
var setWhileKernel = device.NewHostKernel("set_while_condition", 2, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	return copyPredicate(mem, args)
})

func copyPredicate(mem device.Memory, args device.KernelArgs) error {
	slot, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	pred, err := device.MemoryArg(args, 1)
	if err != nil {
		return err
	}
	v, err := device.ReadBool(mem, pred)
	if err != nil {
		return err
	}
	return writeSlot(mem, slot, v)
}

// setIfElse: args (then, else, pred).
var setIfElseKernel = device.NewHostKernel("set_if_else_condition", 3, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	then, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	els, err := device.MemoryArg(args, 1)
	if err != nil {
		return err
	}
	pred, err := device.MemoryArg(args, 2)
	if err != nil {
		return err
	}
	v, err := device.ReadBool(mem, pred)
	if err != nil {
		return err
	}
	if err := writeSlot(mem, then, v); err != nil {
		return err
	}
	return writeSlot(mem, els, !v)
})

// setFor: args (slot, counter, iterations, initialize).
var setForKernel = device.NewHostKernel("set_for_condition", 4, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
	slot, err := device.MemoryArg(args, 0)
	if err != nil {
		return err
	}
	counter, err := device.MemoryArg(args, 1)
	if err != nil {
		return err
	}
	iterations, err := device.IntArg(args, 2)
	if err != nil {
		return err
	}
	initialize, err := device.BoolArg(args, 3)
	if err != nil {
		return err
	}
	if initialize {
		if err := device.WriteInt32(mem, counter, int32(iterations)); err != nil {
			return err
		}
	}
	c, err := device.ReadInt32(mem, counter)
	if err != nil {
		return err
	}
	if c <= 0 {
		return writeSlot(mem, slot, false)
	}
	if err := device.WriteInt32(mem, counter, c-1); err != nil {
		return err
	}
	return writeSlot(mem, slot, true)
})

// caseKernel selects one of n slots: args (index, batchOffset, enableDefault,
// slot0 ... slotN-1).
func caseKernel(n int) *device.HostKernel {
	return device.NewHostKernel(fmt.Sprintf("set_case_condition_%d", n), 3+n, func(mem device.Memory, _ device.LaunchDims, args device.KernelArgs) error {
		index, err := device.MemoryArg(args, 0)
		if err != nil {
			return err
		}
		off, err := device.IntArg(args, 1)
		if err != nil {
			return err
		}
		enableDefault, err := device.BoolArg(args, 2)
		if err != nil {
			return err
		}
		v, err := device.ReadInt32(mem, index)
		if err != nil {
			return err
		}
		idx := int64(v)
		if enableDefault && (idx < 0 || idx >= off+int64(n)) {
			idx = off + int64(n) - 1
		}
		for k := 0; k < n; k++ {
			slot, err := device.MemoryArg(args, 3+k)
			if err != nil {
				return err
			}
			if err := writeSlot(mem, slot, idx == off+int64(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *hostGraph) LaunchSetIfCondition(deps []cmdgraph.NativeNode, h cmdgraph.NativeConditional, pred device.DeviceMemory) (cmdgraph.NativeNode, error) {
	s, err := g.slot(h)
	if err != nil {
		return nil, err
	}
	return g.conditionNode(deps, setIfKernel, device.PackArgs(s.mem, pred), false, s)
}

func (g *hostGraph) LaunchSetIfElseCondition(deps []cmdgraph.NativeNode, then, els cmdgraph.NativeConditional, pred device.DeviceMemory) (cmdgraph.NativeNode, error) {
	ts, err := g.slot(then)
	if err != nil {
		return nil, err
	}
	es, err := g.slot(els)
	if err != nil {
		return nil, err
	}
	return g.conditionNode(deps, setIfElseKernel, device.PackArgs(ts.mem, es.mem, pred), false, ts, es)
}

func (g *hostGraph) LaunchSetCaseCondition(deps []cmdgraph.NativeNode, hs []cmdgraph.NativeConditional, index device.DeviceMemory, batchOffset int32, enableDefault bool) (cmdgraph.NativeNode, error) {
	args := []any{index, batchOffset, enableDefault}
	slots := make([]*condSlot, 0, len(hs))
	for _, h := range hs {
		s, err := g.slot(h)
		if err != nil {
			return nil, err
		}
		args = append(args, s.mem)
		slots = append(slots, s)
	}
	return g.conditionNode(deps, caseKernel(len(hs)), device.PackArgs(args...), false, slots...)
}

func (g *hostGraph) LaunchSetForCondition(deps []cmdgraph.NativeNode, h cmdgraph.NativeConditional, counter device.DeviceMemory, iterations int32, initialize bool) (cmdgraph.NativeNode, error) {
	s, err := g.slot(h)
	if err != nil {
		return nil, err
	}
	return g.conditionNode(deps, setForKernel, device.PackArgs(s.mem, counter, iterations, initialize), true, s)
}

func (g *hostGraph) LaunchSetWhileCondition(deps []cmdgraph.NativeNode, h cmdgraph.NativeConditional, pred device.DeviceMemory) (cmdgraph.NativeNode, error) {
	s, err := g.slot(h)
	if err != nil {
		return nil, err
	}
	return g.conditionNode(deps, setWhileKernel, device.PackArgs(s.mem, pred), false, s)
}

// conditionNode adds a condition kernel and records how it writes slots.
func (g *hostGraph) conditionNode(deps []cmdgraph.NativeNode, k *device.HostKernel, args *device.PackedArgs, counted bool, slots ...*condSlot) (cmdgraph.NativeNode, error) {
	n, err := g.CreateKernelNode(deps, conditionDims, k, args)
	if err != nil {
		return nil, err
	}
	for _, s := range slots {
		if counted {
			s.counted = true
		} else {
			s.predicated = true
		}
	}
	return n, nil
}
