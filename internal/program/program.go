// Package program builds command graphs from YAML programs and runs the
// in-place updates a program allows.
package program

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
)

var (
	// ErrUnknownOp is returned for an op id the program does not define.
	ErrUnknownOp = errors.New("program: unknown op")
	// ErrWrongKind is returned when an update does not match the op kind.
	ErrWrongKind = errors.New("program: update does not match op kind")
)

// Program is an instantiated command graph plus the device buffers it
// operates on. It is immutable once built apart from node updates; a reload
// builds a new Program.
type Program struct {
	name  string
	dev   device.Device
	graph *cmdgraph.Graph
	log   *slog.Logger

	bufOrder []config.Buffer
	buffers  map[string]device.DeviceMemory
	nodes    map[string]opNode // op id → graph nodes
	order    []string          // op ids in build order
}

type opNode struct {
	graph   *cmdgraph.Graph // root, body or child graph holding the nodes
	kind    string
	handles []cmdgraph.NodeHandle
	kernel  *kernelNode
	memset  *memsetNode
}

type kernelNode struct {
	spec kernels.Spec
	dims device.LaunchDims
	args *device.PackedArgs
}

type memsetNode struct {
	dst     device.DeviceMemory
	pattern device.BitPattern
	count   uint64
}

// Build allocates the program's buffers on dev and builds, finalizes and
// instantiates its graph. cfg must already be validated.
func Build(cfg *config.ProgramConfig, backend cmdgraph.Backend, dev device.Device, reg *kernels.Registry, log *slog.Logger) (_ *Program, err error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Program{
		name:     cfg.Name,
		dev:      dev,
		log:      log.With("program", cfg.Name),
		bufOrder: cfg.Buffers,
		buffers:  make(map[string]device.DeviceMemory, len(cfg.Buffers)),
		nodes:    make(map[string]opNode),
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	for _, b := range cfg.Buffers {
		m, err := dev.Allocate(uint64(4 * b.Size()))
		if err != nil {
			return nil, fmt.Errorf("buffer %s: %w", b.Name, err)
		}
		p.buffers[b.Name] = m
	}

	if p.graph, err = cmdgraph.New(backend, cmdgraph.WithLogger(p.log)); err != nil {
		return nil, err
	}
	b := &builder{p: p, backend: backend, reg: reg}
	if err := b.ops(p.graph, cfg.Ops); err != nil {
		return nil, err
	}
	if err := p.graph.PrepareFinalization(); err != nil {
		return nil, err
	}
	if err := p.graph.InstantiateGraph(); err != nil {
		return nil, err
	}
	n, err := p.graph.NodeCount()
	if err != nil {
		return nil, err
	}
	p.log.Info("program built", "graph", p.graph.ID(), "ops", len(p.order), "nodes", n, "buffers", len(p.buffers))
	return p, nil
}

// Close destroys the graph and frees the buffers. Work already submitted to
// a stream must have completed.
func (p *Program) Close() {
	if p.graph != nil {
		p.graph.Destroy()
	}
	for name, m := range p.buffers {
		if err := p.dev.Free(m); err != nil {
			p.log.Warn("free buffer", "buffer", name, "error", err)
		}
	}
	p.buffers = nil
}

func (p *Program) Name() string           { return p.name }
func (p *Program) Graph() *cmdgraph.Graph { return p.graph }

// Launch submits the graph to s.
func (p *Program) Launch(s device.Stream) error {
	return p.graph.LaunchGraph(s)
}

func (p *Program) buffer(name string) (device.DeviceMemory, error) {
	m, ok := p.buffers[name]
	if !ok {
		return device.DeviceMemory{}, fmt.Errorf("unknown buffer %q", name)
	}
	return m, nil
}

// packArgs resolves program-level kernel arguments against spec.
func (p *Program) packArgs(spec kernels.Spec, raw []interface{}) (*device.PackedArgs, error) {
	if len(raw) != len(spec.Params) {
		return nil, fmt.Errorf("kernel %s takes %d arguments, got %d", spec.Name, len(spec.Params), len(raw))
	}
	args := make([]any, len(raw))
	for i, a := range raw {
		switch spec.Params[i] {
		case kernels.ParamBuffer:
			name, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("kernel %s: argument %d must be a buffer name, got %v", spec.Name, i, a)
			}
			m, err := p.buffer(name)
			if err != nil {
				return nil, fmt.Errorf("kernel %s: argument %d: %w", spec.Name, i, err)
			}
			args[i] = m
		case kernels.ParamInt:
			n, ok := a.(int)
			if !ok || n != int(int32(n)) {
				return nil, fmt.Errorf("kernel %s: argument %d must be an int32, got %v", spec.Name, i, a)
			}
			args[i] = int32(n)
		}
	}
	return device.PackArgs(args...), nil
}

func (p *Program) op(id string) (opNode, error) {
	rec, ok := p.nodes[id]
	if !ok {
		return opNode{}, fmt.Errorf("%w %q", ErrUnknownOp, id)
	}
	return rec, nil
}

// UpdateMemset changes the value a memset op writes, keeping its buffer,
// width and count.
func (p *Program) UpdateMemset(id string, value uint32) error {
	rec, err := p.op(id)
	if err != nil {
		return err
	}
	if rec.memset == nil {
		return fmt.Errorf("op %s is a %s, not a memset: %w", id, rec.kind, ErrWrongKind)
	}
	pat, err := device.NewBitPattern(value, rec.memset.pattern.Width())
	if err != nil {
		return err
	}
	if err := rec.graph.UpdateMemsetNode(rec.handles[0], rec.memset.dst, pat, rec.memset.count); err != nil {
		return err
	}
	rec.memset.pattern = pat
	return nil
}

// UpdateKernelArgs rebinds the arguments of a kernel op.
func (p *Program) UpdateKernelArgs(id string, raw []interface{}) error {
	rec, err := p.op(id)
	if err != nil {
		return err
	}
	if rec.kernel == nil {
		return fmt.Errorf("op %s is a %s, not a kernel: %w", id, rec.kind, ErrWrongKind)
	}
	args, err := p.packArgs(rec.kernel.spec, raw)
	if err != nil {
		return fmt.Errorf("op %s: %w: %w", id, cmdgraph.ErrInvalidArgument, err)
	}
	if err := rec.graph.UpdateKernelNode(rec.handles[0], rec.kernel.dims, rec.kernel.spec.Kernel, args); err != nil {
		return err
	}
	rec.kernel.args = args
	return nil
}

// SetEnabled toggles every node of an op. Disabling a conditional op skips
// its bodies; the condition kernels feeding it still run.
func (p *Program) SetEnabled(id string, enabled bool) error {
	rec, err := p.op(id)
	if err != nil {
		return err
	}
	for _, h := range rec.handles {
		if err := rec.graph.SetNodeEnabled(h, enabled); err != nil {
			return err
		}
	}
	return nil
}

// ResetBuffers writes every buffer's init values, zeroing the rest. The
// stream must be idle.
func (p *Program) ResetBuffers() error {
	for _, b := range p.bufOrder {
		vals := make([]int32, b.Size())
		copy(vals, b.Init)
		if err := device.WriteInt32s(p.dev, p.buffers[b.Name], vals); err != nil {
			return fmt.Errorf("reset buffer %s: %w", b.Name, err)
		}
	}
	return nil
}

// Snapshot reads every buffer. The stream must be idle.
func (p *Program) Snapshot() (map[string][]int32, error) {
	out := make(map[string][]int32, len(p.buffers))
	for name, m := range p.buffers {
		vals, err := device.ReadInt32s(p.dev, m)
		if err != nil {
			return nil, fmt.Errorf("read buffer %s: %w", name, err)
		}
		out[name] = vals
	}
	return out, nil
}
