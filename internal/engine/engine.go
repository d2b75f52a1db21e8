package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/program"
)

var (
	// ErrNoProgram is returned before the first successful Load.
	ErrNoProgram = errors.New("engine: no program loaded")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("engine: shut down")
)

// Stream is the device stream the engine launches on.
type Stream interface {
	device.Stream
	QueueUtilization() float64
	Close()
}

// RunResult is the outcome of one run: the buffers are reset, the graph is
// launched Launches times and the buffers are read back.
type RunResult struct {
	RunID      string             `json:"run_id"`
	Program    string             `json:"program"`
	GraphID    string             `json:"graph_id"`
	Launches   int                `json:"launches"`
	DurationMs int64              `json:"duration_ms"`
	Buffers    map[string][]int32 `json:"buffers"`
}

// Engine owns a device stream and the current program.
type Engine struct {
	program atomic.Pointer[program.Program]
	dev     device.Device
	backend cmdgraph.Backend
	stream  Stream
	kernels *kernels.Registry
	log     *slog.Logger

	// mu serializes runs, updates, swaps and shutdown. A run holds it until
	// its launches have drained from the stream.
	mu     sync.Mutex
	launch config.LaunchConf
	closed bool
}

// New creates an Engine. No program is loaded yet.
func New(dev device.Device, backend cmdgraph.Backend, stream Stream, reg *kernels.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		dev:     dev,
		backend: backend,
		stream:  stream,
		kernels: reg,
		log:     log,
		launch:  config.LaunchConf{Count: config.DefaultLaunchCount, TimeoutMs: config.DefaultLaunchTimeoutMs},
	}
}

// Load validates cfg, builds its program and swaps it in. On failure the
// previous program stays active.
func (e *Engine) Load(cfg *config.ProgramConfig) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ProgramReloads.WithLabelValues(status).Inc()
	}()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	p, err := program.Build(cfg, e.backend, e.dev, e.kernels, e.log)
	if err != nil {
		return fmt.Errorf("build program %q: %w", cfg.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		p.Close()
		return ErrShutdown
	}
	old := e.program.Swap(p)
	e.launch = cfg.Launch
	if old != nil {
		old.Close()
	}
	e.observeMemory()
	e.log.Info("program loaded", "program", cfg.Name, "graph", p.Graph().ID(), "memory_used", e.memoryUsed())
	return nil
}

// Program returns the current program, or nil.
func (e *Engine) Program() *program.Program {
	return e.program.Load()
}

func (e *Engine) current() (*program.Program, error) {
	if e.closed {
		return nil, ErrShutdown
	}
	p := e.program.Load()
	if p == nil {
		return nil, ErrNoProgram
	}
	return p, nil
}

// Run resets the buffers, launches the program count times (the configured
// count when count <= 0), waits for completion and returns the buffers.
func (e *Engine) Run(ctx context.Context, count int) (_ *RunResult, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ProgramRuns.WithLabelValues(status).Inc()
		metrics.ProgramRunDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	e.mu.Lock()
	handedOff := false
	defer func() {
		if !handedOff {
			e.mu.Unlock()
		}
	}()
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = e.launch.Count
	}
	timeout := time.Duration(e.launch.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.ResetBuffers(); err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		err := p.Launch(e.stream)
		if errors.Is(err, device.ErrStreamBusy) {
			// Let the queue drain, then retry once.
			if err = e.stream.Synchronize(ctx); err == nil {
				err = p.Launch(e.stream)
			}
		}
		if err != nil {
			return nil, e.abort(ctx, &handedOff, fmt.Errorf("launch %d of %d: %w", i+1, count, err))
		}
		metrics.StreamQueueUtilization.Set(e.stream.QueueUtilization())
	}
	if err := e.stream.Synchronize(ctx); err != nil {
		return nil, e.abort(ctx, &handedOff, fmt.Errorf("synchronize: %w", err))
	}

	bufs, err := p.Snapshot()
	if err != nil {
		return nil, err
	}
	res := &RunResult{
		RunID:      uuid.NewString(),
		Program:    p.Name(),
		GraphID:    p.Graph().ID().String(),
		Launches:   count,
		DurationMs: time.Since(start).Milliseconds(),
		Buffers:    bufs,
	}
	e.log.Debug("run complete", "run", res.RunID, "launches", count, "duration_ms", res.DurationMs)
	return res, nil
}

// abort drains the stream and returns err. When ctx has expired with work
// still queued, the engine stays locked until the stream drains so no other
// run or swap touches buffers the device is still using.
func (e *Engine) abort(ctx context.Context, handedOff *bool, err error) error {
	if serr := e.stream.Synchronize(ctx); serr == nil || ctx.Err() == nil {
		return err
	}
	*handedOff = true
	go func() {
		defer e.mu.Unlock()
		if serr := e.stream.Synchronize(context.Background()); serr != nil {
			e.log.Warn("abandoned run failed", "error", serr)
		}
	}()
	return err
}

// UpdateMemset changes the value written by a memset op.
func (e *Engine) UpdateMemset(id string, value uint32) error {
	return e.withProgram(func(p *program.Program) error { return p.UpdateMemset(id, value) })
}

// UpdateKernelArgs rebinds the arguments of a kernel op.
func (e *Engine) UpdateKernelArgs(id string, args []interface{}) error {
	return e.withProgram(func(p *program.Program) error { return p.UpdateKernelArgs(id, args) })
}

// SetEnabled toggles an op.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	return e.withProgram(func(p *program.Program) error { return p.SetEnabled(id, enabled) })
}

func (e *Engine) withProgram(fn func(p *program.Program) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.current()
	if err != nil {
		return err
	}
	return fn(p)
}

// Info describes the current program.
func (e *Engine) Info() (program.Info, error) {
	var info program.Info
	err := e.withProgram(func(p *program.Program) error {
		info = p.Info()
		return nil
	})
	return info, err
}

// WriteDot exports the current graph in Graphviz DOT form.
func (e *Engine) WriteDot(w io.Writer) error {
	return e.withProgram(func(p *program.Program) error { return p.Graph().WriteDot(w) })
}

// QueueUtilization returns stream queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	return e.stream.QueueUtilization()
}

// Ready reports whether a program is loaded.
func (e *Engine) Ready() bool {
	return e.program.Load() != nil
}

// Shutdown waits for in-flight runs, closes the program and the stream.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stream.Close()
	if p := e.program.Swap(nil); p != nil {
		p.Close()
	}
	e.observeMemory()
}

type usage interface {
	Used() uint64
}

func (e *Engine) observeMemory() {
	if u, ok := e.dev.(usage); ok {
		metrics.DeviceMemoryUsed.Set(float64(u.Used()))
	}
}

func (e *Engine) memoryUsed() string {
	if u, ok := e.dev.(usage); ok {
		return humanize.IBytes(u.Used())
	}
	return "unknown"
}
