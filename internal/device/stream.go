package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrStreamClosed  = errors.New("device: stream closed")
	ErrStreamBusy    = errors.New("device: stream queue full")
	ErrCaptureActive = errors.New("device: stream is capturing")
	ErrNotCapturing  = errors.New("device: stream is not capturing")
)

// OpKind tags a captured stream operation.
type OpKind string

const (
	OpMemset OpKind = "memset"
	OpMemcpy OpKind = "memcpy"
	OpLaunch OpKind = "launch"
)

// CapturedOp is one device operation recorded while a stream was capturing.
type CapturedOp struct {
	Kind    OpKind
	Dst     DeviceMemory
	Src     DeviceMemory
	Pattern BitPattern
	Count   uint64 // memset elements
	Size    uint64 // memcpy bytes
	Dims    LaunchDims
	Kernel  Kernel
	Args    KernelArgs
}

// Stream is an in-order asynchronous work queue on a device. Between
// BeginCapture and EndCapture device operations are recorded instead of
// executed.
type Stream interface {
	ID() string
	Memset(dst DeviceMemory, p BitPattern, count uint64) error
	MemcpyD2D(dst, src DeviceMemory, size uint64) error
	Launch(dims LaunchDims, k Kernel, args KernelArgs) error
	// Enqueue submits arbitrary device work. It is not capturable.
	Enqueue(fn func(ctx context.Context) error) error
	// Synchronize blocks until all submitted work has run and returns the
	// first asynchronous error since the previous Synchronize.
	Synchronize(ctx context.Context) error
	BeginCapture() error
	EndCapture() ([]CapturedOp, error)
}

type streamWork struct {
	fn    func(ctx context.Context) error
	fence chan struct{}
}

// HostStream is a Stream executing on a Host device.
type HostStream struct {
	id     string
	mem    Memory
	pool   *workerPool[streamWork]
	cancel context.CancelFunc

	submitMu sync.RWMutex // held for reading while submitting, for writing by Close
	closed   bool

	errMu sync.Mutex
	err   error

	capMu     sync.Mutex
	capturing bool
	captured  []CapturedOp
}

// NewHostStream starts a stream with a queue of queueDepth pending items.
func NewHostStream(mem Memory, queueDepth int) *HostStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &HostStream{
		id:     uuid.NewString(),
		mem:    mem,
		cancel: cancel,
	}
	s.pool = newWorkerPool[streamWork](ctx, 1, queueDepth, s.process)
	return s
}

func (s *HostStream) ID() string { return s.id }

func (s *HostStream) process(ctx context.Context, w streamWork) {
	if w.fence != nil {
		close(w.fence)
		return
	}
	s.errMu.Lock()
	failed := s.err != nil
	s.errMu.Unlock()
	if failed {
		// Work after a failure is skipped until the error is observed.
		return
	}
	if err := w.fn(ctx); err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}
}

func (s *HostStream) Enqueue(fn func(ctx context.Context) error) error {
	if s.isCapturing() {
		return fmt.Errorf("enqueue host work: %w", ErrCaptureActive)
	}
	return s.submit(streamWork{fn: fn})
}

func (s *HostStream) submit(w streamWork) error {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closed {
		return ErrStreamClosed
	}
	if !s.pool.Submit(w) {
		return fmt.Errorf("%w (capacity %d)", ErrStreamBusy, s.pool.QueueCap())
	}
	return nil
}

func (s *HostStream) Memset(dst DeviceMemory, p BitPattern, count uint64) error {
	if s.record(CapturedOp{Kind: OpMemset, Dst: dst, Pattern: p, Count: count}) {
		return nil
	}
	return s.submit(streamWork{fn: func(context.Context) error {
		return Memset(s.mem, dst, p, count)
	}})
}

func (s *HostStream) MemcpyD2D(dst, src DeviceMemory, size uint64) error {
	if s.record(CapturedOp{Kind: OpMemcpy, Dst: dst, Src: src, Size: size}) {
		return nil
	}
	return s.submit(streamWork{fn: func(context.Context) error {
		return MemcpyD2D(s.mem, dst, src, size)
	}})
}

func (s *HostStream) Launch(dims LaunchDims, k Kernel, args KernelArgs) error {
	if s.record(CapturedOp{Kind: OpLaunch, Dims: dims, Kernel: k, Args: args}) {
		return nil
	}
	hk, err := AsHostKernel(k)
	if err != nil {
		return err
	}
	return s.submit(streamWork{fn: func(context.Context) error {
		return hk.Run(s.mem, dims, args)
	}})
}

func (s *HostStream) Synchronize(ctx context.Context) error {
	fence := make(chan struct{})
	s.submitMu.RLock()
	if s.closed {
		s.submitMu.RUnlock()
		return ErrStreamClosed
	}
	err := s.pool.SubmitWait(ctx, streamWork{fence: fence})
	s.submitMu.RUnlock()
	if err != nil {
		return err
	}
	select {
	case <-fence:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err, s.err = s.err, nil
	return err
}

// QueueUtilization returns queued items / capacity (0–1).
func (s *HostStream) QueueUtilization() float64 {
	if s.pool.QueueCap() == 0 {
		return 0
	}
	return float64(s.pool.QueueLen()) / float64(s.pool.QueueCap())
}

func (s *HostStream) BeginCapture() error {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.capturing {
		return ErrCaptureActive
	}
	s.capturing = true
	s.captured = nil
	return nil
}

func (s *HostStream) EndCapture() ([]CapturedOp, error) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if !s.capturing {
		return nil, ErrNotCapturing
	}
	ops := s.captured
	s.capturing = false
	s.captured = nil
	return ops, nil
}

func (s *HostStream) isCapturing() bool {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.capturing
}

func (s *HostStream) record(op CapturedOp) bool {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if !s.capturing {
		return false
	}
	s.captured = append(s.captured, op)
	return true
}

// Close drains pending work and stops the stream.
func (s *HostStream) Close() {
	s.submitMu.Lock()
	if s.closed {
		s.submitMu.Unlock()
		return
	}
	s.closed = true
	s.submitMu.Unlock()
	s.pool.Drain()
	s.cancel()
}
