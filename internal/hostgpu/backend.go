// Package hostgpu is a software device backend: it executes command graphs
// against host memory with the same dependency and conditional semantics a
// GPU graph runtime provides.
package hostgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// Name is the registry name of this backend.
const Name = "host"

// ErrLoopLimit is returned by a launch whose while loop ran past
// BackendOptions.MaxLoopIterations.
var ErrLoopLimit = errors.New("hostgpu: loop iteration limit reached")

func init() {
	cmdgraph.RegisterBackend(Name, func(dev device.Device, opts cmdgraph.BackendOptions) (cmdgraph.Backend, error) {
		return New(dev, opts)
	})
}

// Backend runs graphs on a host device.
type Backend struct {
	dev  device.Device
	opts cmdgraph.BackendOptions
	log  *slog.Logger
}

// New creates a host backend bound to dev. Workers defaults to the number of
// CPUs.
func New(dev device.Device, opts cmdgraph.BackendOptions) (*Backend, error) {
	if dev == nil {
		return nil, fmt.Errorf("hostgpu: nil device")
	}
	if opts.MaxConditionalDepth < 0 || opts.MaxGraphNodes < 0 || opts.MaxLoopIterations < 0 {
		return nil, fmt.Errorf("hostgpu: negative limit in %+v", opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Backend{dev: dev, opts: opts, log: slog.Default().With("backend", Name)}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) MaxConditionalDepth() int { return b.opts.MaxConditionalDepth }

func (b *Backend) NewGraph() (cmdgraph.NativeGraph, error) {
	return newHostGraph(b), nil
}

func (b *Backend) executor() *executor {
	return &executor{mem: b.dev, workers: b.opts.Workers, maxIterations: b.opts.MaxLoopIterations}
}
