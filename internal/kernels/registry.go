// Package kernels is the library of named host kernels a program can launch.
package kernels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
)

// ParamKind is the type of one kernel parameter as written in a program.
type ParamKind string

const (
	// ParamBuffer is a reference to a named program buffer.
	ParamBuffer ParamKind = "buffer"
	// ParamInt is an int32 scalar.
	ParamInt ParamKind = "int"
)

// Spec describes a registered kernel.
type Spec struct {
	Name   string
	Doc    string
	Params []ParamKind
	Kernel *device.HostKernel
}

// Registry maps kernel names to their specs.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a kernel. Panics on duplicate name to surface misconfiguration early.
func (r *Registry) Register(s Spec) {
	if s.Kernel == nil || s.Kernel.Arity() != len(s.Params) {
		panic(fmt.Sprintf("kernel registry: %q declares %d params for a kernel of arity %d",
			s.Name, len(s.Params), arity(s.Kernel)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[s.Name]; exists {
		panic(fmt.Sprintf("kernel registry: duplicate name %q", s.Name))
	}
	r.specs[s.Name] = s
}

// Get returns the spec for the given kernel name.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("no kernel registered under %q", name)
	}
	return s, nil
}

// Names returns all registered kernel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func arity(k *device.HostKernel) int {
	if k == nil {
		return -1
	}
	return k.Arity()
}
