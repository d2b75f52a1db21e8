package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrInvalidAddress is returned when a DeviceMemory does not fall inside a live allocation.
	ErrInvalidAddress = errors.New("device: invalid address")
)

// DeviceMemory is an opaque base address plus size. It does not own the
// memory it points at.
type DeviceMemory struct {
	addr uint64
	size uint64
}

// NewDeviceMemory wraps a raw address and size.
func NewDeviceMemory(addr, size uint64) DeviceMemory {
	return DeviceMemory{addr: addr, size: size}
}

func (m DeviceMemory) Addr() uint64 { return m.addr }
func (m DeviceMemory) Size() uint64 { return m.size }
func (m DeviceMemory) IsNull() bool { return m.addr == 0 }

// Slice returns the sub-span [offset, offset+size).
func (m DeviceMemory) Slice(offset, size uint64) (DeviceMemory, error) {
	if offset+size > m.size {
		return DeviceMemory{}, fmt.Errorf("slice [%d, %d) of %v: %w", offset, offset+size, m, ErrInvalidAddress)
	}
	return DeviceMemory{addr: m.addr + offset, size: size}, nil
}

func (m DeviceMemory) String() string {
	return fmt.Sprintf("mem(0x%x+%d)", m.addr, m.size)
}

// Memory gives kernels and copy engines byte-level access to device memory.
type Memory interface {
	Read(src DeviceMemory) ([]byte, error)
	Write(dst DeviceMemory, data []byte) error
}

// Device is Memory plus an allocator.
type Device interface {
	Memory
	Allocate(size uint64) (DeviceMemory, error)
	Free(m DeviceMemory) error
}

const (
	hostBaseAddr   = 0x10000
	hostAllocAlign = 256
)

type allocation struct {
	base uint64
	data []byte
}

// Host is a device whose memory lives in the host process. Addresses are
// never reused, so a stale DeviceMemory fails with ErrInvalidAddress instead
// of aliasing a newer allocation.
type Host struct {
	mu       sync.RWMutex
	capacity uint64
	used     uint64
	next     uint64
	allocs   []*allocation // sorted by base
}

// NewHost creates a host device with capacity bytes of memory.
func NewHost(capacity uint64) *Host {
	return &Host{capacity: capacity, next: hostBaseAddr}
}

// Allocate reserves size bytes of zeroed memory.
func (h *Host) Allocate(size uint64) (DeviceMemory, error) {
	if size == 0 {
		return DeviceMemory{}, fmt.Errorf("allocate 0 bytes: %w", ErrInvalidAddress)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used+size > h.capacity {
		return DeviceMemory{}, fmt.Errorf("allocate %d bytes (%d of %d in use): %w", size, h.used, h.capacity, ErrOutOfMemory)
	}
	a := &allocation{base: h.next, data: make([]byte, size)}
	h.next += (size + hostAllocAlign - 1) / hostAllocAlign * hostAllocAlign
	h.used += size
	h.allocs = append(h.allocs, a)
	return DeviceMemory{addr: a.base, size: size}, nil
}

// Free releases the allocation starting at m's base address.
func (h *Host) Free(m DeviceMemory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.search(m.addr)
	if i < 0 || h.allocs[i].base != m.addr {
		return fmt.Errorf("free %v: %w", m, ErrInvalidAddress)
	}
	h.used -= uint64(len(h.allocs[i].data))
	h.allocs = append(h.allocs[:i], h.allocs[i+1:]...)
	return nil
}

// Capacity returns the total device memory in bytes.
func (h *Host) Capacity() uint64 { return h.capacity }

// Used returns the number of allocated bytes.
func (h *Host) Used() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.used
}

func (h *Host) Read(src DeviceMemory) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, err := h.span(src)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (h *Host) Write(dst DeviceMemory, data []byte) error {
	if uint64(len(data)) > dst.size {
		return fmt.Errorf("write %d bytes into %v: %w", len(data), dst, ErrInvalidAddress)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.span(dst)
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// search returns the index of the allocation containing addr, or -1.
func (h *Host) search(addr uint64) int {
	i := sort.Search(len(h.allocs), func(i int) bool { return h.allocs[i].base > addr }) - 1
	if i < 0 {
		return -1
	}
	a := h.allocs[i]
	if addr >= a.base+uint64(len(a.data)) {
		return -1
	}
	return i
}

func (h *Host) span(m DeviceMemory) ([]byte, error) {
	if m.IsNull() {
		return nil, fmt.Errorf("access %v: %w", m, ErrInvalidAddress)
	}
	i := h.search(m.addr)
	if i < 0 {
		return nil, fmt.Errorf("access %v: %w", m, ErrInvalidAddress)
	}
	a := h.allocs[i]
	off := m.addr - a.base
	if off+m.size > uint64(len(a.data)) {
		return nil, fmt.Errorf("access %v past end of allocation: %w", m, ErrInvalidAddress)
	}
	return a.data[off : off+m.size], nil
}
