package device

import (
	"encoding/binary"
	"fmt"
)

// ReadInt32s decodes m as little-endian int32 elements.
func ReadInt32s(mem Memory, m DeviceMemory) ([]int32, error) {
	b, err := mem.Read(m)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// WriteInt32s encodes vals into m starting at its base address.
func WriteInt32s(mem Memory, m DeviceMemory, vals []int32) error {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return mem.Write(m, b)
}

// ReadInt32 reads the first element of m.
func ReadInt32(mem Memory, m DeviceMemory) (int32, error) {
	if m.Size() < 4 {
		return 0, fmt.Errorf("read int32 from %v: %w", m, ErrInvalidAddress)
	}
	head, _ := m.Slice(0, 4)
	b, err := mem.Read(head)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// WriteInt32 writes v as the first element of m.
func WriteInt32(mem Memory, m DeviceMemory, v int32) error {
	if m.Size() < 4 {
		return fmt.Errorf("write int32 to %v: %w", m, ErrInvalidAddress)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return mem.Write(m, b[:])
}

// ReadBool reads the first byte of m as a predicate.
func ReadBool(mem Memory, m DeviceMemory) (bool, error) {
	if m.Size() < 1 {
		return false, fmt.Errorf("read bool from %v: %w", m, ErrInvalidAddress)
	}
	head, _ := m.Slice(0, 1)
	b, err := mem.Read(head)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteBool writes v as the first byte of m.
func WriteBool(mem Memory, m DeviceMemory, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return mem.Write(m, []byte{b})
}
