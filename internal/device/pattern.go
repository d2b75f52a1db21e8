package device

import (
	"encoding/binary"
	"fmt"
)

// BitPattern is the value a memset writes into every element. Width is the
// element size in bytes: 1, 2 or 4.
type BitPattern struct {
	value uint32
	width int
}

func Pattern8(v uint8) BitPattern   { return BitPattern{value: uint32(v), width: 1} }
func Pattern16(v uint16) BitPattern { return BitPattern{value: uint32(v), width: 2} }
func Pattern32(v uint32) BitPattern { return BitPattern{value: v, width: 4} }

// NewBitPattern builds a pattern of the given width, rejecting widths the
// copy engine cannot encode and values that do not fit.
func NewBitPattern(value uint32, width int) (BitPattern, error) {
	switch width {
	case 1, 2, 4:
	default:
		return BitPattern{}, fmt.Errorf("unsupported bit pattern width %d", width)
	}
	if width < 4 && value >= 1<<(8*width) {
		return BitPattern{}, fmt.Errorf("value 0x%x does not fit in %d bytes", value, width)
	}
	return BitPattern{value: value, width: width}, nil
}

func (p BitPattern) Value() uint32 { return p.value }
func (p BitPattern) Width() int    { return p.width }
func (p BitPattern) Valid() bool   { return p.width == 1 || p.width == 2 || p.width == 4 }

func (p BitPattern) String() string {
	return fmt.Sprintf("0x%0*x/%dB", 2*p.width, p.value, p.width)
}

// Fill returns count little-endian copies of the pattern.
func (p BitPattern) Fill(count uint64) []byte {
	out := make([]byte, count*uint64(p.width))
	for i := uint64(0); i < count; i++ {
		b := out[i*uint64(p.width):]
		switch p.width {
		case 1:
			b[0] = byte(p.value)
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(p.value))
		case 4:
			binary.LittleEndian.PutUint32(b, p.value)
		}
	}
	return out
}

// Memset writes count copies of p into dst.
func Memset(mem Memory, dst DeviceMemory, p BitPattern, count uint64) error {
	if !p.Valid() {
		return fmt.Errorf("memset %v: invalid pattern %v", dst, p)
	}
	if count > dst.Size()/uint64(p.width) {
		return fmt.Errorf("memset %d x %dB into %v: %w", count, p.width, dst, ErrInvalidAddress)
	}
	return mem.Write(dst, p.Fill(count))
}

// MemcpyD2D copies size bytes from src to dst. Overlapping spans are not
// supported; the result of copying between aliased spans is undefined.
func MemcpyD2D(mem Memory, dst, src DeviceMemory, size uint64) error {
	if size > src.Size() || size > dst.Size() {
		return fmt.Errorf("memcpy %d bytes %v -> %v: %w", size, src, dst, ErrInvalidAddress)
	}
	s, err := src.Slice(0, size)
	if err != nil {
		return err
	}
	data, err := mem.Read(s)
	if err != nil {
		return err
	}
	return mem.Write(dst, data)
}
