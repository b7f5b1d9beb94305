package webmio

import (
	"errors"
)

var (
	// ErrShortBuffer means the bytes at hand end before the value does.
	ErrShortBuffer = errors.New("webmio: short buffer")
	// ErrInvalidVint means the leading byte carries no length marker or
	// the value is longer than the element tables allow.
	ErrInvalidVint = errors.New("webmio: invalid variable size integer")
)

// UnknownSize is the data size reported for elements whose size field has
// all value bits set ("unknown" / live streaming size).
const UnknownSize uint64 = 1<<64 - 1

const (
	maxIDLength   = 4
	maxSizeLength = 8
)

// ElementHeader is a decoded element ID plus data size.
type ElementHeader struct {
	ID        uint32
	Size      uint64 // UnknownSize when not declared
	HeaderLen int    // bytes taken by the ID and the size fields
}

// Unknown reports whether the element declared an unknown data size.
func (h ElementHeader) Unknown() bool {
	return h.Size == UnknownSize
}

// TotalLen returns the element length including its header. Only valid
// for known-size elements.
func (h ElementHeader) TotalLen() uint64 {
	return uint64(h.HeaderLen) + h.Size
}

func vintLength(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(0x80>>uint(i)) != 0 {
			return i + 1
		}
	}
	return 0
}

// ReadID decodes the element ID at the start of b. IDs keep their length
// marker bits, matching the values in the element tables.
func ReadID(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrShortBuffer
	}
	n := vintLength(b[0])
	if n == 0 || n > maxIDLength {
		return 0, 0, ErrInvalidVint
	}
	if len(b) < n {
		return 0, 0, ErrShortBuffer
	}
	return uint32(pack(n, b)), n, nil
}

// ReadVint decodes a data size (or any other EBML vint, such as the track
// number inside a block) at the start of b. All-ones values decode to
// UnknownSize.
func ReadVint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrShortBuffer
	}
	n := vintLength(b[0])
	if n == 0 || n > maxSizeLength {
		return 0, 0, ErrInvalidVint
	}
	if len(b) < n {
		return 0, 0, ErrShortBuffer
	}

	mask := byte(0xff >> uint(n))
	v := uint64(b[0] & mask)
	allOnes := b[0]&mask == mask
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(b[i])
		if b[i] != 0xff {
			allOnes = false
		}
	}
	if allOnes {
		return UnknownSize, n, nil
	}
	return v, n, nil
}

// ReadElementHeader decodes the ID and size at the start of b.
func ReadElementHeader(b []byte) (ElementHeader, error) {
	id, idLen, err := ReadID(b)
	if err != nil {
		return ElementHeader{}, err
	}
	size, sizeLen, err := ReadVint(b[idLen:])
	if err != nil {
		return ElementHeader{}, err
	}
	return ElementHeader{ID: id, Size: size, HeaderLen: idLen + sizeLen}, nil
}

// ReadUint decodes a big-endian unsigned integer element payload.
func ReadUint(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, ErrInvalidVint
	}
	if len(b) == 0 {
		return 0, nil
	}
	return pack(len(b), b), nil
}

// AppendID appends the ID bytes of an element.
func AppendID(dst []byte, id uint32) []byte {
	switch {
	case id >= 1<<24:
		return append(dst, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<16:
		return append(dst, byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<8:
		return append(dst, byte(id>>8), byte(id))
	default:
		return append(dst, byte(id))
	}
}

// AppendSize appends size as the shortest vint that does not collide with
// the reserved all-ones value.
func AppendSize(dst []byte, size uint64) []byte {
	n := 1
	for n < maxSizeLength && size >= (uint64(1)<<(7*uint(n)))-1 {
		n++
	}
	return append(dst, unpack(n, size|uint64(1)<<(7*uint(n)))...)
}

// AppendUnknownSize appends an 8-byte unknown size. The 8-byte form is the
// one PutSize8 can later overwrite in place.
func AppendUnknownSize(dst []byte) []byte {
	return append(dst, 0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

// PutSize8 overwrites the 8 bytes at dst with size in 8-byte vint form.
func PutSize8(dst []byte, size uint64) {
	copy(dst[:8], unpack(8, size|uint64(1)<<56))
}
