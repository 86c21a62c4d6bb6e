package bits

import "fmt"

// BitField is an MSB-first bitfield: index 0 maps to the
// high bit of byte 0, index 8 to the high bit of byte 1, and
// so on. This is the layout used by the peer wire protocol's
// 'bitfield' message.
type BitField []byte

// New returns a zeroed bitfield large enough to hold n bits.
func New(n int) BitField {
	if n%8 == 0 {
		return make(BitField, n/8)
	}

	return make(BitField, n/8+1)
}

// Ones returns an n-bit bitfield with every bit set.
func Ones(n int) BitField {
	bf := New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}

	return bf
}

// From wraps a copy of raw bitfield bytes, e.g. the payload
// of a 'bitfield' message.
func From(data []byte) BitField {
	out := make(BitField, len(data))
	copy(out, data)
	return out
}

func (b BitField) Get(index int) bool {
	offset := index / 8
	if index < 0 || offset >= len(b) {
		return false
	}

	mask := bitMask(index)

	return b[offset]&mask == mask
}

func (b BitField) Set(index int) error {
	offset := index / 8
	if index < 0 || offset >= len(b) {
		return fmt.Errorf("bitfield index out of bounds: %d", index)
	}

	b[offset] |= bitMask(index)

	return nil
}

func (b BitField) Unset(index int) error {
	offset := index / 8
	if index < 0 || offset >= len(b) {
		return fmt.Errorf("bitfield index out of bounds: %d", index)
	}

	b[offset] &^= bitMask(index)

	return nil
}

func bitMask(index int) byte {
	return byte(128 >> (index % 8))
}

// Count returns the number of set bits.
func (b BitField) Count() int {
	var sum int

	for _, x := range b {
		for x != 0 {
			x &= x - 1
			sum++
		}
	}

	return sum
}

// Len returns the number of bits in the bitfield, always a
// multiple of 8.
func (b BitField) Len() int {
	return len(b) * 8
}

func (b BitField) Bytes() []byte {
	return []byte(b)
}

func (b BitField) Copy() BitField {
	out := make(BitField, len(b))
	copy(out, b)
	return out
}

// Reset clears every bit.
func (b BitField) Reset() {
	for i := range b {
		b[i] = 0
	}
}
