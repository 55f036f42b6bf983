// Package bitbuf stores demodulated rows of bits and recovers byte aligned
// data from them.
package bitbuf

import (
	"fmt"
	"strings"
)

// MaxFrameBytes is the capacity of a Frame.
const MaxFrameBytes = 128

// BitBuffer is a row of bits packed MSB first.
type BitBuffer struct {
	bits []byte
	n    int
}

// New returns an empty row with room for capacity bits before it grows.
func New(capacity int) *BitBuffer {
	return &BitBuffer{bits: make([]byte, 0, (capacity+7)>>3)}
}

// FromBytes wraps the first n bits of data, data is copied.
func FromBytes(data []byte, n int) BitBuffer {
	if n > len(data)<<3 {
		n = len(data) << 3
	}

	b := BitBuffer{bits: make([]byte, (n+7)>>3), n: n}
	copy(b.bits, data)

	// Clear trailing bits of the last byte so rows compare cleanly.
	if rem := n & 7; rem != 0 {
		b.bits[len(b.bits)-1] &= 0xFF << uint(8-rem)
	}

	return b
}

// Append adds a single bit, any non-zero value is a 1.
func (b *BitBuffer) Append(bit byte) {
	if b.n&7 == 0 {
		b.bits = append(b.bits, 0)
	}
	if bit != 0 {
		b.bits[b.n>>3] |= 0x80 >> uint(b.n&7)
	}
	b.n++
}

// AppendBits adds count copies of bit.
func (b *BitBuffer) AppendBits(bit byte, count int) {
	for i := 0; i < count; i++ {
		b.Append(bit)
	}
}

func (b *BitBuffer) Reset() {
	b.bits = b.bits[:0]
	b.n = 0
}

// Len is the number of bits in the row.
func (b BitBuffer) Len() int {
	return b.n
}

// Bytes returns the packed bits, the last byte may be partial.
func (b BitBuffer) Bytes() []byte {
	return b.bits
}

// Clone returns a copy that doesn't share storage with b.
func (b BitBuffer) Clone() BitBuffer {
	return FromBytes(b.bits, b.n)
}

// Bit returns the bit at idx. Indices outside the row read as 0.
func (b BitBuffer) Bit(idx int) byte {
	if idx < 0 || idx >= b.n {
		return 0
	}
	return (b.bits[idx>>3] >> uint(7-idx&7)) & 1
}

// Byte returns the 8 bits starting at idx, MSB first.
func (b BitBuffer) Byte(idx int) (v byte) {
	for i := 0; i < 8; i++ {
		v = v<<1 | b.Bit(idx+i)
	}
	return
}

// Search returns the first bit offset at or after start where the first
// patternBits bits of pattern occur.
func (b BitBuffer) Search(start int, pattern []byte, patternBits int) (int, bool) {
	if start < 0 {
		start = 0
	}
	if patternBits > len(pattern)<<3 {
		patternBits = len(pattern) << 3
	}
	if patternBits <= 0 {
		return start, start <= b.n
	}

	for offset := start; offset+patternBits <= b.n; offset++ {
		match := true
		for pIdx := 0; pIdx < patternBits; pIdx++ {
			pBit := (pattern[pIdx>>3] >> uint(7-pIdx&7)) & 1
			if b.Bit(offset+pIdx) != pBit {
				match = false
				break
			}
		}
		if match {
			return offset, true
		}
	}

	return b.n, false
}

func (b BitBuffer) String() string {
	var sb strings.Builder
	for idx := 0; idx < b.n; idx++ {
		sb.WriteByte('0' + b.Bit(idx))
	}
	return fmt.Sprintf("{Len:%d Bits:%s}", b.n, sb.String())
}
