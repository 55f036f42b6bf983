package bitbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAppend(t *testing.T) {
	row := New(16)
	for _, bit := range []byte{1, 0, 1, 1, 0, 0, 0, 1, 1, 1} {
		row.Append(bit)
	}

	assert.Equal(t, 10, row.Len())
	assert.Equal(t, []byte{0xB1, 0xC0}, row.Bytes())
	assert.Equal(t, byte(0xB1), row.Byte(0))
	assert.Equal(t, byte(0x63), row.Byte(1))
	assert.Equal(t, byte(0), row.Bit(10))
	assert.Equal(t, byte(0), row.Bit(-1))
}

func TestFromBytes(t *testing.T) {
	row := FromBytes([]byte{0xFF, 0xFF}, 12)
	assert.Equal(t, 12, row.Len())
	assert.Equal(t, []byte{0xFF, 0xF0}, row.Bytes())

	row = FromBytes([]byte{0xAA}, 64)
	assert.Equal(t, 8, row.Len())
}

func TestSearch(t *testing.T) {
	preamble := []byte{0xAA, 0xAA, 0x00}

	row := New(64)
	row.AppendBits(1, 3)
	for _, b := range preamble {
		for bit := 7; bit >= 0; bit-- {
			row.Append((b >> uint(bit)) & 1)
		}
	}
	row.AppendBits(1, 5)

	offset, ok := row.Search(0, preamble, 24)
	require.True(t, ok)
	assert.Equal(t, 3, offset)

	_, ok = row.Search(offset+1, preamble, 24)
	assert.False(t, ok)

	// A partial pattern only compares the leading bits.
	offset, ok = row.Search(0, []byte{0xAF}, 4)
	require.True(t, ok)
	assert.Equal(t, 3, offset)
}

func TestSearchNotFound(t *testing.T) {
	row := FromBytes([]byte{0x55, 0x55, 0x55}, 24)
	offset, ok := row.Search(0, []byte{0xAA, 0xAA, 0x00}, 24)
	assert.False(t, ok)
	assert.Equal(t, row.Len(), offset)
}

func TestUARTRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lead := rapid.IntRange(0, 16).Draw(t, "lead")
		data := rapid.SliceOfN(rapid.Byte(), 0, MaxFrameBytes).Draw(t, "data")

		row := New(lead + len(data)*10)
		row.AppendBits(1, lead)
		EncodeUART(row, data)

		var frame Frame
		n := ExtractUART(*row, lead, row.Len()-lead, &frame)

		assert.Equal(t, len(data), n)
		assert.Equal(t, len(data), frame.Len())
		if len(data) > 0 {
			assert.Equal(t, data, frame.Bytes())
		}
	})
}

func TestUARTFramingError(t *testing.T) {
	row := New(40)
	EncodeUART(row, []byte{0x2A, 0xD5})

	// Break the second byte's stop bit.
	row.AppendBits(0, 10)
	broken := FromBytes(row.Bytes(), row.Len())
	broken.bits[2] &^= 0x80 >> uint(19&7)

	var frame Frame
	n := ExtractUART(broken, 0, broken.Len(), &frame)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0x2A}, frame.Bytes())
}

func TestUARTAvailableBounds(t *testing.T) {
	row := New(40)
	EncodeUART(row, []byte{0x01, 0x02, 0x03})

	var frame Frame
	assert.Equal(t, 2, ExtractUART(*row, 0, 29, &frame))

	frame.Reset()
	assert.Equal(t, 3, ExtractUART(*row, 0, 1000, &frame))

	frame.Reset()
	assert.Equal(t, 0, ExtractUART(*row, -1, 30, &frame))
}

func TestFrameCapacity(t *testing.T) {
	data := make([]byte, MaxFrameBytes+4)
	for idx := range data {
		data[idx] = byte(idx)
	}

	row := New(len(data) * 10)
	EncodeUART(row, data)

	var frame Frame
	n := ExtractUART(*row, 0, row.Len(), &frame)
	assert.Equal(t, MaxFrameBytes, n)
	assert.Equal(t, frame.Cap(), frame.Len())
	assert.False(t, frame.Push(0xFF))
}

func TestReverse8(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		var expt byte
		for bit := 0; bit < 8; bit++ {
			expt |= ((b >> uint(bit)) & 1) << uint(7-bit)
		}
		if r := reverse8(b); r != expt {
			t.Fatalf("reverse8(%02X): expected %02X got %02X\n", b, expt, r)
		}
	}
}
