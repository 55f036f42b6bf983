package bitbuf

import "fmt"

// Frame is a fixed capacity byte buffer holding the output of UART
// extraction. The logical length never exceeds the capacity.
type Frame struct {
	buf [MaxFrameBytes]byte
	n   int
}

// Len is the number of valid bytes.
func (f *Frame) Len() int {
	return f.n
}

// Cap is the maximum number of bytes a frame can hold.
func (f *Frame) Cap() int {
	return len(f.buf)
}

// Bytes returns the valid portion of the frame.
func (f *Frame) Bytes() []byte {
	return f.buf[:f.n]
}

// Push appends a byte, reporting false once the frame is full.
func (f *Frame) Push(b byte) bool {
	if f.n == len(f.buf) {
		return false
	}
	f.buf[f.n] = b
	f.n++
	return true
}

func (f *Frame) Reset() {
	f.n = 0
}

func (f *Frame) String() string {
	return fmt.Sprintf("{Len:%d Bytes:%02X}", f.n, f.Bytes())
}

func reverse8(b byte) byte {
	b = (b&0xF0)>>4 | (b&0x0F)<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}

// ExtractUART decodes 8N1 framed bytes from row starting at bit start,
// considering at most available bits. Each byte is a 0 start bit, eight
// data bits LSB first and a 1 stop bit. Extraction stops at the first
// framing error, when fewer than 10 bits remain or when out is full.
// Returns the number of bytes appended to out.
func ExtractUART(row BitBuffer, start, available int, out *Frame) (count int) {
	if start < 0 {
		return 0
	}
	if remain := row.Len() - start; available > remain {
		available = remain
	}

	offset := start
	for available >= 10 {
		if row.Bit(offset) != 0 || row.Bit(offset+9) != 1 {
			break
		}
		if !out.Push(reverse8(row.Byte(offset + 1))) {
			break
		}

		offset += 10
		available -= 10
		count++
	}

	return count
}

// EncodeUART is the inverse of ExtractUART, appending 8N1 frames for data
// to row.
func EncodeUART(row *BitBuffer, data []byte) {
	for _, b := range data {
		row.Append(0)
		for bit := 0; bit < 8; bit++ {
			row.Append((b >> uint(bit)) & 1)
		}
		row.Append(1)
	}
}
