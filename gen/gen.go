// Package gen synthesizes Gridstream frames and the IQ samples an rtl-sdr
// would produce receiving them.
package gen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bemasher/rtlgridstream/bitbuf"
	"github.com/bemasher/rtlgridstream/crc"
)

const (
	typeTag = 0x2A

	subtypeBroadcast = 0x55
	subtypeOpaque    = 0xD2
	subtypeAddressed = 0xD5
)

// NewFrame returns a signed frame beginning at the first sync byte. The
// length field counts payload and checksum, it is one byte wide for 0xD2
// and two bytes otherwise.
func NewFrame(subtype byte, payload []byte, init uint16) []byte {
	frame := []byte{0x00, 0xFF, typeTag, subtype}

	length := len(payload) + 2
	if subtype == subtypeOpaque {
		frame = append(frame, byte(length))
	} else {
		frame = append(frame, byte(length>>8), byte(length))
	}

	frame = append(frame, payload...)

	checksum := crc.CRC16(payload, crc.CCITT, init)
	return append(frame, byte(checksum>>8), byte(checksum))
}

// Payload builds a payload of n bytes for a frame with the given header
// length, letting fields be placed at the absolute frame offsets decoders
// read them from.
type Payload struct {
	header int
	buf    []byte
}

func NewPayload(subtype byte, n int) *Payload {
	header := 6
	if subtype == subtypeOpaque {
		header = 5
	}
	return &Payload{header, make([]byte, n)}
}

// PutUint32 writes v big-endian at absolute frame offset.
func (p *Payload) PutUint32(offset int, v uint32) *Payload {
	binary.BigEndian.PutUint32(p.buf[offset-p.header:], v)
	return p
}

// PutAddress writes the low n bytes of v big-endian at absolute frame offset.
func (p *Payload) PutAddress(offset, n int, v uint64) *Payload {
	for idx := n - 1; idx >= 0; idx-- {
		p.buf[offset-p.header+idx] = byte(v)
		v >>= 8
	}
	return p
}

func (p *Payload) Bytes() []byte {
	return p.buf
}

// NewBroadcast builds a signed 0x55 frame.
func NewBroadcast(dest, wan uint64, uptime, src uint32, init uint16) []byte {
	p := NewPayload(subtypeBroadcast, 30-6)
	p.PutAddress(7, 6, dest).PutAddress(13, 6, wan).PutUint32(20, uptime).PutUint32(26, src)
	return NewFrame(subtypeBroadcast, p.Bytes(), init)
}

// NewRandOpaque builds a signed 0xD2 frame with a random payload.
func NewRandOpaque(n int, init uint16) ([]byte, error) {
	payload := make([]byte, n)
	if _, err := rand.Read(payload); err != nil {
		return nil, err
	}
	return NewFrame(subtypeOpaque, payload, init), nil
}

// Addressed describes a 0xD5 frame.
type Addressed struct {
	Dest, Src uint32

	// Offset of the source address.
	SrcOffset int

	Long      bool
	Timestamp uint32
	Uptime    uint32
	WAN       uint64
}

// Frame builds the signed frame. The declared length is 0x47 for long
// frames and 0x1E otherwise.
func (a Addressed) Frame(init uint16) []byte {
	n := 0x1E - 2
	if a.Long {
		n = 0x47 - 2
	}

	p := NewPayload(subtypeAddressed, n)
	p.PutUint32(7, a.Dest)
	if a.Long {
		p.PutUint32(16, a.Timestamp).PutUint32(24, a.Uptime).PutAddress(32, 6, a.WAN)
	}

	// With the default layout the source overlaps the low half of uptime,
	// the source wins.
	p.PutUint32(a.SrcOffset, a.Src)

	return NewFrame(subtypeAddressed, p.Bytes(), init)
}

// NewRow lays out preamble raw 0xAA bytes, the UART framed frame and
// trailer mark (1) bits.
func NewRow(preamble int, frame []byte, trailer int) *bitbuf.BitBuffer {
	row := bitbuf.New(preamble*8 + len(frame)*10 + trailer)
	for idx := 0; idx < preamble; idx++ {
		for _, bit := range UnpackBits([]byte{0xAA}) {
			row.Append(bit)
		}
	}
	bitbuf.EncodeUART(row, frame)
	row.AppendBits(1, trailer)
	return row
}

func UnpackBits(data []byte) []byte {
	bits := make([]byte, len(data)<<3)

	for idx, b := range data {
		offset := idx << 3
		for bit := 7; bit >= 0; bit-- {
			bits[offset+(7-bit)] = (b >> uint8(bit)) & 0x01
		}
	}

	return bits
}

// FSK is a binary continuous phase FSK modulator. A 1 is sent above the
// carrier and a 0 below it.
type FSK struct {
	SampleRate float64
	DataRate   float64
	Deviation  float64

	// Peak amplitude, 1.0 is full scale.
	Amplitude float64

	phase float64
}

// Modulate returns interleaved unsigned 8-bit IQ samples for row. Bit k
// covers samples [round(k*sps), round((k+1)*sps)) so fractional symbol
// lengths don't accumulate error. Phase carries over between calls.
func (m *FSK) Modulate(row bitbuf.BitBuffer) []byte {
	sps := m.SampleRate / m.DataRate
	samples := int(math.Floor(float64(row.Len())*sps + 0.5))

	signal := make([]float64, samples<<1)
	step := 2 * math.Pi * m.Deviation / m.SampleRate

	for bitIdx := 0; bitIdx < row.Len(); bitIdx++ {
		lower := int(math.Floor(float64(bitIdx)*sps + 0.5))
		upper := int(math.Floor(float64(bitIdx+1)*sps + 0.5))

		dphi := -step
		if row.Bit(bitIdx) == 1 {
			dphi = step
		}

		for idx := lower; idx < upper; idx++ {
			m.phase = math.Mod(m.phase+dphi, 2*math.Pi)
			s, c := math.Sincos(m.phase)
			signal[idx<<1] = c * m.Amplitude
			signal[idx<<1+1] = s * m.Amplitude
		}
	}

	iq := make([]byte, len(signal))
	F64toU8(signal, iq)

	return iq
}

// Silence returns n samples of an unmodulated zero input.
func Silence(n int) []byte {
	iq := make([]byte, n<<1)
	for idx := range iq {
		iq[idx] = 128
	}
	return iq
}

func F64toU8(f64 []float64, u8 []byte) {
	if len(f64) != len(u8) {
		panic(fmt.Errorf("arrays must have same dimensions: %d != %d", len(f64), len(u8)))
	}

	for idx, val := range f64 {
		u8[idx] = uint8(val*127.5 + 127.5)
	}
}
