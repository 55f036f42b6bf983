// RTLAMR - An rtl-sdr receiver for smart meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package gridstream decodes Landis+Gyr Gridstream frames.
//
// A frame on air is a run of 0xAA preamble bytes followed by UART (8N1)
// framed bytes:
//
//	b[0]   0x00 sync
//	b[1]   0xFF sync
//	b[2]   0x2A type
//	b[3]   subtype, one of 0x55, 0xD2 or 0xD5
//	b[4:]  length, payload and a CRC-16/0x1021 whose init value depends
//	       on the utility provider
//
// The provider's init value isn't transmitted, so it is recovered by trying
// each value of a known table until one verifies.
package gridstream

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/bemasher/rtlgridstream/bitbuf"
	"github.com/bemasher/rtlgridstream/crc"
	"github.com/bemasher/rtlgridstream/parse"
)

const (
	TypeTag = 0x2A

	SubtypeBroadcast = 0x55
	SubtypeOpaque    = 0xD2
	SubtypeAddressed = 0xD5

	// Declared length of an addressed frame carrying timestamp, uptime and
	// WAN address.
	LongAddressedLength = 0x47

	MinFrameBytes = 5

	Model = "LandisGyr GridStream"
	MIC   = "CRC"

	TimestampFormat = "%Y-%m-%d %H:%M:%S"
)

// Preamble is the pattern searched for in a demodulated row, the tail of the
// 0xAA preamble and the raw bits of the first sync byte.
var Preamble = []byte{0xAA, 0xAA, 0x00}

const (
	PreambleBits = 24

	// UART extraction begins at the first sync byte, 16 bits into the match.
	syncOffset = 16
)

// KnownCRCInits are the provider CRC init values observed in the field, in
// the order they are tried.
var KnownCRCInits = []uint16{
	0xE623, 0x5FD6, 0xD553, 0x45F8,
	0x62C1, 0x23D1, 0x2C22, 0x142A,
}

var (
	ErrAbortLength = errors.New("gridstream: abort length")
	ErrFailSanity  = errors.New("gridstream: fail sanity")
	ErrFailMIC     = errors.New("gridstream: fail mic")
)

// Layout selects where an addressed (0xD5) frame's source address lives.
type Layout struct {
	Name            string
	AddressedSource int
}

var (
	DefaultLayout = Layout{"default", 26}

	// CompactLayout places the source address directly after the
	// destination address.
	CompactLayout = Layout{"compact", 11}
)

func LayoutByName(name string) (Layout, error) {
	switch strings.ToLower(name) {
	case "", DefaultLayout.Name:
		return DefaultLayout, nil
	case CompactLayout.Name:
		return CompactLayout, nil
	}
	return Layout{}, fmt.Errorf("unknown layout: %q", name)
}

// Decoder turns demodulated rows into telemetry records. A Decoder holds no
// per-stream state and may be shared.
type Decoder struct {
	crc.Verifier

	Layout   Layout
	Location *time.Location

	Logger logrus.FieldLogger
	LogMIC bool

	timestamp *strftime.Strftime
}

// NewDecoder returns a decoder trying inits in order, nil selects
// KnownCRCInits.
func NewDecoder(inits []uint16) *Decoder {
	if inits == nil {
		inits = KnownCRCInits
	}

	// The pattern is constant, New can't fail on it.
	ts, err := strftime.New(TimestampFormat)
	if err != nil {
		panic(err)
	}

	return &Decoder{
		Verifier:  crc.NewVerifier(crc.CCITT, inits),
		Layout:    DefaultLayout,
		Location:  time.Local,
		Logger:    logrus.StandardLogger(),
		timestamp: ts,
	}
}

// DecodeRow searches row for the preamble, extracts UART framed bytes
// following it and decodes them.
func (d *Decoder) DecodeRow(row bitbuf.BitBuffer) (parse.Message, error) {
	offset, ok := row.Search(0, Preamble, PreambleBits)
	if !ok {
		return nil, xerrors.Errorf("no preamble in %d bits: %w", row.Len(), ErrFailSanity)
	}

	var frame bitbuf.Frame
	start := offset + syncOffset
	bitbuf.ExtractUART(row, start, row.Len()-start, &frame)

	return d.DecodeBytes(frame.Bytes())
}

// DecodeBytes decodes a frame beginning at the first sync byte. The declared
// length counts the trailing checksum, so a frame needs only h+L bytes.
func (d *Decoder) DecodeBytes(b []byte) (parse.Message, error) {
	if len(b) < MinFrameBytes {
		return nil, xerrors.Errorf("%d bytes: %w", len(b), ErrFailSanity)
	}
	if b[2] != TypeTag {
		return nil, xerrors.Errorf("type 0x%02x: %w", b[2], ErrAbortLength)
	}

	subtype := b[3]

	var header, length int
	switch subtype {
	case SubtypeBroadcast, SubtypeAddressed:
		if len(b) < 6 {
			return nil, xerrors.Errorf("subtype 0x%02x length field truncated: %w", subtype, ErrAbortLength)
		}
		header, length = 6, int(binary.BigEndian.Uint16(b[4:6]))
	case SubtypeOpaque:
		header, length = 5, int(b[4])
	default:
		return nil, xerrors.Errorf("subtype 0x%02x: %w", subtype, ErrAbortLength)
	}

	// The declared length covers the payload and the checksum.
	if length < 2 || header+length > len(b) {
		return nil, xerrors.Errorf("declared length %d with %d bytes available: %w",
			length, len(b)-header, ErrAbortLength,
		)
	}

	match, ok := d.Verify(b[header : header+length])
	if !ok {
		if d.LogMIC {
			d.Logger.WithFields(logrus.Fields{
				"subtype":  fmt.Sprintf("%02x", subtype),
				"length":   length,
				"attempts": match.Attempts,
				"raw":      hex.EncodeToString(b),
			}).Debug("gridstream: crc mismatch")
		}
		return nil, xerrors.Errorf("subtype 0x%02x after %d attempts: %w", subtype, match.Attempts, ErrFailMIC)
	}

	if d.LogMIC {
		d.Logger.WithFields(logrus.Fields{
			"subtype":  fmt.Sprintf("%02x", subtype),
			"crc":      match.Name,
			"attempts": match.Attempts,
		}).Debug("gridstream: crc match")
	}

	hdr := Header{
		Subtype:  subtype,
		Length:   length,
		CRC:      binary.BigEndian.Uint16(b[header+length-2:]),
		CRCMatch: match,
	}

	r := reader{buf: b[:header+length]}

	var msg parse.Message
	switch subtype {
	case SubtypeBroadcast:
		msg = Broadcast{
			Header:      hdr,
			DestAddress: r.address(7, 6),
			WANAddress:  r.address(13, 6),
			Uptime:      r.uint32(20),
			SrcAddress:  r.uint32(26),
		}
	case SubtypeOpaque:
		msg = Opaque{Header: hdr}
	case SubtypeAddressed:
		a := Addressed{
			Header:      hdr,
			DestAddress: r.uint32(7),
			SrcAddress:  r.uint32(d.Layout.AddressedSource),
		}
		if length == LongAddressedLength {
			a.Long = true
			a.Timestamp = r.uint32(16)
			a.Uptime = r.uint32(24)
			a.WANAddress = r.address(32, 6)
			a.Rendered = d.FormatTimestamp(a.Timestamp)
		}
		msg = a
	}

	if r.err != nil {
		return nil, r.err
	}

	return msg, nil
}

// FormatTimestamp renders epoch seconds in the decoder's location.
func (d *Decoder) FormatTimestamp(epoch uint32) string {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return d.timestamp.FormatString(time.Unix(int64(epoch), 0).In(loc))
}

func (d *Decoder) String() string {
	return fmt.Sprintf("{Verifier:%s Layout:%s Location:%s}", d.Verifier, d.Layout.Name, d.Location)
}

// reader performs bounds checked big-endian reads. The first failed read
// is kept and every later read returns zero.
type reader struct {
	buf []byte
	err error
}

func (r *reader) slice(offset, n int) []byte {
	if r.err != nil {
		return nil
	}
	if offset < 0 || offset+n > len(r.buf) {
		r.err = xerrors.Errorf("read of %d bytes at offset %d in frame of %d: %w",
			n, offset, len(r.buf), ErrAbortLength,
		)
		return nil
	}
	return r.buf[offset : offset+n]
}

func (r *reader) uint32(offset int) uint32 {
	b := r.slice(offset, 4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// address reads an n byte big-endian address, n <= 8.
func (r *reader) address(offset, n int) (v uint64) {
	for _, b := range r.slice(offset, n) {
		v = v<<8 | uint64(b)
	}
	return v
}
