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

package gridstream

import (
	"encoding/binary"
	"fmt"

	"github.com/bemasher/rtlgridstream/crc"
	"github.com/bemasher/rtlgridstream/parse"
)

// Header is common to every subtype.
type Header struct {
	Subtype  uint8
	Length   int
	CRC      uint16
	CRCMatch crc.Match
}

func (Header) MsgType() string {
	return "GridStream"
}

func (h Header) MeterType() uint8 {
	return h.Subtype
}

func (h Header) Checksum() []byte {
	checksum := make([]byte, 2)
	binary.BigEndian.PutUint16(checksum, h.CRC)
	return checksum
}

func hex32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

func hex48(v uint64) string {
	return fmt.Sprintf("%012x", v)
}

// Broadcast is a subtype 0x55 frame.
type Broadcast struct {
	Header

	DestAddress uint64
	WANAddress  uint64
	Uptime      uint32
	SrcAddress  uint32
}

func (b Broadcast) MeterID() uint32 {
	return b.SrcAddress
}

func (b Broadcast) Fields() parse.Fields {
	return parse.Fields{
		parse.StringField("model", Model),
		parse.StringField("id", hex32(b.SrcAddress)),
		parse.StringField("wanaddress", hex48(b.WANAddress)),
		parse.StringField("destaddress", hex48(b.DestAddress)),
		parse.IntField("uptime", int64(b.Uptime)),
		parse.StringField("mic", MIC),
	}
}

func (b Broadcast) String() string {
	return fmt.Sprintf("{Subtype:0x%02X ID:%s WAN:%s Dest:%s Uptime:%d CRC:0x%04X Init:0x%04X}",
		b.Subtype, hex32(b.SrcAddress), hex48(b.WANAddress), hex48(b.DestAddress),
		b.Uptime, b.CRC, b.CRCMatch.Init,
	)
}

func (b Broadcast) Record() []string {
	return b.Fields().Record()
}

func (b Broadcast) MarshalJSON() ([]byte, error) {
	return b.Fields().MarshalJSON()
}

// Opaque is a subtype 0xD2 frame, only its integrity is checked.
type Opaque struct {
	Header
}

func (Opaque) MeterID() uint32 {
	return 0
}

func (o Opaque) Fields() parse.Fields {
	return parse.Fields{
		parse.StringField("model", Model),
		parse.IntField("id", 0),
		parse.StringField("mic", MIC),
	}
}

func (o Opaque) String() string {
	return fmt.Sprintf("{Subtype:0x%02X Length:%d CRC:0x%04X Init:0x%04X}",
		o.Subtype, o.Length, o.CRC, o.CRCMatch.Init,
	)
}

func (o Opaque) Record() []string {
	return o.Fields().Record()
}

func (o Opaque) MarshalJSON() ([]byte, error) {
	return o.Fields().MarshalJSON()
}

// Addressed is a subtype 0xD5 frame. Long frames additionally carry a
// timestamp, uptime and WAN address.
type Addressed struct {
	Header

	DestAddress uint32
	SrcAddress  uint32

	Long       bool
	Timestamp  uint32
	Rendered   string
	Uptime     uint32
	WANAddress uint64
}

func (a Addressed) MeterID() uint32 {
	return a.SrcAddress
}

func (a Addressed) Fields() parse.Fields {
	fields := parse.Fields{
		parse.StringField("model", Model),
		parse.StringField("id", hex32(a.SrcAddress)),
		parse.StringField("destaddress", hex32(a.DestAddress)),
	}

	if a.Long {
		fields = append(fields,
			parse.StringField("timestamp", a.Rendered),
			parse.IntField("uptime", int64(a.Uptime)),
			parse.StringField("wanaddress", hex48(a.WANAddress)),
		)
	}

	return append(fields, parse.StringField("mic", MIC))
}

func (a Addressed) String() string {
	if !a.Long {
		return fmt.Sprintf("{Subtype:0x%02X ID:%s Dest:%s CRC:0x%04X Init:0x%04X}",
			a.Subtype, hex32(a.SrcAddress), hex32(a.DestAddress), a.CRC, a.CRCMatch.Init,
		)
	}

	return fmt.Sprintf("{Subtype:0x%02X ID:%s Dest:%s Time:%q Uptime:%d WAN:%s CRC:0x%04X Init:0x%04X}",
		a.Subtype, hex32(a.SrcAddress), hex32(a.DestAddress), a.Rendered,
		a.Uptime, hex48(a.WANAddress), a.CRC, a.CRCMatch.Init,
	)
}

func (a Addressed) Record() []string {
	return a.Fields().Record()
}

func (a Addressed) MarshalJSON() ([]byte, error) {
	return a.Fields().MarshalJSON()
}
