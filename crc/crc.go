package crc

import (
	"fmt"
	"strings"
)

// CCITT is the generator polynomial used by Gridstream.
const CCITT = 0x1021

// CRC is a table driven CRC-16 with a fixed init value. Residue is the
// checksum of a message followed by its own big-endian checksum.
type CRC struct {
	Name    string
	Init    uint16
	Poly    uint16
	Residue uint16

	tbl Table
}

func NewCRC(name string, init, poly, residue uint16) (crc CRC) {
	crc.Name = name
	crc.Init = init
	crc.Poly = poly
	crc.Residue = residue
	crc.tbl = NewTable(crc.Poly)

	return
}

func (crc CRC) String() string {
	return fmt.Sprintf("{Name:%s Init:0x%04X Poly:0x%04X Residue:0x%04X}", crc.Name, crc.Init, crc.Poly, crc.Residue)
}

func (crc CRC) Checksum(data []byte) uint16 {
	return Checksum(crc.Init, data, crc.tbl)
}

type Table [256]uint16

func NewTable(poly uint16) (table Table) {
	for tIdx := range table {
		crc := uint16(tIdx) << 8
		for bIdx := 0; bIdx < 8; bIdx++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc = crc << 1
			}
		}
		table[tIdx] = crc
	}
	return table
}

func Checksum(init uint16, data []byte, table Table) (crc uint16) {
	crc = init
	for _, v := range data {
		crc = crc<<8 ^ table[crc>>8^uint16(v)]
	}
	return
}

// CRC16 is MSB first with no reflection and no final xor.
func CRC16(data []byte, poly, init uint16) uint16 {
	return Checksum(init, data, NewTable(poly))
}

// A Verifier recovers an unknown init value by trying each candidate in
// order against a frame's trailing big-endian checksum. Each candidate is a
// CRC with a zero residue: a frame followed by its own checksum sums to zero.
type Verifier struct {
	Poly  uint16
	Inits []uint16
	CRCs  []CRC
}

func NewVerifier(poly uint16, inits []uint16) Verifier {
	v := Verifier{Poly: poly}
	v.Inits = make([]uint16, len(inits))
	copy(v.Inits, inits)

	v.CRCs = make([]CRC, len(inits))
	for idx, init := range inits {
		v.CRCs[idx] = NewCRC(fmt.Sprintf("init%d/0x%04X", idx, init), init, poly, 0)
	}

	return v
}

// Match describes the outcome of a search. Attempts counts every candidate
// compared, including the one that matched.
type Match struct {
	Name     string
	Init     uint16
	Index    int
	Attempts int
}

func (m Match) String() string {
	return fmt.Sprintf("{Name:%s Init:0x%04X Index:%d Attempts:%d}", m.Name, m.Init, m.Index, m.Attempts)
}

// Verify checks frame[:len-2] against frame[len-2:]. Frames shorter than
// the checksum itself never match.
func (v Verifier) Verify(frame []byte) (m Match, ok bool) {
	m.Index = -1
	if len(frame) < 2 {
		return m, false
	}

	for idx, crc := range v.CRCs {
		m.Attempts++
		if crc.Checksum(frame) == crc.Residue {
			m.Name = crc.Name
			m.Init = crc.Init
			m.Index = idx
			return m, true
		}
	}

	return m, false
}

func (v Verifier) String() string {
	inits := make([]string, len(v.Inits))
	for idx, init := range v.Inits {
		inits[idx] = fmt.Sprintf("0x%04X", init)
	}
	return fmt.Sprintf("{Poly:0x%04X Inits:[%s]}", v.Poly, strings.Join(inits, " "))
}
