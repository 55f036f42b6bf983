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

package decode

import (
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/bemasher/rtlgridstream/baseband"
	"github.com/bemasher/rtlgridstream/bitbuf"
)

// A full frame of 10 bit UART bytes plus preamble.
const DefaultMaxRowBits = (bitbuf.MaxFrameBytes + 8) * 10

// PacketConfig specifies packet-specific radio configuration.
type PacketConfig struct {
	CenterFreq uint32
	SampleRate int
	DataRate   int

	// Samples per bit.
	SymbolLength float64

	// Envelope level above which the FM output is sliced.
	LevelLimit int16

	// Consecutive ungated samples ending a row.
	ResetLimit int

	// Rows shorter than MinRowBits are dropped, rows are truncated at
	// MaxRowBits.
	MinRowBits, MaxRowBits int

	// Log2 of the envelope detector's stride.
	Decimation uint

	BlockSize, BlockSize2 int
}

func (d Decoder) Log() {
	d.Logger.WithFields(logrus.Fields{
		"CenterFreq":   d.Cfg.CenterFreq,
		"SampleRate":   d.Cfg.SampleRate,
		"DataRate":     d.Cfg.DataRate,
		"SymbolLength": d.Cfg.SymbolLength,
		"LevelLimit":   d.Cfg.LevelLimit,
		"ResetLimit":   d.Cfg.ResetLimit,
		"MinRowBits":   d.Cfg.MinRowBits,
		"MaxRowBits":   d.Cfg.MaxRowBits,
		"Decimation":   d.Cfg.Decimation,
		"BlockSize":    d.Cfg.BlockSize,
	}).Info("decoder")
}

// Decoder slices an FSK signal into rows of bits. Envelope and FM history
// carry over between calls to Decode, so a row may span sample blocks.
type Decoder struct {
	Cfg PacketConfig

	Logger logrus.FieldLogger

	Envelope []uint16
	Level    []int16
	Demod    []int16

	env      *baseband.EnvelopeDetector
	envState baseband.FilterState
	fm       *baseband.FMDemod

	// IQ bytes held over until a whole envelope stride is available.
	carry []byte

	row    *bitbuf.BitBuffer
	gated  bool
	runBit byte
	runLen int
	idle   int
}

// Create a new decoder with the given packet configuration.
func NewDecoder(cfg PacketConfig) *Decoder {
	d := &Decoder{Cfg: cfg, Logger: logrus.StandardLogger()}

	if d.Cfg.SymbolLength == 0 {
		d.Cfg.SymbolLength = float64(d.Cfg.SampleRate) / float64(d.Cfg.DataRate)
	}
	if d.Cfg.MaxRowBits == 0 {
		d.Cfg.MaxRowBits = DefaultMaxRowBits
	}
	if d.Cfg.BlockSize == 0 {
		d.Cfg.BlockSize = NextPowerOf2(d.Cfg.ResetLimit + 1)
	}
	d.Cfg.BlockSize2 = d.Cfg.BlockSize << 1

	d.alloc(d.Cfg.BlockSize)

	d.env = baseband.NewEnvelopeDetector()
	d.fm = baseband.NewFMDemod()
	d.row = bitbuf.New(d.Cfg.MaxRowBits)

	return d
}

func (d *Decoder) alloc(samples int) {
	d.Envelope = make([]uint16, samples>>d.Cfg.Decimation)
	d.Level = make([]int16, samples>>d.Cfg.Decimation)
	d.Demod = make([]int16, samples)
}

// Decode accepts a sample block and returns every row completed within it.
//
// Samples short of a whole envelope stride, or of the low pass filter's
// minimum input, are held back and prepended to the next block.
func (d *Decoder) Decode(input []byte) (rows []bitbuf.BitBuffer, err error) {
	if len(input)&1 != 0 {
		return nil, xerrors.Errorf("decode %d bytes: %w", len(input), baseband.ErrOddLength)
	}

	if len(d.carry) > 0 {
		input = append(append([]byte(nil), d.carry...), input...)
		d.carry = d.carry[:0]
	}

	stride := 2 << d.Cfg.Decimation
	whole := len(input) &^ (stride - 1)
	if whole < (baseband.FilterOrder+1)*stride {
		whole = 0
	}
	d.carry = append(d.carry, input[whole:]...)
	input = input[:whole]

	samples := len(input) >> 1
	if samples == 0 {
		return nil, nil
	}
	if samples > len(d.Demod) {
		d.alloc(samples)
	}

	n, err := d.env.Detect(input, d.Envelope, d.Cfg.Decimation)
	if err != nil {
		return nil, xerrors.Errorf("envelope: %w", err)
	}
	if err := baseband.EnvelopeLowPass.Filter(d.Envelope[:n], d.Level, &d.envState); err != nil {
		return nil, xerrors.Errorf("envelope low pass: %w", err)
	}
	if err := d.fm.Execute(input, d.Demod); err != nil {
		return nil, xerrors.Errorf("fm demod: %w", err)
	}

	for idx, v := range d.Demod[:samples] {
		if d.Level[idx>>d.Cfg.Decimation] > d.Cfg.LevelLimit {
			var bit byte
			if v > 0 {
				bit = 1
			}

			if d.gated && bit != d.runBit {
				d.emitRun()
			}
			if !d.gated || bit != d.runBit {
				d.gated = true
				d.runBit = bit
				d.runLen = 0
			}

			d.runLen++
			d.idle = 0
			continue
		}

		if d.gated {
			d.emitRun()
			d.gated = false
		}

		if d.row.Len() == 0 {
			continue
		}

		d.idle++
		if d.idle > d.Cfg.ResetLimit {
			rows = d.finishRow(rows)
		}
	}

	return rows, nil
}

// Flush returns the row in progress, if any, and resets slicer state.
// Filter history is kept, held back samples are dropped.
func (d *Decoder) Flush() (rows []bitbuf.BitBuffer) {
	d.carry = d.carry[:0]
	if d.gated {
		d.emitRun()
		d.gated = false
	}
	return d.finishRow(nil)
}

// Reset returns the decoder to its initial state.
func (d *Decoder) Reset() {
	d.envState.Reset()
	d.fm.State.Reset()
	d.row.Reset()
	d.carry = d.carry[:0]
	d.gated = false
	d.runLen = 0
	d.idle = 0
}

// emitRun appends the current run to the row, rounded to whole bits.
func (d *Decoder) emitRun() {
	bits := int(math.Floor(float64(d.runLen)/d.Cfg.SymbolLength + 0.5))
	if room := d.Cfg.MaxRowBits - d.row.Len(); bits > room {
		bits = room
	}

	d.row.AppendBits(d.runBit, bits)
	d.runLen = 0
}

func (d *Decoder) finishRow(rows []bitbuf.BitBuffer) []bitbuf.BitBuffer {
	if d.row.Len() >= d.Cfg.MinRowBits {
		rows = append(rows, d.row.Clone())
	}
	d.row.Reset()
	d.idle = 0
	return rows
}

func NextPowerOf2(v int) int {
	return 1 << uint(math.Ceil(math.Log2(float64(v))))
}
