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

// Package baseband implements the fixed-point front end: envelope detection,
// a first order Q15 IIR low pass filter and an FM discriminator. Nothing in
// the hot path touches floating point.
package baseband

import (
	"errors"

	"golang.org/x/xerrors"
)

// Contract violations. Sample data is never rejected, only buffers whose
// shape doesn't satisfy the caller's side of the bargain.
var (
	ErrOddLength   = errors.New("baseband: iq buffer has odd length")
	ErrShortBuffer = errors.New("baseband: buffer too short")
	ErrDecimation  = errors.New("baseband: sample count not a multiple of decimation stride")
	ErrNilState    = errors.New("baseband: nil filter state")
)

// SquareLUT holds (127 - i)^2 for every possible sample byte.
type SquareLUT [256]uint16

func NewSquareLUT() (lut SquareLUT) {
	for idx := range lut {
		v := 127 - idx
		lut[idx] = uint16(v * v)
	}
	return
}

// EnvelopeDetector produces a noisy power estimate of OOK/ASK signals from
// raw IQ samples. The lookup table is never written after construction so a
// single detector may be shared between streams.
type EnvelopeDetector struct {
	lut SquareLUT
}

func NewEnvelopeDetector() *EnvelopeDetector {
	return &EnvelopeDetector{lut: NewSquareLUT()}
}

// Detect writes one envelope sample per 1<<decimate IQ samples to output and
// returns the number of samples written.
func (e *EnvelopeDetector) Detect(input []byte, output []uint16, decimate uint) (int, error) {
	if len(input)&1 != 0 {
		return 0, ErrOddLength
	}

	samples := len(input) >> 1
	stride := 1 << decimate
	if samples%stride != 0 {
		return 0, xerrors.Errorf("%d samples, stride %d: %w", samples, stride, ErrDecimation)
	}

	n := samples >> decimate
	if len(output) < n {
		return 0, xerrors.Errorf("need %d envelope samples, have %d: %w", n, len(output), ErrShortBuffer)
	}

	op := 0
	for i := 0; i < samples; i += stride {
		output[op] = e.lut[input[2*i]] + e.lut[input[2*i+1]]
		op++
	}

	return n, nil
}

// saturate clamps a widened filter result to the int16 output range.
func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
