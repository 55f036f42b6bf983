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

package baseband

import "golang.org/x/xerrors"

// FMDemodState is the history of a single demodulation stream.
type FMDemodState struct {
	// Newest IQ sample of the previous call, bias removed.
	Br, Bi int32

	// DC blocker and low pass history.
	XDC, YDC int32
	XLP, YLP int32
}

func (s *FMDemodState) Reset() {
	*s = FMDemodState{}
}

// FMDemod is a frequency discriminator followed by a DC blocker and a low
// pass stage. Each stream needs its own FMDemod.
type FMDemod struct {
	Coeffs
	State FMDemodState
}

func NewFMDemod() *FMDemod {
	return &FMDemod{Coeffs: FMLowPass}
}

// Execute demodulates len(input)/2 IQ samples into output.
func (fm *FMDemod) Execute(input []byte, output []int16) error {
	if len(input)&1 != 0 {
		return ErrOddLength
	}

	samples := len(input) >> 1
	if len(output) < samples {
		return xerrors.Errorf("fm output of %d for %d samples: %w", len(output), samples, ErrShortBuffer)
	}

	s := &fm.State
	ar, ai := s.Br, s.Bi
	for n := 0; n < samples; n++ {
		br, bi := ar, ai
		ar = int32(input[2*n]) - 128
		ai = int32(input[2*n+1]) - 128

		// Imaginary part of x[n] * conj(x[n-1]). Without normalization or
		// atan2 this is only proportional to the phase difference for small
		// angles, which is all a narrow FSK signal needs.
		pi := ai*br - ar*bi

		// Leaky DC blocker.
		ydc := pi - s.XDC + s.YDC - s.YDC/256
		s.XDC, s.YDC = pi, ydc

		ylp := fm.step(s.YLP, ydc, s.XLP)
		s.XLP, s.YLP = ydc, ylp

		output[n] = saturate(ylp)
	}

	s.Br, s.Bi = ar, ai

	return nil
}
