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

import (
	"math"

	"golang.org/x/xerrors"
)

const (
	FilterOrder = 1

	// Q15: Q1.15*Q15.0 = Q16.15, >>1 gives Q15.14, three of those summed
	// stay below 2^31 as long as the b coefficients are small, >>14 is Q15.0.
	FScale = 15
	SConst = 1 << FScale
)

// Fix converts a coefficient to Q15.
func Fix(x float64) int32 {
	return int32(x * SConst)
}

// Coeffs of a first order IIR section: y[n] = a1*y[n-1] + b0*x[n] + b1*x[n-1].
type Coeffs struct {
	A1, B0, B1 int32
}

var (
	// [b,a] = butter(1, 0.05) -> 3x tau (95%) ~20 samples
	EnvelopeLowPass = Coeffs{A1: Fix(0.85408), B0: Fix(0.07296), B1: Fix(0.07296)}

	// [b,a] = butter(1, 0.1) -> 3x tau (95%) ~10 samples
	FMLowPass = Coeffs{A1: Fix(0.72654), B0: Fix(0.13673), B1: Fix(0.13673)}
)

// Valid reports whether the worst case intermediate sum fits in an int32.
// Retuned coefficients must keep passing this.
func (c Coeffs) Valid() bool {
	abs := func(v int32) int64 {
		if v < 0 {
			return -int64(v)
		}
		return int64(v)
	}

	const maxIn = 1 << 16
	worst := (abs(c.A1)*maxIn)>>1 + (abs(c.B0)*maxIn)>>1 + (abs(c.B1)*maxIn)>>1
	return c.A1 < SConst && worst <= math.MaxInt32
}

func (c Coeffs) step(y1, x, x1 int32) int32 {
	return ((c.A1 * y1 >> 1) + (c.B0 * x >> 1) + (c.B1 * x1 >> 1)) >> (FScale - 1)
}

// FilterState carries input and output history between calls for a single
// stream. The zero value is the state at the start of a stream. Values are
// widened so the whole envelope range survives the round trip.
type FilterState struct {
	X [FilterOrder]int32
	Y [FilterOrder]int32
}

func (s *FilterState) Reset() {
	*s = FilterState{}
}

// Filter low pass filters input into output using and then updating state.
func (c Coeffs) Filter(input []uint16, output []int16, state *FilterState) error {
	if state == nil {
		return ErrNilState
	}
	if len(input) <= FilterOrder {
		return xerrors.Errorf("filter input of %d samples: %w", len(input), ErrShortBuffer)
	}
	if len(output) < len(input) {
		return xerrors.Errorf("filter output of %d for %d samples: %w", len(output), len(input), ErrShortBuffer)
	}

	y := c.step(state.Y[0], int32(input[0]), state.X[0])
	output[0] = saturate(y)
	for idx := 1; idx < len(input); idx++ {
		y = c.step(y, int32(input[idx]), int32(input[idx-1]))
		output[idx] = saturate(y)
	}

	// Keep the unsaturated output so the recursion continues where it left off.
	state.X[0] = int32(input[len(input)-1])
	state.Y[0] = y

	return nil
}
