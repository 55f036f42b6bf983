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
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/bemasher/rtlgridstream/bitbuf"
	"github.com/bemasher/rtlgridstream/decode"
	"github.com/bemasher/rtlgridstream/parse"
)

func init() {
	parse.Register("gridstream", NewParser)
}

const DefaultLevelLimit = 1024

func NewPacketConfig(decimation uint) (cfg decode.PacketConfig) {
	cfg.CenterFreq = 915000000
	cfg.SampleRate = 250000
	cfg.DataRate = 9600
	cfg.LevelLimit = DefaultLevelLimit
	cfg.Decimation = decimation

	// 20ms of silence ends a row.
	cfg.ResetLimit = cfg.SampleRate / 50

	// Preamble and the five mandatory header bytes.
	cfg.MinRowBits = PreambleBits + MinFrameBytes*10

	return
}

// Stats counts the outcome of every row parsed.
type Stats struct {
	Rows        int
	Success     int
	AbortLength int
	FailSanity  int
	FailMIC     int
}

func (s *Stats) count(err error) {
	s.Rows++
	switch {
	case err == nil:
		s.Success++
	case xerrors.Is(err, ErrAbortLength):
		s.AbortLength++
	case xerrors.Is(err, ErrFailSanity):
		s.FailSanity++
	case xerrors.Is(err, ErrFailMIC):
		s.FailMIC++
	}
}

type Parser struct {
	*decode.Decoder
	Frames *Decoder
	Stats  Stats
}

func NewParser(opts parse.Options) (parse.Parser, error) {
	cfg := NewPacketConfig(uint(opts.Decimation))
	if opts.LevelLimit != 0 {
		cfg.LevelLimit = int16(opts.LevelLimit)
	}

	layout, err := LayoutByName(opts.Layout)
	if err != nil {
		return nil, err
	}

	frames := NewDecoder(opts.CRCInits)
	frames.Layout = layout
	frames.LogMIC = opts.LogMIC
	if opts.Location != nil {
		frames.Location = opts.Location
	}

	dec := decode.NewDecoder(cfg)
	if opts.Log != nil {
		frames.Logger = opts.Log
		dec.Logger = opts.Log
	}

	return &Parser{Decoder: dec, Frames: frames}, nil
}

func (p *Parser) Dec() *decode.Decoder {
	return p.Decoder
}

func (p *Parser) Cfg() *decode.PacketConfig {
	return &p.Decoder.Cfg
}

func (p *Parser) Log() {
	p.Decoder.Log()
	p.Frames.Logger.WithFields(logrus.Fields{
		"CRCInits": len(p.Frames.Inits),
		"Layout":   p.Frames.Layout.Name,
		"Location": p.Frames.Location,
	}).Info("gridstream")
}

// LogStats reports row outcomes so far.
func (p *Parser) LogStats() {
	p.Frames.Logger.WithFields(logrus.Fields{
		"Rows":        p.Stats.Rows,
		"Success":     p.Stats.Success,
		"AbortLength": p.Stats.AbortLength,
		"FailSanity":  p.Stats.FailSanity,
		"FailMIC":     p.Stats.FailMIC,
	}).Info("gridstream stats")
}

func (p *Parser) Parse(rows []bitbuf.BitBuffer) (msgs []parse.Message) {
	seen := make(map[string]bool)

	for _, row := range rows {
		msg, err := p.Frames.DecodeRow(row)
		p.Stats.count(err)
		if err != nil {
			p.Frames.Logger.WithError(err).Trace("gridstream: row rejected")
			continue
		}

		s := string(row.Bytes())
		if seen[s] {
			continue
		}
		seen[s] = true

		msgs = append(msgs, msg)
	}

	return
}
