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

package main

import (
	"flag"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HexUint16 accepts either a YAML integer (0xE623 or 58915) or a bare hex
// string ("E623").
type HexUint16 uint16

func (h *HexUint16) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected scalar crc init", value.Line)
	}

	n, err := parseHex16(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}

	*h = HexUint16(n)
	return nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimSpace(s)

	var (
		n   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 16)
	} else if strings.IndexAny(s, "abcdefABCDEF") >= 0 {
		n, err = strconv.ParseUint(s, 16, 16)
	} else {
		n, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "invalid crc init %q", s)
	}

	return uint16(n), nil
}

// Config is the optional YAML configuration file. Flags given on the
// command line or through the environment take precedence.
type Config struct {
	CRCInits   []HexUint16 `yaml:"crcinits"`
	Timezone   string      `yaml:"timezone"`
	Layout     string      `yaml:"layout"`
	LogMIC     *bool       `yaml:"logmic"`
	Decimation *int        `yaml:"decimation"`
	Level      *int        `yaml:"level"`
	DB         string      `yaml:"db"`
}

func LoadConfig(filename string) (cfg Config, err error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %q", filename)
	}

	return cfg, nil
}

func (cfg Config) Inits() (inits []uint16) {
	for _, crcInit := range cfg.CRCInits {
		inits = append(inits, uint16(crcInit))
	}
	return inits
}

// Apply copies configured values into flags the user didn't set explicitly.
func (cfg Config) Apply(fs *flag.FlagSet) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	values := map[string]string{}
	if len(cfg.CRCInits) > 0 {
		values["crcinits"] = CRCInitList(cfg.Inits()).String()
	}
	if cfg.Timezone != "" {
		values["timezone"] = cfg.Timezone
	}
	if cfg.Layout != "" {
		values["layout"] = cfg.Layout
	}
	if cfg.LogMIC != nil {
		values["logmic"] = strconv.FormatBool(*cfg.LogMIC)
	}
	if cfg.Decimation != nil {
		values["decimation"] = strconv.Itoa(*cfg.Decimation)
	}
	if cfg.Level != nil {
		values["level"] = strconv.Itoa(*cfg.Level)
	}
	if cfg.DB != "" {
		values["db"] = cfg.DB
	}

	for name, value := range values {
		if set[name] || fs.Lookup(name) == nil {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "config %s", name)
		}
	}

	return nil
}
