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
	"bytes"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bemasher/rtlgridstream/output"
	"github.com/bemasher/rtlgridstream/parse"
	"github.com/bemasher/rtlgridstream/store"
)

const envPrefix = "RTLGRIDSTREAM_"

var sampleFilename = flag.String("samplefile", os.DevNull, "raw signal dump file")
var sampleFile *os.File

var inFilename = flag.String("infile", "", "read u8 iq samples from file instead of rtl_tcp, - for stdin")

var configFilename = flag.String("config", "", "yaml configuration file")

var decimation = flag.Int("decimation", 0, "log2 of the envelope detector's stride, 0 through 3")
var level = flag.Int("level", 0, "envelope gate level, 0 for default")
var layout = flag.String("layout", "default", "field layout of addressed messages: default or compact")
var timezone = flag.String("timezone", "Local", "time zone for rendering addressed message timestamps")
var logMIC = flag.Bool("logmic", false, "log crc init matches and frames failing every crc init at debug level")
var crcInits CRCInitList

var timeLimit = flag.Duration("duration", 0, "time to run for, 0 for infinite, ex. 1h5m10s")
var meterID MeterIDFilter
var meterType MeterTypeFilter

var unique = flag.Bool("unique", false, "suppress duplicate messages from each meter")

var encoders []output.Encoder
var format = flag.String("format", "plain", "decoded message output format: "+strings.Join(output.Formats, ", "))
var dbFilename = flag.String("db", "", "also store messages in this sqlite database")
var db *store.Store

var logLevel = flag.String("loglevel", "info", "log level: trace, debug, info, warn or error")

var single = flag.Bool("single", false, "one shot execution, if used with -filterid, will wait for exactly one packet from each meter id")

var version = flag.Bool("version", false, "display build date and commit hash")

var gridstreamFlags = map[string]bool{
	"samplefile": true,
	"infile":     true,
	"config":     true,
	"decimation": true,
	"level":      true,
	"layout":     true,
	"timezone":   true,
	"logmic":     true,
	"crcinits":   true,
	"duration":   true,
	"filterid":   true,
	"filtertype": true,
	"format":     true,
	"db":         true,
	"dbdump":     true,
	"loglevel":   true,
	"unique":     true,
	"single":     true,
	"version":    true,
}

func RegisterFlags() {
	meterID = MeterIDFilter{make(UintMap)}
	meterType = MeterTypeFilter{make(UintMap)}

	flag.Var(meterID, "filterid", "display only messages matching an id in a comma-separated list of hex ids.")
	flag.Var(meterType, "filtertype", "display only messages matching a subtype in a comma-separated list, ex. 0x55,0xd5")
	flag.Var(&crcInits, "crcinits", "comma-separated list of hex crc init values, empty for the built-in table")

	printDefaults := func(validFlags map[string]bool, inclusion bool) {
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			if validFlags[f.Name] != inclusion {
				return
			}

			format := "  -%s=%s: %s\n"
			fmt.Fprintf(os.Stderr, format, f.Name, f.Value, f.Usage)
		})
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		printDefaults(gridstreamFlags, true)

		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "rtltcp specific:")
		printDefaults(gridstreamFlags, false)
	}
}

// EnvOverride sets any flag with a matching environment variable, for
// example RTLGRIDSTREAM_FORMAT=json.
func EnvOverride(fs *flag.FlagSet, getenv func(string) string) {
	fs.VisitAll(func(f *flag.Flag) {
		envName := envPrefix + strings.ToUpper(f.Name)
		flagValue := getenv(envName)
		if flagValue == "" {
			return
		}

		entry := log.WithFields(log.Fields{
			"env":   envName,
			"flag":  f.Name,
			"value": flagValue,
		})
		if err := fs.Set(f.Name, flagValue); err != nil {
			entry.WithError(err).Warn("environment variable failed to override flag")
		} else {
			entry.Info("environment variable overrides flag")
		}
	})
}

func HandleFlags() (err error) {
	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		return errors.Wrap(err, "loglevel")
	}
	log.SetLevel(lvl)

	if *configFilename != "" {
		cfg, err := LoadConfig(*configFilename)
		if err != nil {
			return err
		}
		if err := cfg.Apply(flag.CommandLine); err != nil {
			return err
		}
	}

	sampleFile, err = os.Create(*sampleFilename)
	if err != nil {
		return errors.Wrap(err, "create sample file")
	}

	encoder, err := output.NewEncoder(*format, os.Stdout, *sampleFilename)
	if err != nil {
		return err
	}
	encoders = append(encoders, encoder)

	if *dbFilename != "" {
		db, err = store.Open(store.Config{Path: *dbFilename}, log.StandardLogger())
		if err != nil {
			return err
		}
		encoders = append(encoders, db)
		logStoreSummary(db)
	}

	return nil
}

// Options collects parser configuration from flags.
func Options() (opts parse.Options, err error) {
	loc, err := LoadLocation(*timezone)
	if err != nil {
		return opts, err
	}

	opts.Decimation = *decimation
	opts.LevelLimit = *level
	opts.CRCInits = crcInits
	opts.Location = loc
	opts.Layout = *layout
	opts.Log = log.StandardLogger()
	opts.LogMIC = *logMIC

	return opts, nil
}

func LoadLocation(name string) (*time.Location, error) {
	switch strings.ToLower(name) {
	case "", "local":
		return time.Local, nil
	case "utc":
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(name)
	return loc, errors.Wrapf(err, "timezone %q", name)
}

// CRCInitList is a flag accepting comma-separated hex init values, each use
// replaces the list.
type CRCInitList []uint16

func (l CRCInitList) String() string {
	var values []string
	for _, crcInit := range l {
		values = append(values, fmt.Sprintf("%04X", crcInit))
	}
	return strings.Join(values, ",")
}

func (l *CRCInitList) Set(value string) error {
	var inits CRCInitList
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		if !strings.HasPrefix(v, "0x") && !strings.HasPrefix(v, "0X") {
			v = "0x" + v
		}
		n, err := parseHex16(v)
		if err != nil {
			return err
		}
		inits = append(inits, n)
	}

	*l = inits
	return nil
}

type UintMap map[uint]bool

func (m UintMap) set(value string, base int) error {
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if base == 16 {
			v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
		}

		n, err := strconv.ParseUint(v, base, 64)
		if err != nil {
			return err
		}

		m[uint(n)] = true
	}

	return nil
}

func (m UintMap) keys() (keys []uint) {
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MeterIDFilter matches source addresses given in hex, as they're displayed.
type MeterIDFilter struct {
	UintMap
}

func (m MeterIDFilter) String() string {
	var values []string
	for _, k := range m.keys() {
		values = append(values, fmt.Sprintf("%08x", k))
	}
	return strings.Join(values, ",")
}

func (m MeterIDFilter) Set(value string) error {
	return m.set(value, 16)
}

func (m MeterIDFilter) Filter(msg parse.Message) bool {
	return m.UintMap[uint(msg.MeterID())]
}

// MeterTypeFilter matches frame subtypes.
type MeterTypeFilter struct {
	UintMap
}

func (m MeterTypeFilter) String() string {
	var values []string
	for _, k := range m.keys() {
		values = append(values, fmt.Sprintf("0x%02x", k))
	}
	return strings.Join(values, ",")
}

func (m MeterTypeFilter) Set(value string) error {
	return m.set(value, 0)
}

func (m MeterTypeFilter) Filter(msg parse.Message) bool {
	return m.UintMap[uint(msg.MeterType())]
}

type UniqueFilter map[uint32][]byte

func NewUniqueFilter() UniqueFilter {
	return make(UniqueFilter)
}

func (uf UniqueFilter) Filter(msg parse.Message) bool {
	checksum := msg.Checksum()
	mid := msg.MeterID()

	if val, ok := uf[mid]; ok && bytes.Equal(val, checksum) {
		return false
	}

	uf[mid] = make([]byte, len(checksum))
	copy(uf[mid], checksum)
	return true
}
