// Package output encodes received messages for display or downstream
// processing.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"

	"github.com/bemasher/rtlgridstream/csv"
	"github.com/bemasher/rtlgridstream/parse"
)

// JSON, CSV and CBOR all implement this interface so we can simplify log
// output formatting.
type Encoder interface {
	Encode(interface{}) error
}

// Formats lists the names accepted by NewEncoder.
var Formats = []string{"plain", "csv", "json", "cbor"}

// NewEncoder returns an encoder for the named format writing to w. With a
// sample file other than os.DevNull plain output includes sample offsets.
func NewEncoder(format string, w io.Writer, sampleFilename string) (Encoder, error) {
	switch strings.ToLower(format) {
	case "plain":
		return PlainEncoder{w, sampleFilename}, nil
	case "csv":
		return csv.NewEncoder(w), nil
	case "json":
		return json.NewEncoder(w), nil
	case "cbor":
		return NewCBOREncoder(w)
	}
	return nil, fmt.Errorf("invalid format: %q, expected one of %s", format, strings.Join(Formats, ", "))
}

type PlainEncoder struct {
	w              io.Writer
	sampleFilename string
}

func (pe PlainEncoder) Encode(msg interface{}) (err error) {
	if m, ok := msg.(parse.LogMessage); ok && pe.sampleFilename == os.DevNull {
		_, err = fmt.Fprintln(pe.w, m.StringNoOffset())
	} else {
		_, err = fmt.Fprintln(pe.w, msg)
	}
	return
}

// Record is the CBOR rendering of a LogMessage.
type Record struct {
	Time    string                 `cbor:"time"`
	Offset  int64                  `cbor:"offset"`
	Length  int                    `cbor:"length"`
	Type    string                 `cbor:"type"`
	Message map[string]interface{} `cbor:"message"`
}

// CBOREncoder writes one CBOR data item per message, map keys in
// deterministic order.
type CBOREncoder struct {
	w  io.Writer
	em cbor.EncMode
}

func NewCBOREncoder(w io.Writer) (*CBOREncoder, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, xerrors.Errorf("cbor enc mode: %w", err)
	}
	return &CBOREncoder{w, em}, nil
}

func (enc *CBOREncoder) Encode(v interface{}) error {
	var item interface{} = v

	switch m := v.(type) {
	case parse.LogMessage:
		item = Record{
			Time:    m.Time.Format(time.RFC3339Nano),
			Offset:  m.Offset,
			Length:  m.Length,
			Type:    m.MsgType(),
			Message: m.Fields().Map(),
		}
	case parse.Message:
		item = m.Fields().Map()
	}

	data, err := enc.em.Marshal(item)
	if err != nil {
		return xerrors.Errorf("cbor: %w", err)
	}

	_, err = enc.w.Write(data)
	return err
}
