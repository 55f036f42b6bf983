// Package csv writes messages implementing Recorder as CSV rows.
package csv

import (
	"encoding/csv"
	"io"

	"golang.org/x/xerrors"
)

// Produces a list of fields making up a record.
type Recorder interface {
	Record() []string
}

// An Encoder writes CSV records to an output stream. Records may differ in
// width, Gridstream subtypes carry different fields.
type Encoder struct {
	w *csv.Writer
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: csv.NewWriter(w)}
}

// Encode writes a CSV record representing v to the stream followed by a
// newline character. Value given must implement the Recorder interface.
func (enc *Encoder) Encode(v interface{}) (err error) {
	defer func() {
		if r, _ := recover().(error); r != nil {
			err = xerrors.Errorf("recovered: %w", r)
		}
	}()

	if err := enc.w.Write(v.(Recorder).Record()); err != nil {
		return xerrors.Errorf("csv write: %w", err)
	}
	enc.w.Flush()

	if err := enc.w.Error(); err != nil {
		return xerrors.Errorf("csv flush: %w", err)
	}

	return nil
}
