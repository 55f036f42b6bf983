package parse

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bemasher/rtlgridstream/bitbuf"
	"github.com/bemasher/rtlgridstream/csv"
	"github.com/bemasher/rtlgridstream/decode"
)

const (
	TimeFormat = "2006-01-02T15:04:05.000"
)

var (
	parserMutex sync.Mutex
	parsers     = make(map[string]NewParserFunc)
)

// Options configure a parser at construction.
type Options struct {
	Decimation int
	LevelLimit int

	// Candidate CRC init values, nil selects the protocol's known table.
	CRCInits []uint16
	Location *time.Location
	Layout   string

	Log    logrus.FieldLogger
	LogMIC bool
}

type NewParserFunc func(opts Options) (Parser, error)

// Given a name and a parser, register a parser for use.
// Later used by underscore importing each parser package:
//
// import _ "github.com/bemasher/rtlgridstream/gridstream"
//
func Register(name string, parserFn NewParserFunc) {
	parserMutex.Lock()
	defer parserMutex.Unlock()

	if parserFn == nil {
		panic("parser: new parser func is nil")
	}
	if _, dup := parsers[name]; dup {
		panic(fmt.Sprintf("parser: parser already registered (%s)", name))
	}
	parsers[name] = parserFn
}

func NewParser(name string, opts Options) (Parser, error) {
	parserMutex.Lock()
	parserFn, exists := parsers[name]
	parserMutex.Unlock()

	if !exists {
		return nil, fmt.Errorf("invalid message type: %q", name)
	}
	return parserFn(opts)
}

type Parser interface {
	Parse([]bitbuf.BitBuffer) []Message
	Dec() *decode.Decoder
	Cfg() *decode.PacketConfig
	Log()
}

type Message interface {
	csv.Recorder
	MsgType() string
	MeterID() uint32
	MeterType() uint8
	Checksum() []byte
	Fields() Fields
}

// FieldType tags the value of a Field for sinks that care.
type FieldType int

const (
	String FieldType = iota
	Int
)

func (ft FieldType) String() string {
	switch ft {
	case String:
		return "string"
	case Int:
		return "int"
	}
	return "unknown"
}

// Field is a single named value of an emitted record.
type Field struct {
	Key   string
	Type  FieldType
	Value interface{}
}

func StringField(key, value string) Field {
	return Field{key, String, value}
}

func IntField(key string, value int64) Field {
	return Field{key, Int, value}
}

func (f Field) String() string {
	switch v := f.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprint(f.Value)
}

// Fields is an ordered record. Keys absent from a message's variant are
// simply not present.
type Fields []Field

func (fields Fields) Get(key string) (Field, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

func (fields Fields) Keys() (keys []string) {
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	return
}

func (fields Fields) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

func (fields Fields) Record() (r []string) {
	for _, f := range fields {
		r = append(r, f.String())
	}
	return
}

// MarshalJSON encodes fields as an object, keys in record order.
func (fields Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for idx, f := range fields {
		if idx > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Uniquely identifies a message spanning two sample blocks.
type Digest struct {
	MsgType   string
	MeterType uint8
	MeterID   uint32
	Checksum  string
}

func NewDigest(msg Message) Digest {
	return Digest{
		msg.MsgType(),
		msg.MeterType(),
		msg.MeterID(),
		hex.EncodeToString(msg.Checksum()),
	}
}

type LogMessage struct {
	Time   time.Time
	Offset int64
	Length int
	Message
}

func (msg LogMessage) String() string {
	return fmt.Sprintf("{Time:%s Offset:%d Length:%d %s:%s}",
		msg.Time.Format(TimeFormat), msg.Offset, msg.Length, msg.MsgType(), msg.Message,
	)
}

func (msg LogMessage) StringNoOffset() string {
	return fmt.Sprintf("{Time:%s %s:%s}", msg.Time.Format(TimeFormat), msg.MsgType(), msg.Message)
}

func (msg LogMessage) Record() (r []string) {
	r = append(r, msg.Time.Format(time.RFC3339Nano))
	r = append(r, strconv.FormatInt(msg.Offset, 10))
	r = append(r, strconv.FormatInt(int64(msg.Length), 10))
	r = append(r, msg.Message.Record()...)
	return r
}

type FilterChain []MessageFilter

func (fc *FilterChain) Add(filter MessageFilter) {
	*fc = append(*fc, filter)
}

func (fc FilterChain) Match(msg Message) bool {
	if len(fc) == 0 {
		return true
	}

	for _, filter := range fc {
		if !filter.Filter(msg) {
			return false
		}
	}

	return true
}

type MessageFilter interface {
	Filter(Message) bool
}
