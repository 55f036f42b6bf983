package gridstream

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
	"pgregory.net/rapid"

	"github.com/bemasher/rtlgridstream/bitbuf"
	"github.com/bemasher/rtlgridstream/gen"
	"github.com/bemasher/rtlgridstream/parse"
)

func newTestDecoder() *Decoder {
	d := NewDecoder(nil)
	d.Location = time.UTC
	return d
}

func value(t *testing.T, msg parse.Message, key string) interface{} {
	t.Helper()
	f, ok := msg.Fields().Get(key)
	require.True(t, ok, "missing field %q", key)
	return f.Value
}

func TestDecodeBroadcast(t *testing.T) {
	d := newTestDecoder()

	frame := gen.NewBroadcast(0xAABBCCDDEEFF, 0x112233445566, 86400, 0x0BADF00D, KnownCRCInits[3])
	msg, err := d.DecodeBytes(frame)
	require.NoError(t, err)

	assert.Equal(t, []string{"model", "id", "wanaddress", "destaddress", "uptime", "mic"}, msg.Fields().Keys())
	assert.Equal(t, Model, value(t, msg, "model"))
	assert.Equal(t, "0badf00d", value(t, msg, "id"))
	assert.Equal(t, "112233445566", value(t, msg, "wanaddress"))
	assert.Equal(t, "aabbccddeeff", value(t, msg, "destaddress"))
	assert.Equal(t, int64(86400), value(t, msg, "uptime"))
	assert.Equal(t, MIC, value(t, msg, "mic"))

	b := msg.(Broadcast)
	assert.Equal(t, uint32(0x0BADF00D), b.MeterID())
	assert.Equal(t, uint8(SubtypeBroadcast), b.MeterType())
	assert.Equal(t, frame[len(frame)-2:], b.Checksum())
	assert.LessOrEqual(t, b.CRCMatch.Index, 3)
}

func TestDecodeOpaque(t *testing.T) {
	d := newTestDecoder()

	for _, init := range KnownCRCInits {
		frame, err := gen.NewRandOpaque(24, init)
		require.NoError(t, err)

		msg, err := d.DecodeBytes(frame)
		require.NoError(t, err)

		assert.Equal(t, []string{"model", "id", "mic"}, msg.Fields().Keys())
		assert.Equal(t, int64(0), value(t, msg, "id"))
		assert.Equal(t, uint32(0), msg.MeterID())
	}
}

func TestDecodeAddressedShort(t *testing.T) {
	d := newTestDecoder()

	frame := gen.Addressed{Dest: 0x01020304, Src: 0xCAFEF00D, SrcOffset: 26}.Frame(KnownCRCInits[0])
	require.Equal(t, []byte{0x00, 0x1E}, frame[4:6])

	msg, err := d.DecodeRow(*gen.NewRow(3, frame, 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"model", "id", "destaddress", "mic"}, msg.Fields().Keys())
	assert.Equal(t, "cafef00d", value(t, msg, "id"))
	assert.Equal(t, "01020304", value(t, msg, "destaddress"))

	for _, key := range []string{"timestamp", "uptime", "wanaddress"} {
		_, ok := msg.Fields().Get(key)
		assert.False(t, ok, key)
	}
}

func TestDecodeAddressedLong(t *testing.T) {
	d := newTestDecoder()

	// The source at 26 shares two bytes with uptime at 24, the values agree
	// on them.
	a := gen.Addressed{
		Dest:      0x01020304,
		Src:       0x12345678,
		SrcOffset: 26,
		Long:      true,
		Timestamp: 1700000000,
		Uptime:    0x00091234,
		WAN:       0xA0B0C0D0E0F0,
	}

	msg, err := d.DecodeRow(*gen.NewRow(3, a.Frame(KnownCRCInits[7]), 2))
	require.NoError(t, err)

	assert.Equal(t, []string{"model", "id", "destaddress", "timestamp", "uptime", "wanaddress", "mic"}, msg.Fields().Keys())
	assert.Equal(t, "12345678", value(t, msg, "id"))
	assert.Equal(t, "01020304", value(t, msg, "destaddress"))
	assert.Equal(t, "2023-11-14 22:13:20", value(t, msg, "timestamp"))
	assert.Equal(t, int64(0x00091234), value(t, msg, "uptime"))
	assert.Equal(t, "a0b0c0d0e0f0", value(t, msg, "wanaddress"))
}

func TestTimestampLocation(t *testing.T) {
	d := newTestDecoder()

	loc := time.FixedZone("UTC-6", -6*60*60)
	d.Location = loc
	assert.Equal(t, "2023-11-14 16:13:20", d.FormatTimestamp(1700000000))
}

func TestCompactLayout(t *testing.T) {
	d := newTestDecoder()
	d.Layout = CompactLayout

	a := gen.Addressed{
		Dest:      0xDEADBEEF,
		Src:       0x00C0FFEE,
		SrcOffset: CompactLayout.AddressedSource,
		Long:      true,
		Timestamp: 1700000000,
		Uptime:    123456,
		WAN:       0x010203040506,
	}
	frame := a.Frame(KnownCRCInits[2])

	msg, err := d.DecodeBytes(frame)
	require.NoError(t, err)
	assert.Equal(t, "00c0ffee", value(t, msg, "id"))
	assert.Equal(t, "deadbeef", value(t, msg, "destaddress"))
	assert.Equal(t, int64(123456), value(t, msg, "uptime"))

	d.Layout = DefaultLayout
	msg, err = d.DecodeBytes(frame)
	require.NoError(t, err)
	assert.NotEqual(t, "00c0ffee", value(t, msg, "id"))
}

func TestLayoutByName(t *testing.T) {
	for name, expt := range map[string]Layout{
		"":        DefaultLayout,
		"default": DefaultLayout,
		"Compact": CompactLayout,
	} {
		layout, err := LayoutByName(name)
		require.NoError(t, err)
		assert.Equal(t, expt, layout)
	}

	_, err := LayoutByName("wide")
	assert.Error(t, err)
}

func TestSubtypeTotality(t *testing.T) {
	d := newTestDecoder()

	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), MinFrameBytes, 96).Draw(t, "frame")
		b[2] = TypeTag
		b[3] = rapid.Byte().Filter(func(v byte) bool {
			return v != SubtypeBroadcast && v != SubtypeOpaque && v != SubtypeAddressed
		}).Draw(t, "subtype")

		_, err := d.DecodeBytes(b)
		assert.True(t, xerrors.Is(err, ErrAbortLength), "%v", err)
	})
}

func TestUnknownType(t *testing.T) {
	d := newTestDecoder()

	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), MinFrameBytes, 96).Draw(t, "frame")
		b[2] = rapid.Byte().Filter(func(v byte) bool { return v != TypeTag }).Draw(t, "type")

		_, err := d.DecodeBytes(b)
		assert.True(t, xerrors.Is(err, ErrAbortLength), "%v", err)
	})
}

func TestLengthGating(t *testing.T) {
	d := newTestDecoder()

	frames := [][]byte{
		gen.NewBroadcast(1, 2, 3, 4, KnownCRCInits[0]),
		gen.Addressed{Src: 1, SrcOffset: 26, Long: true}.Frame(KnownCRCInits[1]),
		gen.NewFrame(SubtypeOpaque, make([]byte, 40), KnownCRCInits[2]),
	}

	rapid.Check(t, func(t *rapid.T) {
		frame := frames[rapid.IntRange(0, len(frames)-1).Draw(t, "frame")]
		n := rapid.IntRange(MinFrameBytes, len(frame)-1).Draw(t, "n")

		// Copied so the original backing array can't satisfy a read past n.
		truncated := append([]byte(nil), frame[:n]...)

		_, err := d.DecodeBytes(truncated)
		assert.True(t, xerrors.Is(err, ErrAbortLength), "%v", err)
	})
}

func TestDeclaredLengthTooSmall(t *testing.T) {
	d := newTestDecoder()

	for _, b := range [][]byte{
		{0x00, 0xFF, TypeTag, SubtypeOpaque, 0x00, 0x00, 0x00},
		{0x00, 0xFF, TypeTag, SubtypeOpaque, 0x01, 0x00, 0x00},
		{0x00, 0xFF, TypeTag, SubtypeBroadcast, 0x00, 0x01, 0x00, 0x00},
		{0x00, 0xFF, TypeTag, SubtypeAddressed, 0xFF, 0xFF, 0x00, 0x00},
	} {
		_, err := d.DecodeBytes(b)
		assert.True(t, xerrors.Is(err, ErrAbortLength), "%02X: %v", b, err)
	}
}

func TestFieldOutOfRange(t *testing.T) {
	d := newTestDecoder()

	// Verifies, but is too short to hold the source address.
	frame := gen.NewFrame(SubtypeAddressed, make([]byte, 8), KnownCRCInits[0])

	_, err := d.DecodeBytes(frame)
	assert.True(t, xerrors.Is(err, ErrAbortLength), "%v", err)
}

func TestFailSanity(t *testing.T) {
	d := newTestDecoder()

	for _, b := range [][]byte{nil, {0x00, 0xFF, TypeTag, SubtypeOpaque}} {
		_, err := d.DecodeBytes(b)
		assert.True(t, xerrors.Is(err, ErrFailSanity), "%v", err)
	}

	row := bitbuf.FromBytes([]byte{0x55, 0x55, 0x55, 0x55, 0xFF, 0xFF}, 48)
	_, err := d.DecodeRow(row)
	assert.True(t, xerrors.Is(err, ErrFailSanity), "%v", err)
}

func TestFailMIC(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	d := newTestDecoder()
	d.Logger = logger

	frame := gen.NewBroadcast(1, 2, 3, 4, KnownCRCInits[5])
	frame[len(frame)-1] ^= 0x01

	_, err := d.DecodeBytes(frame)
	assert.True(t, xerrors.Is(err, ErrFailMIC), "%v", err)
	assert.Empty(t, hook.AllEntries())

	d.LogMIC = true
	_, err = d.DecodeBytes(frame)
	assert.True(t, xerrors.Is(err, ErrFailMIC), "%v", err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, hex.EncodeToString(frame), entry.Data["raw"])
	assert.Equal(t, "55", entry.Data["subtype"])
	assert.Equal(t, len(KnownCRCInits), entry.Data["attempts"])

	hook.Reset()
	frame[len(frame)-1] ^= 0x01
	_, err = d.DecodeBytes(frame)
	require.NoError(t, err)

	entry = hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "init5/0x23D1", entry.Data["crc"])
	assert.Equal(t, 6, entry.Data["attempts"])
}

func TestUnknownInit(t *testing.T) {
	d := newTestDecoder()
	frame := gen.NewBroadcast(1, 2, 3, 4, 0x1234)

	_, err := d.DecodeBytes(frame)
	assert.True(t, xerrors.Is(err, ErrFailMIC), "%v", err)

	d = NewDecoder([]uint16{0x1234})
	_, err = d.DecodeBytes(frame)
	assert.NoError(t, err)
}

func TestJSONFieldOrder(t *testing.T) {
	d := newTestDecoder()

	frame := gen.Addressed{Dest: 0x0A0B0C0D, Src: 0x01020304, SrcOffset: 26}.Frame(KnownCRCInits[0])
	msg, err := d.DecodeBytes(frame)
	require.NoError(t, err)

	js, err := msg.(Addressed).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t,
		`{"model":"LandisGyr GridStream","id":"01020304","destaddress":"0a0b0c0d","mic":"CRC"}`,
		string(js),
	)
}

func TestStats(t *testing.T) {
	var s Stats
	s.count(nil)
	s.count(xerrors.Errorf("wrapped: %w", ErrFailMIC))
	s.count(ErrAbortLength)
	s.count(ErrFailSanity)
	s.count(ErrFailSanity)

	assert.Equal(t, Stats{Rows: 5, Success: 1, AbortLength: 1, FailSanity: 2, FailMIC: 1}, s)
}

func BenchmarkDecodeRow(b *testing.B) {
	d := newTestDecoder()
	row := *gen.NewRow(3, gen.NewBroadcast(1, 2, 3, 4, KnownCRCInits[7]), 2)

	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		d.DecodeRow(row)
	}
}
