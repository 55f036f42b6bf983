package gridstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/rtlgridstream/gen"
	"github.com/bemasher/rtlgridstream/parse"
)

// transmit modulates frames separated by enough silence to end each row and
// pads the result to a whole number of blocks.
func transmit(blockSize2 int, frames ...[]byte) []byte {
	m := gen.FSK{SampleRate: 250000, DataRate: 9600, Deviation: 25000, Amplitude: 0.8}

	iq := gen.Silence(1000)
	for _, frame := range frames {
		iq = append(iq, m.Modulate(*gen.NewRow(8, frame, 16))...)
		iq = append(iq, gen.Silence(6000)...)
	}

	if rem := len(iq) % blockSize2; rem != 0 {
		iq = append(iq, gen.Silence((blockSize2-rem)>>1)...)
	}

	return iq
}

func receive(t *testing.T, p parse.Parser, iq []byte) (msgs []parse.Message) {
	cfg := p.Cfg()
	for offset := 0; offset < len(iq); offset += cfg.BlockSize2 {
		rows, err := p.Dec().Decode(iq[offset : offset+cfg.BlockSize2])
		require.NoError(t, err)
		msgs = append(msgs, p.Parse(rows)...)
	}
	return append(msgs, p.Parse(p.Dec().Flush())...)
}

func TestRegistered(t *testing.T) {
	p, err := parse.NewParser("gridstream", parse.Options{})
	require.NoError(t, err)

	cfg := p.Cfg()
	assert.Equal(t, uint32(915000000), cfg.CenterFreq)
	assert.InDelta(t, 26.04, cfg.SymbolLength, 0.01)
	assert.Equal(t, 8192, cfg.BlockSize)
	assert.Equal(t, cfg.BlockSize<<1, cfg.BlockSize2)

	_, err = parse.NewParser("gridstream", parse.Options{Layout: "sideways"})
	assert.Error(t, err)
}

func TestPipeline(t *testing.T) {
	for _, decimation := range []int{0, 1, 2} {
		p, err := parse.NewParser("gridstream", parse.Options{
			Decimation: decimation,
			Location:   time.UTC,
		})
		require.NoError(t, err)

		frames := [][]byte{
			gen.NewBroadcast(0xAABBCCDDEEFF, 0x112233445566, 3600, 0x00ABCDEF, KnownCRCInits[1]),
			gen.Addressed{
				Dest:      0x01020304,
				Src:       0x12345678,
				SrcOffset: 26,
				Long:      true,
				Timestamp: 1700000000,
				Uptime:    0x00091234,
				WAN:       0xA0B0C0D0E0F0,
			}.Frame(KnownCRCInits[6]),
		}

		msgs := receive(t, p, transmit(p.Cfg().BlockSize2, frames...))
		require.Len(t, msgs, 2, "decimation %d", decimation)

		assert.Equal(t, "00abcdef", value(t, msgs[0], "id"))
		assert.Equal(t, int64(3600), value(t, msgs[0], "uptime"))

		assert.Equal(t, "12345678", value(t, msgs[1], "id"))
		assert.Equal(t, "2023-11-14 22:13:20", value(t, msgs[1], "timestamp"))

		stats := p.(*Parser).Stats
		assert.Equal(t, 2, stats.Success)
	}
}

func TestPipelineBadCRC(t *testing.T) {
	p, err := parse.NewParser("gridstream", parse.Options{})
	require.NoError(t, err)

	frame := gen.NewBroadcast(1, 2, 3, 4, 0xBEEF)
	msgs := receive(t, p, transmit(p.Cfg().BlockSize2, frame))
	assert.Empty(t, msgs)
	assert.Equal(t, 1, p.(*Parser).Stats.FailMIC)
}

func TestPipelineCustomInits(t *testing.T) {
	p, err := parse.NewParser("gridstream", parse.Options{CRCInits: []uint16{0xBEEF}})
	require.NoError(t, err)

	frame := gen.NewBroadcast(1, 2, 3, 4, 0xBEEF)
	msgs := receive(t, p, transmit(p.Cfg().BlockSize2, frame))
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(4), msgs[0].MeterID())
}
