package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/rtlgridstream/gen"
	"github.com/bemasher/rtlgridstream/gridstream"
	"github.com/bemasher/rtlgridstream/parse"
	"github.com/bemasher/rtlgridstream/store"
)

func openStore(t *testing.T) *store.Store {
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "dump.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dumped(t *testing.T, buf *bytes.Buffer) (records []dumpRecord) {
	dec := json.NewDecoder(buf)
	for dec.More() {
		var r dumpRecord
		require.NoError(t, dec.Decode(&r))
		records = append(records, r)
	}
	return records
}

func TestDumpStore(t *testing.T) {
	s := openStore(t)

	crcInit := gridstream.KnownCRCInits[0]
	t0 := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	frames := [][]byte{
		gen.NewBroadcast(1, 2, 100, 0x0BADF00D, crcInit),
		gen.NewBroadcast(1, 2, 200, 0x0BADF00D, crcInit),
		gen.Addressed{Dest: 1, Src: 0x22222222, SrcOffset: 26}.Frame(crcInit),
	}
	for idx, frame := range frames {
		require.NoError(t, s.Save(parse.LogMessage{
			Time:    t0.Add(time.Duration(idx) * time.Hour),
			Message: decode(t, frame),
		}))
	}

	var buf bytes.Buffer
	require.NoError(t, DumpStore(&buf, s, t0.Add(time.Hour), nil))

	records := dumped(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "0badf00d", records[0].MeterID)
	assert.Equal(t, float64(200), records[0].Fields["uptime"])
	assert.Equal(t, "22222222", records[1].MeterID)
	assert.Equal(t, uint8(gridstream.SubtypeAddressed), records[1].Subtype)
	assert.True(t, t0.Add(2*time.Hour).Equal(records[1].Time))

	// Only the requested meters, unknown ids are skipped.
	buf.Reset()
	require.NoError(t, DumpStore(&buf, s, t0, []uint{0x0BADF00D, 0x33333333}))

	records = dumped(t, &buf)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "0badf00d", r.MeterID)
	}
}

func TestStoredID(t *testing.T) {
	assert.Equal(t, "0", storedID(0))
	assert.Equal(t, "0000beef", storedID(0xBEEF))
}

func TestLogStoreSummary(t *testing.T) {
	s := openStore(t)
	hook := test.NewGlobal()

	frame := gen.NewBroadcast(1, 2, 100, 0x0BADF00D, gridstream.KnownCRCInits[0])
	for idx := 0; idx < 2; idx++ {
		require.NoError(t, s.Save(parse.LogMessage{Time: time.Now(), Message: decode(t, frame)}))
	}

	logStoreSummary(s)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "database", entry.Message)
	assert.Equal(t, 1, entry.Data["meters"])
	assert.Equal(t, int64(2), entry.Data["messages"])
}
