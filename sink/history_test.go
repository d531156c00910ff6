package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Fatalf("close history: %v", err)
		}
	})
	return h
}

func TestHistoryRecordLatest(t *testing.T) {
	h := openTestHistory(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return at }

	require.NoError(t, h.Record("chamber", 100.5, 0.25))
	require.NoError(t, h.Record("chamber", 101.0, 0.5))
	require.NoError(t, h.Record("bed", 101.2, -0.1))

	got, err := h.Latest("chamber", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Reading{Chip: "chamber", ReadTime: 101.0, Value: 0.5, RecordedAt: at}, got[0])
	assert.Equal(t, 100.5, got[1].ReadTime)

	got, err = h.Latest("chamber", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = h.Latest("missing", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistoryCallback(t *testing.T) {
	h := openTestHistory(t)
	record := Fanout(h.Callback("chamber"), nil)
	for i := 0; i < 5; i++ {
		record(float64(i), float64(i)/10)
	}
	h.Flush()

	got, err := h.Latest("chamber", 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 4.0, got[0].ReadTime)
	assert.Equal(t, 0.0, got[4].Value)
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(":memory:")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dir := t.TempDir()
	dsn, err = buildDSN(dir + "/data/history.db")
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/data/history.db?_busy_timeout=5000&_journal_mode=WAL", dsn)
	assert.DirExists(t, dir+"/data")

	dsn, err = buildDSN("file:test.db?cache=shared")
	require.NoError(t, err)
	assert.Equal(t, "file:test.db?cache=shared&_busy_timeout=5000&_journal_mode=WAL", dsn)
}
