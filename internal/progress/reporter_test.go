package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ligustah/pakfetch/pkg/vpk"
)

func shard(idx int) vpk.ShardRef {
	return vpk.ShardRef{Base: "pak01", Index: idx}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{-5, "0 B"},
		{0, "0 B"},
		{100, "100 B"},
		{1536, "1.5 KiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatBytes(tt.input), "FormatBytes(%d)", tt.input)
	}
}

func TestReporterCounts(t *testing.T) {
	r := NewReporter(Options{TotalShards: 4, TotalSize: 1024})

	r.Started(shard(243))
	r.Started(shard(354))
	assert.Equal(t, Counts{Active: 2, Pending: 2}, r.Counts())

	r.Downloaded(shard(243), 256)
	r.Failed(shard(354))
	r.Cached(shard(356), 128)
	assert.Equal(t, Counts{Downloaded: 1, Cached: 1, Failed: 1, Pending: 1, Bytes: 384}, r.Counts())

	// A shard is counted once whatever it went through.
	r.Started(shard(354))
	r.Downloaded(shard(354), 256)
	c := r.Counts()
	assert.Equal(t, 2, c.Downloaded)
	assert.Equal(t, 0, c.Failed)
}

func TestReporterOutput(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(Options{
		TotalSize:      1024 * 1024,
		TotalShards:    3,
		Workers:        2,
		UpdateInterval: 5 * time.Millisecond,
		Container:      "pak01",
		Output:         &out,
	})
	r.Start()

	r.Started(shard(354))
	r.Cached(shard(243), 512*1024)
	time.Sleep(30 * time.Millisecond)
	r.Failed(shard(354))

	r.Stop()
	r.Stop()

	s := out.String()
	assert.Contains(t, s, "[pakfetch] Fetching: pak01")
	assert.Contains(t, s, "[pakfetch] 3 shards, 1.0 MiB, 2 workers")
	assert.Contains(t, s, "fetching pak01_354.vpk")
	assert.Contains(t, s, "Shards: 0 downloaded, 1 cached, 1 failed")
	assert.Contains(t, s, "failed: pak01_354.vpk")
	assert.Contains(t, s, "Total: 512 KiB")
}

func TestReporterStopWithoutStart(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(Options{Output: &out})
	r.Stop()
	r.Start()
	assert.Empty(t, out.String())
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	PrintSummary(&out, []FileSummary{
		{Name: "csgo_english.txt", Size: 2048, Lines: 10},
		{Name: "items_game.txt", Size: 1024, Lines: 5},
	})

	assert.Contains(t, out.String(), "csgo_english.txt")
	assert.Contains(t, out.String(), "2 files, 3.0 KiB")
}
