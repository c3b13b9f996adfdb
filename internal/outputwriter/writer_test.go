package outputwriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

func TestSingleSegmentNoSuffix(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "job.json")

	w := New(base, 0, 0, true)
	require.NoError(t, w.Add(model.CrawledRecord{Title: "t1", URL: "https://example.test/", HTML: "hello"}))

	paths, err := w.Flush()
	require.NoError(t, err)
	require.Equal(t, []string{base}, paths)

	data, err := os.ReadFile(base)
	require.NoError(t, err)

	var records []model.CrawledRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	require.Equal(t, "https://example.test/", records[0].URL)
}

func TestMultiSegmentByteCap(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "job.json")

	w := New(base, 1, 0, true) // 1MB cap, unlimited tokens

	// Write enough large records that the 1MB cap rolls over multiple times.
	big := make([]byte, 200*1024)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Add(model.CrawledRecord{Title: "t", URL: "https://example.test/p", HTML: string(big)}))
	}

	paths, err := w.Flush()
	require.NoError(t, err)
	require.Greater(t, len(paths), 1)
	require.Equal(t, filepath.Join(dir, "job-1.json"), paths[0])
}

func TestNoRecordsProducesNoFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "job.json")
	w := New(base, 0, 0, true)

	paths, err := w.Flush()
	require.NoError(t, err)
	require.Empty(t, paths)

	_, err = os.Stat(base)
	require.True(t, os.IsNotExist(err))
}

func TestDeterministicOutput(t *testing.T) {
	dir := t.TempDir()
	records := []model.CrawledRecord{
		{Title: "a", URL: "https://example.test/a", HTML: "A"},
		{Title: "b", URL: "https://example.test/b", HTML: "B"},
	}

	run := func(name string) []byte {
		base := filepath.Join(dir, name)
		w := New(base, 0, 0, true)
		for _, r := range records {
			require.NoError(t, w.Add(r))
		}
		paths, err := w.Flush()
		require.NoError(t, err)
		require.Len(t, paths, 1)
		data, err := os.ReadFile(paths[0])
		require.NoError(t, err)
		return data
	}

	first := run("one.json")
	second := run("two.json")
	require.Equal(t, first, second)
}
