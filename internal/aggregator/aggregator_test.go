package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeConcatenatesArraysInOrder(t *testing.T) {
	dir := t.TempDir()
	a := &Aggregator{Logger: nil}

	file1 := filepath.Join(dir, "a.json")
	file2 := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(file1, []byte(`[{"title":"one"}]`), 0o644))
	require.NoError(t, os.WriteFile(file2, []byte(`[{"title":"two"},{"title":"three"}]`), 0o644))

	out := filepath.Join(dir, "job.json")
	err := a.merge(out, []TaskOutcome{
		{TaskName: "t1", File: file1},
		{TaskName: "t2", File: file2},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 3)
	require.Equal(t, "one", records[0]["title"])
	require.Equal(t, "two", records[1]["title"])
	require.Equal(t, "three", records[2]["title"])
}

func TestMergeHandlesSingleObjectFile(t *testing.T) {
	dir := t.TempDir()
	a := &Aggregator{Logger: nil}

	file := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"title":"solo"}`), 0o644))

	out := filepath.Join(dir, "job.json")
	require.NoError(t, a.merge(out, []TaskOutcome{{TaskName: "t1", File: file}}))

	var records []map[string]interface{}
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	require.Equal(t, "solo", records[0]["title"])
}

func TestFirstNonSpaceSkipsWhitespace(t *testing.T) {
	require.Equal(t, byte('['), firstNonSpace([]byte("  \n\t[1,2]")))
	require.Equal(t, byte('{'), firstNonSpace([]byte("{}")))
	require.Equal(t, byte(0), firstNonSpace([]byte("   ")))
}
