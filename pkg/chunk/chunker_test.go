package chunk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/transform"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func testChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg.Clock = clockwork.NewFakeClockAt(testNow)
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func plateRows(n int) []transform.Row {
	rows := make([]transform.Row, n)
	for i := range n {
		rows[i] = transform.Row{
			{Kind: dataset.KindString, V: fmt.Sprintf("PLT%04d", i), Valid: true},
			{Kind: dataset.KindInteger, V: int64(i), Valid: true},
		}
	}
	return rows
}

func TestChunker_Split(t *testing.T) {
	t.Parallel()

	t.Run("bounded_by_record_count", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{MaxRecords: 4})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate", "odometer"}, Rows: plateRows(10), RunID: "7f3a9c1e-0b2d-4e5f-8a6b-1c2d3e4f5a6b"})
		require.NoError(t, err)
		require.Len(t, res.Chunks, 3)
		require.Equal(t, 3, res.Manifest.TotalParts)
		require.Equal(t, 10, res.Manifest.TotalRecords)
		require.Equal(t, "vehicles_20261018T120000.000000000Z_7f3a9c1e0b2d", res.Manifest.BaseFileName)

		for i, ch := range res.Chunks {
			require.Equal(t, i+1, ch.Part)
			require.Equal(t, 3, ch.TotalParts)
			require.Equal(t, fmt.Sprintf("vehicles_20261018T120000.000000000Z_7f3a9c1e0b2d_part_%d_of_3.json.gz", i+1), ch.Name)
		}
		require.Len(t, res.Chunks[2].Rows, 2)
		require.Equal(t, res.Manifest.PartNames(), []string{res.Chunks[0].Name, res.Chunks[1].Name, res.Chunks[2].Name})
	})

	t.Run("bounded_by_bytes", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{MaxRecords: 1000, MaxBytes: 80, Uncompressed: true})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate", "odometer"}, Rows: plateRows(6)})
		require.NoError(t, err)
		require.Greater(t, len(res.Chunks), 1)
		total := 0
		for _, ch := range res.Chunks {
			require.LessOrEqual(t, ch.Size, 80)
			require.True(t, strings.HasSuffix(ch.Name, ".json"))
			total += len(ch.Rows)
		}
		require.Equal(t, 6, total)
	})

	t.Run("oversize_record_gets_own_chunk", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{MaxBytes: 10})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate", "odometer"}, Rows: plateRows(2)})
		require.NoError(t, err)
		require.Len(t, res.Chunks, 2)
		require.Len(t, res.Chunks[0].Rows, 1)
	})

	t.Run("zero_records_yield_empty_manifest", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate"}})
		require.NoError(t, err)
		require.Empty(t, res.Chunks)
		require.True(t, res.Manifest.Empty())
		require.Empty(t, res.Manifest.PartNames())
	})

	t.Run("spooled_parts_renamed_to_final_names", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		c := testChunker(t, Config{MaxRecords: 2, SpoolDir: dir})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate", "odometer"}, Rows: plateRows(3), RunID: "run1"})
		require.NoError(t, err)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		require.ElementsMatch(t, []string{
			"vehicles_20261018T120000.000000000Z_run1_part_1_of_2.json.gz",
			"vehicles_20261018T120000.000000000Z_run1_part_2_of_2.json.gz",
		}, names)
		require.Equal(t, filepath.Join(dir, res.Chunks[1].Name), res.Chunks[1].Path)
	})

	t.Run("decode_recovers_records", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{})

		res, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate", "odometer"}, Rows: plateRows(3)})
		require.NoError(t, err)
		records, err := Decode(res.Chunks[0].Body)
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, "PLT0002", records[2]["plate"])
		require.Equal(t, json.Number("2"), records[2]["odometer"])
	})
}

func TestBaseFileName(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 10, 18, 12, 0, 0, 123456789, time.UTC)
	require.Equal(t, "vehicles_20261018T120000.123456789Z_0b2d4e5f8a6b", BaseFileName("vehicles", at, "0b2d4e5f-8a6b-4c2d-9e4f-5a6b7c8d9e0f"))

	t.Run("same_instant_without_run_id_differs", func(t *testing.T) {
		t.Parallel()
		c := testChunker(t, Config{})
		a, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate"}, Rows: plateRows(1)})
		require.NoError(t, err)
		b, err := c.Split(Input{Dataset: "vehicles", Columns: []string{"plate"}, Rows: plateRows(1)})
		require.NoError(t, err)
		require.Equal(t, a.Manifest.GeneratedAt, b.Manifest.GeneratedAt)
		require.NotEqual(t, a.Manifest.BaseFileName, b.Manifest.BaseFileName)
	})
}

func TestManifest_JSON(t *testing.T) {
	t.Parallel()

	t.Run("writes_both_part_count_aliases", func(t *testing.T) {
		t.Parallel()
		m := Manifest{Dataset: "vehicles", TotalParts: 2, TotalRecords: 7, ChunkSize: 5, BaseFileName: "vehicles_x", Compressed: true, GeneratedAt: testNow}
		b, err := json.Marshal(m)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(b, &raw))
		require.EqualValues(t, 2, raw["totalParts"])
		require.EqualValues(t, 2, raw["total_chunks"])
		require.Equal(t, "2026-10-18T12:00:00Z", raw["generated_at"])

		var back Manifest
		require.NoError(t, json.Unmarshal(b, &back))
		require.Equal(t, m.PartNames(), back.PartNames())
	})

	t.Run("accepts_legacy_alias", func(t *testing.T) {
		t.Parallel()
		var m Manifest
		err := json.Unmarshal([]byte(`{"dataset":"vehicles","total_chunks":3,"totalRecords":9,"baseFileName":"vehicles_x","generated_at":"2026-10-18T12:00:00Z"}`), &m)
		require.NoError(t, err)
		require.Equal(t, 3, m.TotalParts)
		require.True(t, m.Compressed)
		require.True(t, m.EncodingInferred)
		require.Equal(t, []string{"vehicles_x_part_2_of_3.json.gz", "vehicles_x_part_2_of_3.json"}, m.PartCandidates(2))
	})

	t.Run("accepts_missing_dataset", func(t *testing.T) {
		t.Parallel()
		var m Manifest
		err := json.Unmarshal([]byte(`{"totalParts":0,"total_chunks":0,"totalRecords":0,"chunkSize":5000,"baseFileName":"vehicles_x","generated_at":"2026-10-18T12:00:00Z"}`), &m)
		require.NoError(t, err)
		require.Empty(t, m.Dataset)
		require.True(t, m.Empty())
	})

	t.Run("recorded_encoding_is_exact", func(t *testing.T) {
		t.Parallel()
		var m Manifest
		err := json.Unmarshal([]byte(`{"dataset":"vehicles","totalParts":1,"baseFileName":"vehicles_x","encoding":"json"}`), &m)
		require.NoError(t, err)
		require.False(t, m.Compressed)
		require.Equal(t, []string{"vehicles_x_part_1_of_1.json"}, m.PartCandidates(1))

		err = json.Unmarshal([]byte(`{"dataset":"vehicles","totalParts":1,"baseFileName":"vehicles_x","encoding":"parquet"}`), &m)
		require.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("rejects_disagreeing_aliases", func(t *testing.T) {
		t.Parallel()
		var m Manifest
		err := json.Unmarshal([]byte(`{"dataset":"vehicles","totalParts":3,"total_chunks":2,"baseFileName":"b"}`), &m)
		require.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("rejects_missing_part_count", func(t *testing.T) {
		t.Parallel()
		var m Manifest
		err := json.Unmarshal([]byte(`{"dataset":"vehicles"}`), &m)
		require.ErrorIs(t, err, ErrInvalidManifest)
	})
}
