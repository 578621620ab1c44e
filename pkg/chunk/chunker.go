package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/transform"
)

const (
	defaultMaxRecords = 5000
	defaultMaxBytes   = 4 << 20
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	MaxRecords int
	// MaxBytes bounds the uncompressed JSON payload of a chunk. A single
	// record larger than the bound is emitted as its own chunk.
	MaxBytes     int
	Uncompressed bool
	// SpoolDir, when set, receives every part on disk. Parts are written
	// under provisional names and renamed once the total is known.
	SpoolDir string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxRecords == 0 {
		c.MaxRecords = defaultMaxRecords
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MaxRecords < 0 || c.MaxBytes < 0 {
		return fmt.Errorf("chunk bounds must be positive")
	}
	return nil
}

// Chunk is one immutable part of a dataset generation.
type Chunk struct {
	Dataset    string
	Part       int
	TotalParts int
	Name       string
	Columns    []string
	Rows       []transform.Row
	// Size is the uncompressed payload size in bytes.
	Size int
	Body []byte
	Path string
}

type Input struct {
	Dataset           string
	Columns           []string
	Rows              []transform.Row
	UpstreamFreshness *time.Time
	// RunID distinguishes generations of the same dataset. A random id is
	// used when empty.
	RunID string
}

type Result struct {
	Chunks   []Chunk
	Manifest Manifest
}

type Chunker struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{log: cfg.Logger, cfg: cfg}, nil
}

// Split partitions rows into bounded chunks and builds the generation
// manifest. Zero rows yield a manifest with TotalParts=0 and no chunks.
func (c *Chunker) Split(in Input) (*Result, error) {
	generatedAt := c.cfg.Clock.Now().UTC()
	base := BaseFileName(in.Dataset, generatedAt, in.RunID)
	compressed := !c.cfg.Uncompressed

	encoded := make([][]byte, len(in.Rows))
	for i, row := range in.Rows {
		b, err := encodeRow(in.Columns, row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row %d of %s: %w", i, in.Dataset, err)
		}
		encoded[i] = b
	}

	var chunks []Chunk
	var offsets []int
	start, size := 0, 0
	flush := func(end int) {
		offsets = append(offsets, start)
		chunks = append(chunks, Chunk{
			Dataset: in.Dataset,
			Part:    len(chunks) + 1,
			Columns: in.Columns,
			Rows:    in.Rows[start:end],
			Size:    size,
		})
		start, size = end, 0
	}
	for i, b := range encoded {
		w := len(b) + 1
		count := i - start
		if count > 0 && (count >= c.cfg.MaxRecords || size+w > c.cfg.MaxBytes) {
			flush(i)
		}
		size += w
	}
	if start < len(in.Rows) {
		flush(len(in.Rows))
	}

	provisional := make([]string, len(chunks))
	for i := range chunks {
		ch := &chunks[i]
		body, err := encodeBody(encoded[offsets[i]:offsets[i]+len(ch.Rows)], compressed)
		if err != nil {
			return nil, fmt.Errorf("failed to encode part %d of %s: %w", ch.Part, in.Dataset, err)
		}
		ch.Body = body
		if c.cfg.SpoolDir != "" {
			provisional[i] = filepath.Join(c.cfg.SpoolDir, fmt.Sprintf("%s_part_%d.tmp", base, ch.Part))
			if err := os.WriteFile(provisional[i], body, 0o644); err != nil {
				return nil, fmt.Errorf("failed to spool part %d of %s: %w", ch.Part, in.Dataset, err)
			}
		}
	}

	total := len(chunks)
	for i := range chunks {
		ch := &chunks[i]
		ch.TotalParts = total
		ch.Name = PartName(base, ch.Part, total, compressed)
		if provisional[i] != "" {
			final := filepath.Join(c.cfg.SpoolDir, ch.Name)
			if err := os.Rename(provisional[i], final); err != nil {
				return nil, fmt.Errorf("failed to finalize spooled part %d of %s: %w", ch.Part, in.Dataset, err)
			}
			ch.Path = final
		}
	}

	manifest := Manifest{
		Dataset:           in.Dataset,
		TotalParts:        total,
		TotalRecords:      len(in.Rows),
		ChunkSize:         c.cfg.MaxRecords,
		BaseFileName:      base,
		Compressed:        compressed,
		GeneratedAt:       generatedAt,
		UpstreamFreshness: in.UpstreamFreshness,
	}
	c.log.Debug("chunk: split dataset", "dataset", in.Dataset, "records", len(in.Rows), "parts", total, "base", base)
	return &Result{Chunks: chunks, Manifest: manifest}, nil
}

func encodeRow(columns []string, row transform.Row) ([]byte, error) {
	obj := make(map[string]transform.Value, len(columns))
	for i, col := range columns {
		obj[col] = row[i]
	}
	return json.Marshal(obj)
}

func encodeBody(rows [][]byte, compressed bool) ([]byte, error) {
	var payload bytes.Buffer
	payload.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			payload.WriteByte(',')
		}
		payload.Write(r)
	}
	payload.WriteByte(']')
	if !compressed {
		return payload.Bytes(), nil
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(payload.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Decode reads a part body back into records. Gzip payloads are detected by
// their magic bytes.
func Decode(body []byte) ([]dataset.Record, error) {
	var r io.Reader = bytes.NewReader(body)
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip part: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var records []dataset.Record
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode part: %w", err)
	}
	return records, nil
}
