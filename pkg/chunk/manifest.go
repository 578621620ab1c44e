package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const generationLayout = "20060102T150405.000000000Z"

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest marks a published dataset generation as complete. It is written
// only after every part of the generation is in place.
type Manifest struct {
	Dataset           string
	TotalParts        int
	TotalRecords      int
	ChunkSize         int
	BaseFileName      string
	Compressed        bool
	GeneratedAt       time.Time
	UpstreamFreshness *time.Time
	// EncodingInferred is set when the decoded manifest carried no encoding.
	// Parts may then be stored with either extension.
	EncodingInferred bool
}

type manifestJSON struct {
	Dataset           string     `json:"dataset"`
	TotalParts        *int       `json:"totalParts,omitempty"`
	TotalChunks       *int       `json:"total_chunks,omitempty"`
	TotalRecords      int        `json:"totalRecords"`
	ChunkSize         int        `json:"chunkSize"`
	BaseFileName      string     `json:"baseFileName"`
	Encoding          string     `json:"encoding,omitempty"`
	GeneratedAt       time.Time  `json:"generated_at"`
	UpstreamFreshness *time.Time `json:"upstream_freshness,omitempty"`
}

const (
	encodingJSON     = "json"
	encodingJSONGzip = "json+gzip"
)

// MarshalJSON writes both part-count spellings so older readers keep working.
func (m Manifest) MarshalJSON() ([]byte, error) {
	parts := m.TotalParts
	enc := encodingJSON
	if m.Compressed {
		enc = encodingJSONGzip
	}
	if m.EncodingInferred {
		enc = ""
	}
	return json.Marshal(manifestJSON{
		Dataset:           m.Dataset,
		TotalParts:        &parts,
		TotalChunks:       &parts,
		TotalRecords:      m.TotalRecords,
		ChunkSize:         m.ChunkSize,
		BaseFileName:      m.BaseFileName,
		Encoding:          enc,
		GeneratedAt:       m.GeneratedAt.UTC(),
		UpstreamFreshness: m.UpstreamFreshness,
	})
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	var raw manifestJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	var parts int
	switch {
	case raw.TotalParts != nil && raw.TotalChunks != nil:
		if *raw.TotalParts != *raw.TotalChunks {
			return fmt.Errorf("%w: totalParts=%d disagrees with total_chunks=%d", ErrInvalidManifest, *raw.TotalParts, *raw.TotalChunks)
		}
		parts = *raw.TotalParts
	case raw.TotalParts != nil:
		parts = *raw.TotalParts
	case raw.TotalChunks != nil:
		parts = *raw.TotalChunks
	default:
		return fmt.Errorf("%w: missing part count", ErrInvalidManifest)
	}
	if parts < 0 || raw.TotalRecords < 0 {
		return fmt.Errorf("%w: negative counts", ErrInvalidManifest)
	}
	if parts > 0 && raw.BaseFileName == "" {
		return fmt.Errorf("%w: missing base file name", ErrInvalidManifest)
	}

	var compressed, inferred bool
	switch raw.Encoding {
	case encodingJSON:
	case encodingJSONGzip:
		compressed = true
	case "":
		compressed, inferred = true, true
	default:
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalidManifest, raw.Encoding)
	}

	*m = Manifest{
		Dataset:           raw.Dataset,
		TotalParts:        parts,
		TotalRecords:      raw.TotalRecords,
		ChunkSize:         raw.ChunkSize,
		BaseFileName:      raw.BaseFileName,
		Compressed:        compressed,
		GeneratedAt:       raw.GeneratedAt,
		UpstreamFreshness: raw.UpstreamFreshness,
		EncodingInferred:  inferred,
	}
	return nil
}

// Empty reports whether the generation has no records. An empty manifest is
// still a complete publication.
func (m Manifest) Empty() bool {
	return m.TotalParts == 0
}

// PartNames lists the object names of every part, in order.
func (m Manifest) PartNames() []string {
	names := make([]string, m.TotalParts)
	for i := range m.TotalParts {
		names[i] = PartName(m.BaseFileName, i+1, m.TotalParts, m.Compressed)
	}
	return names
}

// PartCandidates lists the names part (1-based) may be stored under, most
// likely first.
func (m Manifest) PartCandidates(part int) []string {
	name := PartName(m.BaseFileName, part, m.TotalParts, m.Compressed)
	if !m.EncodingInferred {
		return []string{name}
	}
	return []string{name, PartName(m.BaseFileName, part, m.TotalParts, !m.Compressed)}
}

// ReferencedNames lists every object name the manifest may refer to.
func (m Manifest) ReferencedNames() []string {
	var names []string
	for i := range m.TotalParts {
		names = append(names, m.PartCandidates(i+1)...)
	}
	return names
}

// BaseFileName derives a generation-unique base name from the generation
// time at nanosecond resolution and the run id. Two generations started in
// the same instant still differ by run id. An empty run id draws a random one.
func BaseFileName(dataset string, generatedAt time.Time, runID string) string {
	if runID == "" {
		runID = uuid.NewString()
	}
	runID = strings.ReplaceAll(runID, "-", "")
	if len(runID) > 12 {
		runID = runID[:12]
	}
	return fmt.Sprintf("%s_%s_%s", dataset, generatedAt.UTC().Format(generationLayout), runID)
}

func PartName(base string, part, total int, compressed bool) string {
	ext := ".json"
	if compressed {
		ext = ".json.gz"
	}
	return fmt.Sprintf("%s_part_%d_of_%d%s", base, part, total, ext)
}
