package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
)

var (
	ErrNotPublished = errors.New("dataset not published")
	// ErrIncomplete means a manifest exists but its generation cannot be read
	// in full. Consumers must not use partial data.
	ErrIncomplete = errors.New("publication incomplete")
)

type Reader struct {
	log    *slog.Logger
	store  ObjectStore
	prefix string
}

func NewReader(log *slog.Logger, store ObjectStore, prefix string) *Reader {
	return &Reader{log: log, store: store, prefix: trimPrefix(prefix)}
}

type Publication struct {
	Manifest chunk.Manifest
	Records  []dataset.Record
}

func (r *Reader) Manifest(ctx context.Context, name string) (*chunk.Manifest, error) {
	m, err := loadManifest(ctx, r.store, r.prefix, name)
	if err != nil {
		return nil, err
	}
	if m.EncodingInferred {
		r.log.Debug("publish: manifest has no encoding, accepting either part extension", "dataset", name)
	}
	return m, nil
}

// loadManifest fetches and decodes the current manifest of a dataset. A
// manifest without a dataset field is attributed to the dataset it is
// stored under.
func loadManifest(ctx context.Context, store ObjectStore, prefix, name string) (*chunk.Manifest, error) {
	key := ManifestKey(prefix, name)
	body, err := store.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotPublished, name)
		}
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", key, err)
	}
	var m chunk.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	if m.Dataset == "" {
		m.Dataset = name
	}
	if m.Dataset != name {
		return nil, fmt.Errorf("%w: manifest %s names dataset %q", chunk.ErrInvalidManifest, key, m.Dataset)
	}
	return &m, nil
}

// Read returns every record of the current generation, or ErrIncomplete if
// any part is missing or the record total disagrees with the manifest.
func (r *Reader) Read(ctx context.Context, name string) (*Publication, error) {
	m, err := r.Manifest(ctx, name)
	if err != nil {
		return nil, err
	}
	pub := &Publication{Manifest: *m}
	if m.Empty() {
		return pub, nil
	}

	for part := 1; part <= m.TotalParts; part++ {
		body, err := r.fetchPart(ctx, name, m.PartCandidates(part))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s: part %d of %d missing", ErrIncomplete, name, part, m.TotalParts)
			}
			return nil, err
		}
		records, err := chunk.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: part %d: %w", ErrIncomplete, name, part, err)
		}
		pub.Records = append(pub.Records, records...)
	}
	if len(pub.Records) != m.TotalRecords {
		return nil, fmt.Errorf("%w: %s: manifest declares %d records, parts hold %d", ErrIncomplete, name, m.TotalRecords, len(pub.Records))
	}
	return pub, nil
}

// fetchPart returns the first candidate that exists, or ErrNotFound.
func (r *Reader) fetchPart(ctx context.Context, name string, candidates []string) ([]byte, error) {
	for _, partName := range candidates {
		key := PartKey(r.prefix, name, partName)
		body, err := r.store.GetObject(ctx, key)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
	}
	return nil, ErrNotFound
}

type Completeness struct {
	Manifest chunk.Manifest
	Missing  []string
	Orphans  []string
}

func (c Completeness) Complete() bool {
	return len(c.Missing) == 0
}

// Check reports which parts of the current generation are missing and which
// stored parts the manifest does not reference.
func (r *Reader) Check(ctx context.Context, name string) (*Completeness, error) {
	m, err := r.Manifest(ctx, name)
	if err != nil {
		return nil, err
	}
	keys, err := r.store.ListObjects(ctx, DatasetPrefix(r.prefix, name))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", name, err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}
	out := &Completeness{Manifest: *m}
	for part := 1; part <= m.TotalParts; part++ {
		candidates := m.PartCandidates(part)
		found := false
		for _, partName := range candidates {
			if _, ok := present[PartKey(r.prefix, name, partName)]; ok {
				found = true
				break
			}
		}
		if !found {
			out.Missing = append(out.Missing, candidates[0])
		}
	}
	out.Orphans, err = orphanKeys(ctx, r.store, r.prefix, *m)
	if err != nil {
		return nil, err
	}
	return out, nil
}
