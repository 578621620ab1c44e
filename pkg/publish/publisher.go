package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/metrics"
	"github.com/malbeclabs/fleetsync/pkg/retry"
)

const (
	manifestName       = "manifest.json"
	defaultConcurrency = 4
)

var ErrPublishFailed = errors.New("publication failed")

type PublisherConfig struct {
	Logger *slog.Logger
	Store  ObjectStore
	Clock  clockwork.Clock
	// Prefix is prepended to every key, e.g. "fleet/exports".
	Prefix      string
	Concurrency int
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// KeepStale skips pruning parts of previous generations.
	KeepStale bool
}

func (c *PublisherConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialWait <= 0 {
		c.InitialWait = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

type Publisher struct {
	log     *slog.Logger
	cfg     PublisherConfig
	store   ObjectStore
	retrier *retry.Retrier
	pool    pond.ResultPool[int]
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := retry.New(retry.Config{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		MaxAttempts: cfg.MaxAttempts,
		InitialWait: cfg.InitialWait,
		MaxWait:     cfg.MaxWait,
		Multiplier:  2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}
	return &Publisher{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   cfg.Store,
		retrier: r,
		pool:    pond.NewResultPool[int](cfg.Concurrency),
	}, nil
}

func (p *Publisher) Close() {
	p.pool.StopAndWait()
}

type PublishResult struct {
	Dataset     string
	Parts       int
	Attempts    int
	Retried     bool
	ManifestKey string
	Pruned      int
}

// Publish uploads every part of a generation and then its manifest. The
// manifest is withheld if any part cannot be uploaded, and the parts of the
// failed generation are removed on a best-effort basis.
func (p *Publisher) Publish(ctx context.Context, manifest chunk.Manifest, chunks []chunk.Chunk) (*PublishResult, error) {
	if len(chunks) != manifest.TotalParts {
		return nil, fmt.Errorf("%w: %s: manifest declares %d parts, got %d", ErrPublishFailed, manifest.Dataset, manifest.TotalParts, len(chunks))
	}

	res := &PublishResult{Dataset: manifest.Dataset, Parts: len(chunks), ManifestKey: ManifestKey(p.cfg.Prefix, manifest.Dataset)}
	var attempts atomic.Int64

	if len(chunks) > 0 {
		uploadCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			mu       sync.Mutex
			firstErr error
		)
		// Tasks report failures out of band so that Wait returns only after
		// every upload has settled.
		group := p.pool.NewGroupContext(ctx)
		for _, ch := range chunks {
			key := PartKey(p.cfg.Prefix, ch.Dataset, ch.Name)
			body := ch.Body
			group.Submit(func() int {
				n, err := p.retrier.Do(uploadCtx, "put "+key, func(ctx context.Context) error {
					metrics.UploadAttempts.WithLabelValues(manifest.Dataset).Inc()
					return p.store.PutObject(ctx, key, body)
				})
				attempts.Add(int64(n))
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
				}
				return n
			})
		}
		if _, err := group.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		res.Attempts = int(attempts.Load())
		if firstErr != nil {
			p.log.Error("publish: part upload failed, withholding manifest", "dataset", manifest.Dataset, "error", firstErr)
			p.removeGeneration(context.WithoutCancel(ctx), manifest)
			return res, fmt.Errorf("%w: %s: %w", ErrPublishFailed, manifest.Dataset, firstErr)
		}
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return res, fmt.Errorf("failed to encode manifest: %w", err)
	}
	n, err := p.retrier.Do(ctx, "put "+res.ManifestKey, func(ctx context.Context) error {
		metrics.UploadAttempts.WithLabelValues(manifest.Dataset).Inc()
		return p.store.PutObject(ctx, res.ManifestKey, body)
	})
	attempts.Add(int64(n))
	res.Attempts = int(attempts.Load())
	if err != nil {
		p.log.Error("publish: manifest upload failed", "dataset", manifest.Dataset, "error", err)
		p.removeGeneration(context.WithoutCancel(ctx), manifest)
		return res, fmt.Errorf("%w: %s: manifest: %w", ErrPublishFailed, manifest.Dataset, err)
	}
	res.Retried = res.Attempts > len(chunks)+1

	if !p.cfg.KeepStale {
		pruned, err := p.pruneStale(ctx, manifest)
		if err != nil {
			p.log.Warn("publish: failed to prune stale parts", "dataset", manifest.Dataset, "error", err)
		}
		res.Pruned = pruned
	}

	p.log.Info("publish: dataset published",
		"dataset", manifest.Dataset,
		"parts", manifest.TotalParts,
		"records", manifest.TotalRecords,
		"attempts", res.Attempts,
		"pruned", res.Pruned)
	return res, nil
}

// removeGeneration deletes the parts of a failed generation. Keys the live
// manifest references are kept even when the names coincide.
func (p *Publisher) removeGeneration(ctx context.Context, manifest chunk.Manifest) {
	live := make(map[string]struct{})
	current, err := loadManifest(ctx, p.store, p.cfg.Prefix, manifest.Dataset)
	switch {
	case err == nil:
		for _, name := range current.ReferencedNames() {
			live[PartKey(p.cfg.Prefix, current.Dataset, name)] = struct{}{}
		}
	case errors.Is(err, ErrNotPublished):
	default:
		p.log.Warn("publish: cannot read live manifest, keeping failed generation", "dataset", manifest.Dataset, "error", err)
		return
	}

	for _, name := range manifest.PartNames() {
		key := PartKey(p.cfg.Prefix, manifest.Dataset, name)
		if _, ok := live[key]; ok {
			p.log.Warn("publish: failed generation shares a live part, keeping it", "key", key)
			continue
		}
		if err := p.store.DeleteObject(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			p.log.Warn("publish: failed to remove part of failed generation", "key", key, "error", err)
		}
	}
}

// pruneStale deletes parts of the dataset that the current manifest does not
// reference.
func (p *Publisher) pruneStale(ctx context.Context, manifest chunk.Manifest) (int, error) {
	orphans, err := orphanKeys(ctx, p.store, p.cfg.Prefix, manifest)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, key := range orphans {
		if err := p.store.DeleteObject(ctx, key); err != nil {
			p.log.Warn("publish: failed to delete stale part", "key", key, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

func orphanKeys(ctx context.Context, store ObjectStore, prefix string, manifest chunk.Manifest) ([]string, error) {
	keys, err := store.ListObjects(ctx, DatasetPrefix(prefix, manifest.Dataset))
	if err != nil {
		return nil, err
	}
	current := make(map[string]struct{}, manifest.TotalParts)
	for _, name := range manifest.ReferencedNames() {
		current[PartKey(prefix, manifest.Dataset, name)] = struct{}{}
	}
	var orphans []string
	for _, key := range keys {
		if _, ok := current[key]; ok {
			continue
		}
		if !strings.Contains(path.Base(key), "_part_") {
			continue
		}
		orphans = append(orphans, key)
	}
	return orphans, nil
}

func DatasetPrefix(prefix, dataset string) string {
	if prefix == "" {
		return dataset + "/"
	}
	return prefix + "/" + dataset + "/"
}

func PartKey(prefix, dataset, name string) string {
	return DatasetPrefix(prefix, dataset) + name
}

func ManifestKey(prefix, dataset string) string {
	return DatasetPrefix(prefix, dataset) + manifestName
}
