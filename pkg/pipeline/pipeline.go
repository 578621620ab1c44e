package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/duck"
	"github.com/malbeclabs/fleetsync/pkg/metrics"
	"github.com/malbeclabs/fleetsync/pkg/publish"
	"github.com/malbeclabs/fleetsync/pkg/source"
	"github.com/malbeclabs/fleetsync/pkg/transform"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusRetried succeeded after retries or with degraded extraction.
	StatusRetried Status = "retried"
	// StatusPartial means one of load or publish failed.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Registry    *dataset.Registry
	Extractor   *source.Extractor
	Transformer *transform.Transformer
	Chunker     *chunk.Chunker
	// Loader and Publisher are optional; a nil stage is skipped.
	Loader    *duck.Loader
	Publisher *publish.Publisher
	// Timeline runs after every dataset has settled when set.
	Timeline       *TimelineJob
	MaxConcurrency int
	// PageSize > 0 extracts in pages of that many records.
	PageSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Extractor == nil {
		return errors.New("extractor is required")
	}
	if c.Chunker == nil {
		return errors.New("chunker is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Transformer == nil {
		c.Transformer = transform.New(c.Logger)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	return nil
}

type DatasetResult struct {
	Dataset   string
	Status    Status
	Extracted int
	Degraded  bool
	Rows      int
	Stats     transform.Stats
	Parts     int
	Loaded    int64
	// LoadAttempts and UploadAttempts include retries.
	LoadAttempts   int
	UploadAttempts int
	LoadErr        error
	PublishErr     error
	Err            error
	Duration       time.Duration
}

type Summary struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Datasets  []DatasetResult
	Succeeded int
	Failed    int
	Timeline  *TimelineOutcome
	// TimelineErr is set when the timeline step failed.
	TimelineErr error
}

// OK reports whether every dataset and the timeline step completed.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.TimelineErr == nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Run syncs the named datasets, or every dataset when names is empty. Each
// dataset is isolated: its failure is recorded in the summary and never
// stops the others. params narrows individual datasets.
func (p *Pipeline) Run(ctx context.Context, names []string, params map[string]source.Params) (*Summary, error) {
	descs, err := p.cfg.Registry.Select(names)
	if err != nil {
		return nil, err
	}

	start := p.cfg.Clock.Now()
	sum := &Summary{RunID: uuid.NewString(), StartedAt: start.UTC()}
	results := make([]DatasetResult, len(descs))

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, desc := range descs {
		g.Go(func() error {
			results[i] = p.runDataset(ctx, sum.RunID, desc, params[desc.Name])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		metrics.DatasetRuns.WithLabelValues(r.Dataset, string(r.Status)).Inc()
		if r.Status == StatusFailed {
			sum.Failed++
		} else {
			sum.Succeeded++
		}
	}
	sum.Datasets = results

	if p.cfg.Timeline != nil {
		out, err := p.cfg.Timeline.Run(ctx, sum.RunID)
		if err != nil {
			p.log.Error("pipeline: timeline failed", "error", err)
			sum.TimelineErr = err
		}
		sum.Timeline = out
	}

	sum.Duration = p.cfg.Clock.Since(start)
	metrics.RunDuration.Observe(sum.Duration.Seconds())
	p.log.Info("pipeline: run completed",
		"run_id", sum.RunID,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"duration", sum.Duration.String())
	return sum, nil
}

func (p *Pipeline) runDataset(ctx context.Context, runID string, desc *dataset.Descriptor, params source.Params) DatasetResult {
	start := p.cfg.Clock.Now()
	res := DatasetResult{Dataset: desc.Name}
	log := p.log.With("dataset", desc.Name)

	fail := func(err error) DatasetResult {
		log.Error("pipeline: dataset failed", "error", err)
		res.Status = StatusFailed
		res.Err = err
		res.Duration = p.cfg.Clock.Since(start)
		return res
	}

	records, degraded, err := p.extract(ctx, desc, params)
	if err != nil {
		return fail(err)
	}
	res.Extracted = len(records)
	res.Degraded = degraded

	rows, stats := p.cfg.Transformer.Apply(desc, records)
	res.Rows = len(rows)
	res.Stats = stats
	metrics.DataErrors.WithLabelValues(desc.Name).Add(float64(stats.MissingValues))

	split, err := p.cfg.Chunker.Split(chunk.Input{
		Dataset:           desc.Name,
		Columns:           desc.ColumnNames(),
		Rows:              rows,
		UpstreamFreshness: upstreamFreshness(desc, rows),
		RunID:             runID,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to chunk %s: %w", desc.Name, err))
	}
	res.Parts = split.Manifest.TotalParts

	// Load and publish read the same immutable chunks and are independent.
	var g errgroup.Group
	if p.cfg.Loader != nil {
		g.Go(func() error {
			lr, err := p.load(ctx, runID, desc, split)
			if err != nil {
				res.LoadErr = err
				return nil
			}
			res.Loaded = lr.Rows
			res.LoadAttempts = lr.Attempts
			metrics.RecordsLoaded.WithLabelValues(desc.Name).Set(float64(lr.Rows))
			return nil
		})
	}
	if p.cfg.Publisher != nil {
		g.Go(func() error {
			pr, err := p.cfg.Publisher.Publish(ctx, split.Manifest, split.Chunks)
			if pr != nil {
				res.UploadAttempts = pr.Attempts
			}
			if err != nil {
				res.PublishErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Status = statusOf(res, p.cfg.Loader != nil, p.cfg.Publisher != nil, split.Manifest.TotalParts)
	switch res.Status {
	case StatusFailed:
		res.Err = errors.Join(res.LoadErr, res.PublishErr)
		log.Error("pipeline: dataset failed", "error", res.Err)
	case StatusPartial:
		res.Err = errors.Join(res.LoadErr, res.PublishErr)
		log.Warn("pipeline: dataset partially synced", "error", res.Err)
	default:
		log.Info("pipeline: dataset synced",
			"status", res.Status,
			"records", res.Extracted,
			"rows", res.Rows,
			"parts", res.Parts,
			"loaded", res.Loaded)
	}
	res.Duration = p.cfg.Clock.Since(start)
	return res
}

func (p *Pipeline) extract(ctx context.Context, desc *dataset.Descriptor, params source.Params) ([]dataset.Record, bool, error) {
	if p.cfg.PageSize <= 0 {
		out, err := p.cfg.Extractor.Extract(ctx, desc, params)
		if err != nil {
			return nil, false, err
		}
		return out.Records, out.Degraded, nil
	}
	var records []dataset.Record
	for page, err := range p.cfg.Extractor.Pages(ctx, desc, params, p.cfg.PageSize) {
		if err != nil {
			return nil, false, err
		}
		records = append(records, page...)
	}
	return records, false, nil
}

func (p *Pipeline) load(ctx context.Context, runID string, desc *dataset.Descriptor, split *chunk.Result) (*duck.LoadResult, error) {
	table := duck.TableFor(desc)
	info := duck.LoadInfo{Dataset: desc.Name, RunID: runID, UpstreamFreshness: split.Manifest.UpstreamFreshness}
	if desc.Classification == dataset.ClassificationMutable {
		return p.cfg.Loader.Upsert(ctx, table, split.Chunks, info)
	}
	return p.cfg.Loader.ClearAndLoad(ctx, table, split.Chunks, info)
}

func statusOf(r DatasetResult, loading, publishing bool, parts int) Status {
	loadFailed := loading && r.LoadErr != nil
	publishFailed := publishing && r.PublishErr != nil
	switch {
	case loadFailed && publishFailed:
		return StatusFailed
	case loadFailed && !publishing, publishFailed && !loading:
		return StatusFailed
	case loadFailed || publishFailed:
		return StatusPartial
	case r.Degraded || r.LoadAttempts > 1 || (publishing && r.UploadAttempts > parts+1):
		return StatusRetried
	}
	return StatusSucceeded
}

// upstreamFreshness is the latest value of the descriptor's freshness
// column, if it has one.
func upstreamFreshness(desc *dataset.Descriptor, rows []transform.Row) *time.Time {
	if desc.FreshnessColumn == "" {
		return nil
	}
	idx := desc.ColumnIndex(desc.FreshnessColumn)
	var latest *time.Time
	for _, row := range rows {
		v := row[idx]
		if !v.Valid {
			continue
		}
		t, ok := v.V.(time.Time)
		if !ok {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}
