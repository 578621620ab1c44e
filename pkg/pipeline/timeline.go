package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetsync/pkg/duck"
	"github.com/malbeclabs/fleetsync/pkg/publish"
	"github.com/malbeclabs/fleetsync/pkg/timeline"
)

const (
	EventsFromStore     = "store"
	EventsFromPublished = "published"
)

type TimelineJobConfig struct {
	Logger        *slog.Logger
	Reconstructor *timeline.Reconstructor
	// From selects where events are read: the destination events table or
	// the published generation of EventsDataset.
	From          string
	Store         *timeline.Store
	Reader        *publish.Reader
	EventsDataset string
	Mapping       timeline.Mapping
	// Persist writes the intervals to the destination store.
	Persist bool
}

func (c *TimelineJobConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Reconstructor == nil {
		return errors.New("reconstructor is required")
	}
	if c.From == "" {
		c.From = EventsFromStore
	}
	switch c.From {
	case EventsFromStore:
		if c.Store == nil {
			return errors.New("store is required to read events from the destination")
		}
	case EventsFromPublished:
		if c.Reader == nil {
			return errors.New("reader is required to read published events")
		}
		if c.EventsDataset == "" {
			return errors.New("events dataset is required to read published events")
		}
	default:
		return fmt.Errorf("unknown events source %q", c.From)
	}
	if c.Persist && c.Store == nil {
		return errors.New("store is required to persist intervals")
	}
	return c.Mapping.Validate()
}

type TimelineOutcome struct {
	Events    []timeline.Event
	Result    *timeline.Result
	Summaries []timeline.Summary
	Persisted *duck.LoadResult
}

type TimelineJob struct {
	log *slog.Logger
	cfg TimelineJobConfig
}

func NewTimelineJob(cfg TimelineJobConfig) (*TimelineJob, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TimelineJob{log: cfg.Logger, cfg: cfg}, nil
}

// Run reads events, reconstructs intervals, summarizes them per vehicle and
// optionally persists the intervals.
func (j *TimelineJob) Run(ctx context.Context, runID string) (*TimelineOutcome, error) {
	events, err := j.events(ctx)
	if err != nil {
		return nil, err
	}

	res, err := j.cfg.Reconstructor.Reconstruct(ctx, events)
	if err != nil {
		return nil, err
	}
	out := &TimelineOutcome{Events: events, Result: res}

	var lookup timeline.DimensionLookup
	if j.cfg.Store != nil {
		if _, err := j.cfg.Store.Dimensions(ctx); err != nil {
			j.log.Warn("timeline: vehicle dimension unavailable, summaries carry no model or status", "error", err)
		} else {
			lookup = j.cfg.Store
		}
	}
	out.Summaries, err = timeline.Summarize(ctx, res, events, lookup)
	if err != nil {
		return out, fmt.Errorf("failed to summarize timeline: %w", err)
	}

	if j.cfg.Persist {
		out.Persisted, err = j.cfg.Store.SaveIntervals(ctx, res, runID)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (j *TimelineJob) events(ctx context.Context) ([]timeline.Event, error) {
	if j.cfg.From == EventsFromStore {
		return j.cfg.Store.LoadEvents(ctx)
	}
	pub, err := j.cfg.Reader.Read(ctx, j.cfg.EventsDataset)
	if err != nil {
		return nil, fmt.Errorf("failed to read published events: %w", err)
	}
	events, skipped := timeline.EventsFromRecords(j.cfg.Mapping, pub.Records)
	if skipped > 0 {
		j.log.Warn("timeline: events without plate skipped", "dataset", j.cfg.EventsDataset, "count", skipped)
	}
	return events, nil
}
