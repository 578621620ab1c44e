package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/config"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/duck"
	"github.com/malbeclabs/fleetsync/pkg/logger"
	"github.com/malbeclabs/fleetsync/pkg/pipeline"
	"github.com/malbeclabs/fleetsync/pkg/publish"
	"github.com/malbeclabs/fleetsync/pkg/retry"
	"github.com/malbeclabs/fleetsync/pkg/source"
	"github.com/malbeclabs/fleetsync/pkg/timeline"
	"github.com/spf13/cobra"
)

// app holds the components shared by the subcommands. Components are opened
// lazily so that commands only connect to what they use.
type app struct {
	log      *slog.Logger
	cfg      *config.Config
	registry *dataset.Registry

	db        *duck.Local
	loader    *duck.Loader
	warehouse source.Warehouse
	store     publish.ObjectStore
	closers   []func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Root().PersistentFlags()
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}

	log := logger.New(verbose)
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	return &app{log: log, cfg: cfg, registry: registry}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) destination(ctx context.Context) (*duck.Local, *duck.Loader, error) {
	if a.db != nil {
		return a.db, a.loader, nil
	}
	db, err := duck.NewDB(ctx, a.cfg.Destination.Path, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			a.log.Warn("cli: failed to close destination", "error", err)
		}
	})
	loader, err := duck.NewLoader(duck.LoaderConfig{Logger: a.log, DB: db})
	if err != nil {
		return nil, nil, err
	}
	a.db, a.loader = db, loader
	return db, loader, nil
}

func (a *app) source(ctx context.Context) (source.Warehouse, error) {
	if a.warehouse != nil {
		return a.warehouse, nil
	}
	var (
		wh  source.Warehouse
		err error
	)
	switch a.cfg.Source.Driver {
	case config.DriverClickHouse:
		wh, err = source.NewClickHouse(ctx, a.log, a.cfg.Source.ClickHouse)
	default:
		wh, err = source.NewPostgres(ctx, a.log, a.cfg.Source.Postgres)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := wh.Close(); err != nil {
			a.log.Warn("cli: failed to close warehouse", "error", err)
		}
	})
	a.warehouse = wh
	return wh, nil
}

func (a *app) objectStore(ctx context.Context) (publish.ObjectStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	switch a.cfg.Publish.Store {
	case config.StoreMemory:
		a.store = publish.NewMemoryStore()
	default:
		s3, err := publish.NewS3Store(ctx, a.log, a.cfg.Publish.S3)
		if err != nil {
			return nil, err
		}
		a.store = s3
	}
	return a.store, nil
}

func (a *app) reader(ctx context.Context) (*publish.Reader, error) {
	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	return publish.NewReader(a.log, store, a.cfg.Publish.Prefix), nil
}

type stages struct {
	skipLoad    bool
	skipPublish bool
	timeline    bool
}

func (a *app) pipeline(ctx context.Context, st stages) (*pipeline.Pipeline, error) {
	wh, err := a.source(ctx)
	if err != nil {
		return nil, err
	}
	src := a.cfg.Source
	extractor, err := source.NewExtractor(source.ExtractorConfig{
		Logger:    a.log,
		Warehouse: wh,
		Retry: retry.Config{
			MaxAttempts: src.Retry.MaxAttempts,
			InitialWait: src.Retry.InitialWait,
			MaxWait:     src.Retry.MaxWait,
		},
		VerifyCounts: *src.VerifyCounts,
	})
	if err != nil {
		return nil, err
	}
	chunker, err := chunk.New(chunk.Config{
		Logger:       a.log,
		MaxRecords:   a.cfg.Chunk.MaxRecords,
		MaxBytes:     a.cfg.Chunk.MaxBytes,
		Uncompressed: a.cfg.Chunk.Uncompressed,
		SpoolDir:     a.cfg.Chunk.SpoolDir,
	})
	if err != nil {
		return nil, err
	}

	cfg := pipeline.Config{
		Logger:         a.log,
		Registry:       a.registry,
		Extractor:      extractor,
		Chunker:        chunker,
		MaxConcurrency: a.cfg.MaxConcurrency,
		PageSize:       src.PageSize,
	}
	if !st.skipLoad {
		if _, cfg.Loader, err = a.destination(ctx); err != nil {
			return nil, err
		}
	}
	if !st.skipPublish && a.cfg.Publish.Enabled {
		store, err := a.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		pub := a.cfg.Publish
		publisher, err := publish.NewPublisher(publish.PublisherConfig{
			Logger:      a.log,
			Store:       store,
			Prefix:      pub.Prefix,
			Concurrency: pub.Concurrency,
			MaxAttempts: pub.Retry.MaxAttempts,
			InitialWait: pub.Retry.InitialWait,
			MaxWait:     pub.Retry.MaxWait,
			KeepStale:   pub.KeepStale,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		cfg.Publisher = publisher
	}
	if cfg.Loader == nil && cfg.Publisher == nil {
		return nil, errors.New("nothing to do: both load and publish are disabled")
	}
	if st.timeline {
		if cfg.Timeline, _, err = a.timelineJob(ctx, a.cfg.Timeline); err != nil {
			return nil, err
		}
	}
	return pipeline.New(cfg)
}

// timelineJob builds the reconstruction job. The returned store also serves
// dimension reads.
func (a *app) timelineJob(ctx context.Context, tc config.TimelineConfig) (*pipeline.TimelineJob, *timeline.Store, error) {
	reconstructor, err := timeline.New(timeline.Config{
		Logger:      a.log,
		Pairing:     tc.Pairing,
		DirectRule:  tc.DirectRule,
		Concurrency: tc.Concurrency,
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, reconstructor.Close)

	db, loader, err := a.destination(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := timeline.NewStore(timeline.StoreConfig{
		Logger:         a.log,
		DB:             db,
		Loader:         loader,
		EventsTable:    tc.EventsTable,
		IntervalsTable: tc.IntervalsTable,
		Mapping:        tc.Mapping,
		Dimensions:     tc.Dimensions,
	})
	if err != nil {
		return nil, nil, err
	}

	jobCfg := pipeline.TimelineJobConfig{
		Logger:        a.log,
		Reconstructor: reconstructor,
		From:          tc.From,
		Store:         store,
		EventsDataset: tc.EventsDataset,
		Mapping:       tc.Mapping,
		Persist:       tc.Persist,
	}
	if tc.From == config.TimelineFromPublished {
		if jobCfg.Reader, err = a.reader(ctx); err != nil {
			return nil, nil, err
		}
	}
	job, err := pipeline.NewTimelineJob(jobCfg)
	if err != nil {
		return nil, nil, err
	}
	return job, store, nil
}
