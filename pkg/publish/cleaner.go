package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Cleaner struct {
	log    *slog.Logger
	store  ObjectStore
	reader *Reader
	prefix string
}

func NewCleaner(log *slog.Logger, store ObjectStore, prefix string) *Cleaner {
	prefix = trimPrefix(prefix)
	return &Cleaner{log: log, store: store, reader: NewReader(log, store, prefix), prefix: prefix}
}

type CleanupReport struct {
	Dataset string
	Deleted []string
	DryRun  bool
}

// CleanOrphans deletes parts not referenced by the current manifest. Without
// a manifest every part of the dataset is an orphan.
func (c *Cleaner) CleanOrphans(ctx context.Context, dataset string, dryRun bool) (*CleanupReport, error) {
	var orphans []string
	m, err := c.reader.Manifest(ctx, dataset)
	switch {
	case err == nil:
		orphans, err = orphanKeys(ctx, c.store, c.prefix, *m)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, ErrNotPublished):
		keys, err := c.store.ListObjects(ctx, DatasetPrefix(c.prefix, dataset))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dataset, err)
		}
		for _, k := range keys {
			if strings.Contains(k, "_part_") {
				orphans = append(orphans, k)
			}
		}
	default:
		return nil, err
	}
	return c.delete(ctx, dataset, orphans, dryRun)
}

// Purge deletes every object under the dataset prefix, manifest first so that
// readers stop trusting the parts before they disappear.
func (c *Cleaner) Purge(ctx context.Context, dataset string, dryRun bool) (*CleanupReport, error) {
	keys, err := c.store.ListObjects(ctx, DatasetPrefix(c.prefix, dataset))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dataset, err)
	}
	manifest := ManifestKey(c.prefix, dataset)
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == manifest {
			ordered = append([]string{k}, ordered...)
			continue
		}
		ordered = append(ordered, k)
	}
	return c.delete(ctx, dataset, ordered, dryRun)
}

func (c *Cleaner) delete(ctx context.Context, dataset string, keys []string, dryRun bool) (*CleanupReport, error) {
	report := &CleanupReport{Dataset: dataset, DryRun: dryRun}
	for _, k := range keys {
		if dryRun {
			report.Deleted = append(report.Deleted, k)
			continue
		}
		if err := c.store.DeleteObject(ctx, k); err != nil {
			return report, fmt.Errorf("failed to delete %s: %w", k, err)
		}
		report.Deleted = append(report.Deleted, k)
	}
	c.log.Info("publish: cleanup", "dataset", dataset, "objects", len(report.Deleted), "dry_run", dryRun)
	return report, nil
}

func trimPrefix(prefix string) string {
	return strings.Trim(prefix, "/")
}
