package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/duck"
	"github.com/malbeclabs/fleetsync/pkg/transform"
)

const (
	defaultEventsTable    = "maintenance_events"
	defaultIntervalsTable = "maintenance_intervals"
	defaultDimensionTable = "vehicles"
	defaultDimensionTTL   = 5 * time.Minute
)

// intervalColumns is the schema of the derived intervals table.
var intervalColumns = []string{
	"plate:VARCHAR",
	"occurrence:VARCHAR",
	"start_at:TIMESTAMP",
	"end_at:TIMESTAMP",
	"is_open:BOOLEAN",
	"days:DOUBLE",
	"direct:BOOLEAN",
	"computed_at:TIMESTAMP",
}

type DimensionConfig struct {
	Table        string        `yaml:"table"`
	PlateColumn  string        `yaml:"plate_column"`
	ModelColumn  string        `yaml:"model_column"`
	StatusColumn string        `yaml:"status_column"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

func (c *DimensionConfig) Validate() error {
	if c.Table == "" {
		c.Table = defaultDimensionTable
	}
	if c.PlateColumn == "" {
		c.PlateColumn = "plate"
	}
	if c.ModelColumn == "" {
		c.ModelColumn = "model"
	}
	if c.StatusColumn == "" {
		c.StatusColumn = "status"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultDimensionTTL
	}
	for _, id := range []string{c.Table, c.PlateColumn, c.ModelColumn, c.StatusColumn} {
		if !dataset.IsIdentifier(id) {
			return fmt.Errorf("dimension identifier %q must be a lower-case identifier", id)
		}
	}
	return nil
}

type StoreConfig struct {
	Logger         *slog.Logger
	DB             duck.DB
	Loader         *duck.Loader
	EventsTable    string
	IntervalsTable string
	Mapping        Mapping
	Dimensions     DimensionConfig
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Loader == nil {
		return fmt.Errorf("loader is required")
	}
	if c.EventsTable == "" {
		c.EventsTable = defaultEventsTable
	}
	if c.IntervalsTable == "" {
		c.IntervalsTable = defaultIntervalsTable
	}
	if !dataset.IsIdentifier(c.EventsTable) || !dataset.IsIdentifier(c.IntervalsTable) {
		return fmt.Errorf("timeline table names must be lower-case identifiers")
	}
	if err := c.Mapping.Validate(); err != nil {
		return err
	}
	return c.Dimensions.Validate()
}

type dimensionEntry struct {
	dim   Dimension
	found bool
}

// Store reads events and vehicle dimensions from the destination database
// and writes derived intervals back to it.
type Store struct {
	log   *slog.Logger
	cfg   StoreConfig
	db    duck.DB
	cache *ttlcache.Cache[string, dimensionEntry]
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, dimensionEntry](cfg.Dimensions.CacheTTL),
	)
	return &Store{log: cfg.Logger, cfg: cfg, db: cfg.DB, cache: cache}, nil
}

// LoadEvents reads every row of the events table.
func (s *Store) LoadEvents(ctx context.Context) ([]Event, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	m := s.cfg.Mapping
	cols := m.columns()
	sel := make([]string, len(cols))
	for i, c := range cols {
		if c == m.Amount {
			sel[i] = fmt.Sprintf("CAST(%s AS VARCHAR) AS %s", duck.QuoteIdent(c), duck.QuoteIdent(c))
			continue
		}
		sel[i] = duck.QuoteIdent(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(sel, ", "), duck.QualifiedTable(conn.DB(), s.cfg.EventsTable))
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query events from %s: %w", s.cfg.EventsTable, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read events from %s: %w", s.cfg.EventsTable, err)
	}
	events, skipped := EventsFromRecords(m, records)
	if skipped > 0 {
		s.log.Warn("timeline: events without plate skipped", "table", s.cfg.EventsTable, "count", skipped)
	}
	s.log.Debug("timeline: loaded events", "table", s.cfg.EventsTable, "events", len(events))
	return events, nil
}

func scanRecords(rows *sql.Rows) ([]dataset.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []dataset.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(dataset.Record, len(cols))
		for i, c := range cols {
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Dimensions returns every vehicle in the dimension table and primes the
// lookup cache with them.
func (s *Store) Dimensions(ctx context.Context) ([]Dimension, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	d := s.cfg.Dimensions
	q := fmt.Sprintf("SELECT CAST(%s AS VARCHAR), CAST(%s AS VARCHAR), CAST(%s AS VARCHAR) FROM %s",
		duck.QuoteIdent(d.PlateColumn), duck.QuoteIdent(d.ModelColumn), duck.QuoteIdent(d.StatusColumn),
		duck.QualifiedTable(conn.DB(), d.Table))
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimension %s: %w", d.Table, err)
	}
	defer rows.Close()

	var dims []Dimension
	for rows.Next() {
		dim, err := scanDimension(rows)
		if err != nil {
			return nil, err
		}
		if dim.Plate == "" {
			continue
		}
		dims = append(dims, dim)
		s.cache.Set(dim.Plate, dimensionEntry{dim: dim, found: true}, ttlcache.DefaultTTL)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dimension %s: %w", d.Table, err)
	}
	return dims, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDimension(row scanner) (Dimension, error) {
	var plate, model, status sql.NullString
	if err := row.Scan(&plate, &model, &status); err != nil {
		return Dimension{}, fmt.Errorf("failed to scan dimension row: %w", err)
	}
	return Dimension{
		Plate:  NormalizePlate(plate.String),
		Model:  strings.TrimSpace(model.String),
		Status: strings.TrimSpace(status.String),
	}, nil
}

// Lookup returns the dimension row of a plate. Hits and misses are cached.
func (s *Store) Lookup(ctx context.Context, plate string) (Dimension, bool, error) {
	plate = NormalizePlate(plate)
	if item := s.cache.Get(plate); item != nil {
		e := item.Value()
		return e.dim, e.found, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Dimension{}, false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	d := s.cfg.Dimensions
	q := fmt.Sprintf(`SELECT CAST(%[1]s AS VARCHAR), CAST(%[2]s AS VARCHAR), CAST(%[3]s AS VARCHAR) FROM %[4]s
		WHERE %[5]s = ? LIMIT 1`,
		duck.QuoteIdent(d.PlateColumn), duck.QuoteIdent(d.ModelColumn), duck.QuoteIdent(d.StatusColumn),
		duck.QualifiedTable(conn.DB(), d.Table), plateSQL(duck.QuoteIdent(d.PlateColumn)))
	dim, err := scanDimension(conn.QueryRowContext(ctx, q, plate))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.cache.Set(plate, dimensionEntry{}, ttlcache.DefaultTTL)
		return Dimension{}, false, nil
	case err != nil:
		return Dimension{}, false, fmt.Errorf("failed to look up plate %s: %w", plate, err)
	}
	s.cache.Set(plate, dimensionEntry{dim: dim, found: true}, ttlcache.DefaultTTL)
	return dim, true, nil
}

// SaveIntervals replaces the derived intervals table with res.
func (s *Store) SaveIntervals(ctx context.Context, res *Result, runID string) (*duck.LoadResult, error) {
	cols, err := dataset.ParseColumns(intervalColumns)
	if err != nil {
		return nil, err
	}
	table := duck.Table{Name: s.cfg.IntervalsTable, Columns: cols}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var chunks []chunk.Chunk
	if len(res.Intervals) > 0 {
		chunks = []chunk.Chunk{{
			Dataset:    s.cfg.IntervalsTable,
			Part:       1,
			TotalParts: 1,
			Columns:    names,
			Rows:       IntervalRows(res),
		}}
	}
	out, err := s.cfg.Loader.ClearAndLoad(ctx, table, chunks, duck.LoadInfo{Dataset: s.cfg.IntervalsTable, RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("failed to save intervals: %w", err)
	}
	return out, nil
}

// IntervalRows converts intervals to loader rows.
func IntervalRows(res *Result) []transform.Row {
	rows := make([]transform.Row, len(res.Intervals))
	for i, iv := range res.Intervals {
		rows[i] = transform.Row{
			{Kind: dataset.KindString, V: iv.Plate, Valid: true},
			{Kind: dataset.KindString, V: iv.Occurrence, Valid: true},
			{Kind: dataset.KindTimestamp, V: iv.Start, Valid: true},
			{Kind: dataset.KindTimestamp, V: iv.End, Valid: true},
			{Kind: dataset.KindBoolean, V: iv.Open, Valid: true},
			{Kind: dataset.KindFloat, V: iv.Days, Valid: true},
			{Kind: dataset.KindBoolean, V: iv.Direct, Valid: true},
			{Kind: dataset.KindTimestamp, V: res.GeneratedAt, Valid: true},
		}
	}
	return rows
}
