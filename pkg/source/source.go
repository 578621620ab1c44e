package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/metrics"
	"github.com/malbeclabs/fleetsync/pkg/retry"
)

// MaxFilters bounds the number of equality filters per extraction.
const MaxFilters = 16

var (
	ErrDisallowedFilter = errors.New("filter column not allowed")
	ErrDisallowedSort   = errors.New("sort column not allowed")
	ErrTooManyFilters   = errors.New("too many filters")
)

// Warehouse runs read-only queries against the source. Arguments bind to
// numbered placeholders ($1, $2, ...).
type Warehouse interface {
	Query(ctx context.Context, query string, args ...any) ([]dataset.Record, error)
	Close() error
}

type Order struct {
	Column string
	Desc   bool
}

// Params narrows an extraction. Filter and order columns must be allow-listed
// on the descriptor; values are always bound, never interpolated.
type Params struct {
	Filters map[string]any
	Order   *Order
}

func (p Params) validate(desc *dataset.Descriptor) error {
	if len(p.Filters) > MaxFilters {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFilters, len(p.Filters), MaxFilters)
	}
	for col := range p.Filters {
		if !dataset.IsIdentifier(col) || !desc.AllowsFilter(col) {
			return fmt.Errorf("%w: %s.%s", ErrDisallowedFilter, desc.Name, col)
		}
	}
	if p.Order != nil && (!dataset.IsIdentifier(p.Order.Column) || !desc.AllowsSort(p.Order.Column)) {
		return fmt.Errorf("%w: %s.%s", ErrDisallowedSort, desc.Name, p.Order.Column)
	}
	return nil
}

type page struct {
	limit, offset int
}

// buildQuery wraps base as a subquery and appends the bound filters, order
// and page.
func buildQuery(base string, p Params, defaultOrder []string, pg *page) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM (%s) AS src", strings.TrimRight(strings.TrimSpace(base), ";"))

	cols := make([]string, 0, len(p.Filters))
	for col := range p.Filters {
		cols = append(cols, col)
	}
	slices.Sort(cols)
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, p.Filters[col])
		fmt.Fprintf(&b, "src.%s = $%d", col, len(args))
	}

	switch {
	case p.Order != nil:
		dir := "ASC"
		if p.Order.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY src.%s %s", p.Order.Column, dir)
	case pg != nil && len(defaultOrder) > 0:
		qualified := make([]string, len(defaultOrder))
		for i, c := range defaultOrder {
			qualified[i] = "src." + c
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(qualified, ", "))
	}
	if pg != nil {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", pg.limit, pg.offset)
	}
	return b.String(), args
}

func countQuery(base string, p Params) (string, []any) {
	inner, args := buildQuery(base, Params{Filters: p.Filters}, nil, nil)
	return fmt.Sprintf("SELECT COUNT(*) AS n FROM (%s) AS counted", inner), args
}

type ExtractorConfig struct {
	Logger    *slog.Logger
	Warehouse Warehouse
	Clock     clockwork.Clock
	Retry     retry.Config
	// Retryable classifies query errors. Defaults to RetryableQueryError.
	Retryable func(error) bool
	// VerifyCounts compares every extraction with a COUNT over the same
	// query and logs any discrepancy.
	VerifyCounts bool
}

func (c *ExtractorConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Warehouse == nil {
		return fmt.Errorf("warehouse is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.Retryable == nil {
		c.Retryable = RetryableQueryError
	}
	c.Retry.Logger = c.Logger
	c.Retry.Clock = c.Clock
	c.Retry.Retryable = c.Retryable
	return nil
}

type Extractor struct {
	log     *slog.Logger
	cfg     ExtractorConfig
	wh      Warehouse
	retrier *retry.Retrier
}

func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := retry.New(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}
	return &Extractor{log: cfg.Logger, cfg: cfg, wh: cfg.Warehouse, retrier: r}, nil
}

type Extraction struct {
	Records []dataset.Record
	// Degraded is set when the fallback query produced the records.
	Degraded bool
	// Expected is the row count reported by the count query, or -1.
	Expected int64
}

// Extract runs the descriptor's query with the given params. If it fails and
// a fallback query is declared, the fallback runs unfiltered and the result
// is marked degraded.
func (e *Extractor) Extract(ctx context.Context, desc *dataset.Descriptor, p Params) (*Extraction, error) {
	if err := p.validate(desc); err != nil {
		return nil, err
	}

	q, args := buildQuery(desc.Query, p, nil, nil)
	out := &Extraction{Expected: -1}
	records, err := e.query(ctx, desc.Name, q, args)
	if err != nil {
		if desc.FallbackQuery == "" {
			return nil, fmt.Errorf("failed to extract %s: %w", desc.Name, err)
		}
		e.log.Warn("source: primary query failed, using fallback", "dataset", desc.Name, "error", err)
		fq, fargs := buildQuery(desc.FallbackQuery, Params{Order: p.Order}, nil, nil)
		records, err = e.query(ctx, desc.Name, fq, fargs)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s with fallback: %w", desc.Name, err)
		}
		out.Degraded = true
	}
	out.Records = records
	metrics.RecordsExtracted.WithLabelValues(desc.Name).Add(float64(len(records)))

	if e.cfg.VerifyCounts {
		n, degraded, err := e.Count(ctx, desc, p)
		switch {
		case err != nil:
			e.log.Warn("source: count failed", "dataset", desc.Name, "error", err)
		default:
			out.Expected = n
			if n != int64(len(records)) {
				e.log.Warn("source: extracted row count differs from count query",
					"dataset", desc.Name,
					"extracted", len(records),
					"counted", n,
					"count_degraded", degraded,
					"extract_degraded", out.Degraded)
			}
		}
	}
	return out, nil
}

// Count counts the rows the params select. If the filtered count fails it
// falls back to an unfiltered count of the fallback query.
func (e *Extractor) Count(ctx context.Context, desc *dataset.Descriptor, p Params) (int64, bool, error) {
	if err := p.validate(desc); err != nil {
		return 0, false, err
	}
	q, args := countQuery(desc.Query, p)
	n, err := e.count(ctx, desc.Name, q, args)
	if err == nil {
		return n, false, nil
	}
	if desc.FallbackQuery == "" {
		return 0, false, fmt.Errorf("failed to count %s: %w", desc.Name, err)
	}
	e.log.Warn("source: filtered count failed, counting fallback", "dataset", desc.Name, "error", err)
	fq, _ := countQuery(desc.FallbackQuery, Params{})
	n, err = e.count(ctx, desc.Name, fq, nil)
	if err != nil {
		return 0, true, fmt.Errorf("failed to count %s with fallback: %w", desc.Name, err)
	}
	return n, true, nil
}

// Pages yields the extraction in pages of at most size records, ordered by
// the requested order or else by the primary key.
func (e *Extractor) Pages(ctx context.Context, desc *dataset.Descriptor, p Params, size int) iter.Seq2[[]dataset.Record, error] {
	return func(yield func([]dataset.Record, error) bool) {
		if err := p.validate(desc); err != nil {
			yield(nil, err)
			return
		}
		if size <= 0 {
			yield(nil, fmt.Errorf("page size must be positive"))
			return
		}
		order := desc.PrimaryKey
		if len(order) == 0 {
			order = desc.ColumnNames()
		}
		for offset := 0; ; offset += size {
			q, args := buildQuery(desc.Query, p, order, &page{limit: size, offset: offset})
			records, err := e.query(ctx, desc.Name, q, args)
			if err != nil {
				yield(nil, fmt.Errorf("failed to extract %s page at offset %d: %w", desc.Name, offset, err))
				return
			}
			metrics.RecordsExtracted.WithLabelValues(desc.Name).Add(float64(len(records)))
			if len(records) > 0 && !yield(records, nil) {
				return
			}
			if len(records) < size {
				return
			}
		}
	}
}

func (e *Extractor) query(ctx context.Context, name, q string, args []any) ([]dataset.Record, error) {
	var records []dataset.Record
	_, err := e.retrier.Do(ctx, "extract "+name, func(ctx context.Context) error {
		var err error
		records, err = e.wh.Query(ctx, q, args...)
		return err
	})
	return records, err
}

func (e *Extractor) count(ctx context.Context, name, q string, args []any) (int64, error) {
	records, err := e.query(ctx, name, q, args)
	if err != nil {
		return 0, err
	}
	if len(records) != 1 {
		return 0, fmt.Errorf("count returned %d rows", len(records))
	}
	return toInt64(records[0]["n"])
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected count type %T", v)
}
