package duck

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/retry"
)

var ErrNoConflictKey = errors.New("upsert requires a conflict key")

type LoaderConfig struct {
	Logger *slog.Logger
	DB     DB
	Clock  clockwork.Clock
}

func (c *LoaderConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Table describes a destination table.
type Table struct {
	Name       string
	Columns    []dataset.Column
	PrimaryKey []string
}

// TableFor builds the destination table of a validated descriptor.
func TableFor(desc *dataset.Descriptor) Table {
	return Table{Name: desc.Table, Columns: desc.Schema(), PrimaryKey: desc.PrimaryKey}
}

// LoadInfo is recorded in the freshness table alongside every load.
type LoadInfo struct {
	Dataset           string
	RunID             string
	UpstreamFreshness *time.Time
}

type LoadResult struct {
	Table    string
	Rows     int64
	Attempts int
}

type Loader struct {
	log     *slog.Logger
	db      DB
	clock   clockwork.Clock
	retrier *retry.Retrier

	// afterStage runs after each chunk is staged, inside the transaction.
	afterStage func(part, total int) error
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := newConflictRetrier(cfg.Logger, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}
	return &Loader{log: cfg.Logger, db: cfg.DB, clock: cfg.Clock, retrier: r}, nil
}

// ClearAndLoad replaces the full contents of a table in one transaction.
// Readers see either the previous rows or the new rows, never a mix and
// never an empty table in between.
func (l *Loader) ClearAndLoad(ctx context.Context, table Table, chunks []chunk.Chunk, info LoadInfo) (*LoadResult, error) {
	return l.load(ctx, table, chunks, info, false)
}

// Upsert inserts every row or fully replaces the existing row with the same
// primary key. Two rows with the same key in one load are an integrity error
// and roll back the whole load.
func (l *Loader) Upsert(ctx context.Context, table Table, chunks []chunk.Chunk, info LoadInfo) (*LoadResult, error) {
	if len(table.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoConflictKey, table.Name)
	}
	return l.load(ctx, table, chunks, info, true)
}

func (l *Loader) load(ctx context.Context, table Table, chunks []chunk.Chunk, info LoadInfo, upsert bool) (*LoadResult, error) {
	start := l.clock.Now()
	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("columns cannot be empty")
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := CreateTable(ctx, conn, table); err != nil {
		return nil, err
	}
	if err := createFreshnessTable(ctx, conn); err != nil {
		return nil, err
	}

	// CSV files are written once, outside the retry loop.
	files := make([]string, 0, len(chunks))
	defer func() {
		for _, f := range files {
			os.Remove(f)
		}
	}()
	for _, ch := range chunks {
		path, err := writeChunkCSV(ctx, table, ch)
		if err != nil {
			return nil, err
		}
		files = append(files, path)
	}

	mode := "clear_and_load"
	if upsert {
		mode = "upsert"
	}
	res := &LoadResult{Table: table.Name}
	_, err = l.retrier.Do(ctx, fmt.Sprintf("%s %s", mode, table.Name), func(ctx context.Context) error {
		res.Attempts++
		n, err := l.loadTx(ctx, conn, table, files, info, upsert)
		if err != nil {
			return err
		}
		res.Rows = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug("duck: load completed",
		"table", table.Name,
		"mode", mode,
		"chunks", len(chunks),
		"rows", res.Rows,
		"duration", l.clock.Since(start).String())
	return res, nil
}

func (l *Loader) loadTx(ctx context.Context, conn Connection, table Table, files []string, info LoadInfo, upsert bool) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for %s: %w", table.Name, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			l.log.Error("failed to rollback transaction", "table", table.Name, "error", err)
		}
	}()

	target := QualifiedTable(conn.DB(), table.Name)
	if !upsert {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+target); err != nil {
			return 0, fmt.Errorf("failed to clear %s: %w", table.Name, err)
		}
	}

	suffix := make([]byte, 7)
	if _, err := rand.Read(suffix); err != nil {
		return 0, fmt.Errorf("failed to generate unique suffix: %w", err)
	}
	stage := fmt.Sprintf("%s_stage_%s", table.Name, hex.EncodeToString(suffix))
	if err := createStageTable(ctx, tx, table, stage); err != nil {
		return 0, err
	}
	for i, f := range files {
		copySQL := fmt.Sprintf("COPY %s FROM %s (FORMAT CSV, HEADER false)", QuoteIdent(stage), quoteLiteral(f))
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return 0, fmt.Errorf("failed to stage part %d of %s: %w", i+1, table.Name, err)
		}
		if l.afterStage != nil {
			if err := l.afterStage(i+1, len(files)); err != nil {
				return 0, fmt.Errorf("failed after staging part %d of %s: %w", i+1, table.Name, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, insertSQL(target, stage, table, upsert)); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(stage)); err != nil {
		l.log.Error("failed to drop stage table", "table", table.Name, "stage_table", stage, "error", err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+target).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table.Name, err)
	}
	if info.Dataset != "" {
		if err := recordFreshness(ctx, tx, table.Name, count, l.clock.Now().UTC(), info); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, nil
}

func insertSQL(target, stage string, table Table, upsert bool) string {
	names := make([]string, len(table.Columns))
	casts := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		names[i] = QuoteIdent(c.Name)
		casts[i] = fmt.Sprintf("CAST(%s AS %s)", QuoteIdent(c.Name), c.Type)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		target, strings.Join(names, ", "), strings.Join(casts, ", "), QuoteIdent(stage))
	if !upsert {
		return q
	}

	keys := make([]string, len(table.PrimaryKey))
	for i, k := range table.PrimaryKey {
		keys[i] = QuoteIdent(k)
	}
	var sets []string
	for _, c := range table.Columns {
		if isKey(table.PrimaryKey, c.Name) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", QuoteIdent(c.Name), QuoteIdent(c.Name)))
	}
	if len(sets) == 0 {
		return q + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func isKey(pk []string, col string) bool {
	for _, k := range pk {
		if k == col {
			return true
		}
	}
	return false
}

// CreateTable creates the table if it doesn't exist.
func CreateTable(ctx context.Context, conn Connection, table Table) error {
	colDefs := make([]string, 0, len(table.Columns)+1)
	for _, c := range table.Columns {
		colDefs = append(colDefs, fmt.Sprintf("%s %s", QuoteIdent(c.Name), c.Type))
	}
	if len(table.PrimaryKey) > 0 {
		keys := make([]string, len(table.PrimaryKey))
		for i, k := range table.PrimaryKey {
			keys[i] = QuoteIdent(k)
		}
		colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keys, ", ")))
	}
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		QualifiedTable(conn.DB(), table.Name), strings.Join(colDefs, ",\n\t"))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table.Name, err)
	}
	return nil
}

// createStageTable creates a temp staging table with every column as VARCHAR.
// Values are cast to the destination types on insert.
func createStageTable(ctx context.Context, tx *sql.Tx, table Table, stage string) error {
	colDefs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		colDefs[i] = fmt.Sprintf("%s VARCHAR", QuoteIdent(c.Name))
	}
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (\n\t%s\n)", QuoteIdent(stage), strings.Join(colDefs, ",\n\t"))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create stage table: %w", err)
	}
	return nil
}

func writeChunkCSV(ctx context.Context, table Table, ch chunk.Chunk) (string, error) {
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_part_%d_*.csv", table.Name, ch.Part))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmpFile.Close()

	w := csv.NewWriter(tmpFile)
	record := make([]string, len(table.Columns))
	for i, row := range ch.Rows {
		select {
		case <-ctx.Done():
			os.Remove(tmpFile.Name())
			return "", fmt.Errorf("context cancelled while writing CSV for %s: %w", table.Name, ctx.Err())
		default:
		}
		if len(row) != len(table.Columns) {
			os.Remove(tmpFile.Name())
			return "", fmt.Errorf("row %d of part %d has %d values, want %d", i, ch.Part, len(row), len(table.Columns))
		}
		for j, v := range row {
			record[j] = v.CSV()
		}
		if err := w.Write(record); err != nil {
			os.Remove(tmpFile.Name())
			return "", fmt.Errorf("failed to write CSV record for %s: %w", table.Name, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("CSV writer error: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	return tmpFile.Name(), nil
}

// Count returns the number of rows in table.
func (l *Loader) Count(ctx context.Context, table string) (int64, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QualifiedTable(conn.DB(), table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
