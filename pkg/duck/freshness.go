package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const freshnessTable = "fleetsync_dataset_freshness"

var ErrNoFreshness = errors.New("no freshness recorded")

// Freshness describes the last committed load of a dataset.
type Freshness struct {
	Dataset           string
	Table             string
	RowCount          int64
	LoadedAt          time.Time
	UpstreamFreshness *time.Time
	RunID             string
}

func createFreshnessTable(ctx context.Context, conn Connection) error {
	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	dataset VARCHAR PRIMARY KEY,
	table_name VARCHAR,
	row_count BIGINT,
	loaded_at TIMESTAMP,
	upstream_freshness TIMESTAMP,
	run_id VARCHAR
)`, QualifiedTable(conn.DB(), freshnessTable))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create freshness table: %w", err)
	}
	return nil
}

func recordFreshness(ctx context.Context, tx *sql.Tx, table string, rows int64, loadedAt time.Time, info LoadInfo) error {
	var upstream any
	if info.UpstreamFreshness != nil {
		upstream = info.UpstreamFreshness.UTC()
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (dataset, table_name, row_count, loaded_at, upstream_freshness, run_id)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (dataset) DO UPDATE SET
	table_name = EXCLUDED.table_name,
	row_count = EXCLUDED.row_count,
	loaded_at = EXCLUDED.loaded_at,
	upstream_freshness = EXCLUDED.upstream_freshness,
	run_id = EXCLUDED.run_id`, freshnessTable),
		info.Dataset, table, rows, loadedAt, upstream, info.RunID)
	if err != nil {
		return fmt.Errorf("failed to record freshness for %s: %w", info.Dataset, err)
	}
	return nil
}

// Freshness returns the last committed load of a dataset.
func (l *Loader) Freshness(ctx context.Context, dataset string) (*Freshness, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if err := createFreshnessTable(ctx, conn); err != nil {
		return nil, err
	}

	var (
		f        Freshness
		upstream sql.NullTime
		runID    sql.NullString
	)
	row := conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT dataset, table_name, row_count, loaded_at, upstream_freshness, run_id FROM %s WHERE dataset = ?",
		QualifiedTable(conn.DB(), freshnessTable)), dataset)
	if err := row.Scan(&f.Dataset, &f.Table, &f.RowCount, &f.LoadedAt, &upstream, &runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNoFreshness, dataset)
		}
		return nil, fmt.Errorf("failed to read freshness for %s: %w", dataset, err)
	}
	if upstream.Valid {
		t := upstream.Time.UTC()
		f.UpstreamFreshness = &t
	}
	f.RunID = runID.String
	f.LoadedAt = f.LoadedAt.UTC()
	return &f, nil
}
