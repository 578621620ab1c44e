package source

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
)

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = 4
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	return nil
}

// Postgres is a Warehouse backed by a pgx connection pool.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, log *slog.Logger, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("source: connected to postgres",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database)
	return &Postgres{log: log, pool: pool}, nil
}

func (p *Postgres) Query(ctx context.Context, query string, args ...any) ([]dataset.Record, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query postgres: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []dataset.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		rec := make(dataset.Record, len(fields))
		for i, f := range fields {
			v, err := normalizePostgresValue(values[i])
			if err != nil {
				return nil, fmt.Errorf("failed to read column %s: %w", f.Name, err)
			}
			rec[f.Name] = v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// normalizePostgresValue turns pgx-specific values into plain Go values the
// transform stage understands.
func normalizePostgresValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case pgtype.Numeric:
		if !x.Valid {
			return nil, nil
		}
		dv, err := x.Value()
		if err != nil {
			return nil, err
		}
		return dv, nil
	case driver.Valuer:
		return x.Value()
	}
	return v, nil
}
