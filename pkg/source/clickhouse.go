package source

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/shopspring/decimal"
)

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// MaxExecutionTime is the server-side query limit in seconds.
	MaxExecutionTime int           `yaml:"max_execution_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

func (c *ClickHouseConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("clickhouse addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = 60
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	return nil
}

// ClickHouse is a Warehouse over the native ClickHouse protocol. Numbered
// placeholders are bound by the driver.
type ClickHouse struct {
	log  *slog.Logger
	conn driver.Conn
}

func NewClickHouse(ctx context.Context, log *slog.Logger, cfg ClickHouseConfig) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info("source: connected to clickhouse", "addr", cfg.Addr, "database", cfg.Database)
	return &ClickHouse{log: log, conn: conn}, nil
}

func (c *ClickHouse) Query(ctx context.Context, query string, args ...any) ([]dataset.Record, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clickhouse: %w", err)
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	var records []dataset.Record
	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(dataset.Record, len(types))
		for i, ct := range types {
			rec[ct.Name()] = normalizeClickHouseValue(reflect.ValueOf(dest[i]).Elem())
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// normalizeClickHouseValue dereferences Nullable columns and flattens driver
// types into plain Go values.
func normalizeClickHouseValue(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch x := v.Interface().(type) {
	case decimal.Decimal:
		return x.String()
	case uuid.UUID:
		return x.String()
	default:
		return x
	}
}
