package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DB is the destination analytical store.
type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

// Connection is a single session against a DB. Temp tables are scoped to it.
type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type Local struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

type LocalConnection struct {
	conn *sql.Conn
	db   *Local
	mu   sync.Mutex
}

func (c *LocalConnection) DB() DB {
	return c.db
}

func (c *LocalConnection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *LocalConnection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *LocalConnection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *LocalConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *LocalConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// NewDB opens a DuckDB database at path. An empty path or ":memory:" opens
// an in-memory database shared by every connection of the returned DB.
func NewDB(ctx context.Context, path string, log *slog.Logger) (*Local, error) {
	dsn := ""
	if path != "" && path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = abs
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var catalog, schema string
	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	log.Debug("duck: opened database", "path", dsn, "catalog", catalog, "schema", schema)
	return &Local{
		log:     log,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (l *Local) Catalog() string {
	return l.catalog
}

func (l *Local) Schema() string {
	return l.schema
}

func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) Conn(ctx context.Context) (Connection, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &LocalConnection{
		conn: conn,
		db:   l,
	}, nil
}

// QuoteIdent quotes an identifier for DuckDB.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedTable returns catalog.schema.table with every part quoted.
func QualifiedTable(db DB, table string) string {
	return QuoteIdent(db.Catalog()) + "." + QuoteIdent(db.Schema()) + "." + QuoteIdent(table)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
