package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/chunk"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/transform"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testDB creates a file-backed test database in a temp dir.
func testDB(t *testing.T) *Local {
	t.Helper()
	db, err := NewDB(context.Background(), t.TempDir()+"/test.db", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLoader(t *testing.T, db DB, clock clockwork.Clock) *Loader {
	t.Helper()
	l, err := NewLoader(LoaderConfig{Logger: testLogger(), DB: db, Clock: clock})
	require.NoError(t, err)
	return l
}

func vehiclesTable(t *testing.T) Table {
	t.Helper()
	cols, err := dataset.ParseColumns([]string{"plate:VARCHAR", "model:VARCHAR", "status:VARCHAR", "price:DECIMAL(12,2)"})
	require.NoError(t, err)
	return Table{Name: "vehicles", Columns: cols, PrimaryKey: []string{"plate"}}
}

type vehicle struct {
	plate, model, status string
	price                string
}

func vehicleRow(v vehicle) transform.Row {
	str := func(s string) transform.Value {
		if s == "" {
			return transform.Missing(dataset.KindString)
		}
		return transform.Value{Kind: dataset.KindString, V: s, Valid: true}
	}
	price := transform.Missing(dataset.KindDecimal)
	if d, ok := transform.ParseDecimal(v.price); ok {
		price = transform.Value{Kind: dataset.KindDecimal, V: d, Valid: true}
	}
	return transform.Row{str(v.plate), str(v.model), str(v.status), price}
}

// chunksOf splits vehicles into parts of the given size.
func chunksOf(size int, vs ...vehicle) []chunk.Chunk {
	var out []chunk.Chunk
	for i := 0; i < len(vs); i += size {
		end := min(i+size, len(vs))
		ch := chunk.Chunk{Dataset: "vehicles", Part: len(out) + 1, Columns: []string{"plate", "model", "status", "price"}}
		for _, v := range vs[i:end] {
			ch.Rows = append(ch.Rows, vehicleRow(v))
		}
		out = append(out, ch)
	}
	for i := range out {
		out[i].TotalParts = len(out)
	}
	return out
}

func fleet(n int, status string) []vehicle {
	vs := make([]vehicle, n)
	for i := range n {
		vs[i] = vehicle{plate: fmt.Sprintf("PLT%03d", i), model: "Onix", status: status, price: "1.000,50"}
	}
	return vs
}

func queryStatuses(t *testing.T, db DB) map[string]string {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, "SELECT plate, coalesce(status, '') FROM vehicles")
	require.NoError(t, err)
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var plate, status string
		require.NoError(t, rows.Scan(&plate, &status))
		out[plate] = status
	}
	require.NoError(t, rows.Err())
	return out
}

// failingDBConn is a mock connection that fails on all operations
type failingDBConn struct{}

func (f *failingDBConn) DB() DB {
	return &failingDB{}
}

func (f *failingDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (f *failingDBConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("failed to begin transaction")
}

func (f *failingDBConn) Close() error {
	return nil
}

// failingDB is a mock DB that hands out failing connections
type failingDB struct{}

func (f *failingDB) Catalog() string {
	return "test"
}

func (f *failingDB) Schema() string {
	return "main"
}

func (f *failingDB) Close() error {
	return nil
}

func (f *failingDB) Conn(ctx context.Context) (Connection, error) {
	return &failingDBConn{}, nil
}
