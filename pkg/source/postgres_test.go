package source

import (
	"context"
	"fmt"
	"testing"

	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/logger"
	"github.com/malbeclabs/fleetsync/pkg/transform"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestSource_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fleet"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://fleet:fleet@%s:%s/fleet?sslmode=disable", host, port.Port())

	pg, err := NewPostgres(ctx, logger.Discard(), PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer pg.Close()

	_, err = pg.Query(ctx, `CREATE TABLE vehicles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		plate TEXT NOT NULL,
		status TEXT NOT NULL,
		price NUMERIC(12,2),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	require.NoError(t, err)
	_, err = pg.Query(ctx, `INSERT INTO vehicles (plate, status, price) VALUES
		('ABC1D23', 'active', 85990.50),
		('XYZ9K88', 'maintenance', NULL),
		('QWE4R56', 'active', 120000)`)
	require.NoError(t, err)

	desc := dataset.Descriptor{
		Name:          "vehicles",
		Query:         "SELECT id, plate, status, price, updated_at FROM vehicles",
		Columns:       []string{"id:VARCHAR", "plate:VARCHAR", "status:VARCHAR", "price:DECIMAL(12,2)", "updated_at:TIMESTAMP"},
		PrimaryKey:    []string{"plate"},
		Dedup:         dataset.DedupLastWriteWins,
		FilterColumns: []string{"status"},
		SortColumns:   []string{"plate"},
	}
	require.NoError(t, desc.Validate())

	e := newTestExtractor(t, pg, true)
	out, err := e.Extract(ctx, &desc, Params{
		Filters: map[string]any{"status": "active"},
		Order:   &Order{Column: "plate"},
	})
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	require.Equal(t, int64(2), out.Expected)
	require.Equal(t, "ABC1D23", out.Records[0]["plate"])
	require.IsType(t, "", out.Records[0]["id"])
	require.Len(t, out.Records[0]["id"], 36)

	rows, stats := transform.New(logger.Discard()).Apply(&desc, out.Records)
	require.Equal(t, 0, stats.MissingValues)
	require.Len(t, rows, 2)
	require.Equal(t, "85990.5", rows[0][3].String())
}
