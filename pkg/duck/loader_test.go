package duck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestLoader_ClearAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("replaces_table_contents", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)

		res, err := l.ClearAndLoad(ctx, table, chunksOf(2, fleet(5, "active")...), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		require.EqualValues(t, 5, res.Rows)

		res, err = l.ClearAndLoad(ctx, table, chunksOf(2, fleet(3, "sold")...), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		require.EqualValues(t, 3, res.Rows)
		require.Equal(t, map[string]string{"PLT000": "sold", "PLT001": "sold", "PLT002": "sold"}, queryStatuses(t, db))
	})

	t.Run("idempotent_for_same_input", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)
		input := chunksOf(3, fleet(7, "active")...)

		_, err := l.ClearAndLoad(ctx, table, input, LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		first := queryStatuses(t, db)

		_, err = l.ClearAndLoad(ctx, table, input, LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		require.Equal(t, first, queryStatuses(t, db))

		n, err := l.Count(ctx, "vehicles")
		require.NoError(t, err)
		require.EqualValues(t, 7, n)
	})

	t.Run("failure_after_half_staged_rolls_back", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)

		_, err := l.ClearAndLoad(ctx, table, chunksOf(2, fleet(4, "before")...), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)

		injected := errors.New("disk full")
		l.afterStage = func(part, total int) error {
			if part*2 >= total {
				return injected
			}
			return nil
		}
		_, err = l.ClearAndLoad(ctx, table, chunksOf(1, fleet(4, "after")...), LoadInfo{Dataset: "vehicles"})
		require.ErrorIs(t, err, injected)

		require.Equal(t, map[string]string{"PLT000": "before", "PLT001": "before", "PLT002": "before", "PLT003": "before"}, queryStatuses(t, db))
	})

	t.Run("zero_chunks_clear_table", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)

		_, err := l.ClearAndLoad(ctx, table, chunksOf(2, fleet(2, "active")...), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		res, err := l.ClearAndLoad(ctx, table, nil, LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		require.Zero(t, res.Rows)
	})

	t.Run("failing_connection", func(t *testing.T) {
		t.Parallel()
		l := testLoader(t, &failingDB{}, clockwork.NewFakeClock())
		_, err := l.ClearAndLoad(ctx, vehiclesTable(t), chunksOf(1, fleet(1, "x")...), LoadInfo{})
		require.Error(t, err)
	})
}

func TestLoader_Upsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("inserts_and_fully_replaces_by_key", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)

		_, err := l.Upsert(ctx, table, chunksOf(10,
			vehicle{plate: "AAA", model: "Onix", status: "active", price: "100"},
			vehicle{plate: "BBB", model: "HB20", status: "active", price: "200"},
		), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)

		res, err := l.Upsert(ctx, table, chunksOf(10,
			vehicle{plate: "AAA", model: "Onix Plus"},
			vehicle{plate: "CCC", model: "Kwid", status: "maintenance", price: "50,25"},
		), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)
		require.EqualValues(t, 3, res.Rows)

		// The replaced row carries no status, so the old value is gone.
		require.Equal(t, map[string]string{"AAA": "", "BBB": "active", "CCC": "maintenance"}, queryStatuses(t, db))

		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()
		var model string
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT model FROM vehicles WHERE plate = 'AAA'").Scan(&model))
		require.Equal(t, "Onix Plus", model)
		var price float64
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT CAST(price AS DOUBLE) FROM vehicles WHERE plate = 'CCC'").Scan(&price))
		require.InDelta(t, 50.25, price, 0.0001)
	})

	t.Run("duplicate_keys_in_one_load_roll_back", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)

		_, err := l.Upsert(ctx, table, chunksOf(10, vehicle{plate: "AAA", status: "active"}), LoadInfo{Dataset: "vehicles"})
		require.NoError(t, err)

		_, err = l.Upsert(ctx, table, chunksOf(1,
			vehicle{plate: "BBB", status: "new"},
			vehicle{plate: "AAA", status: "first"},
			vehicle{plate: "AAA", status: "second"},
		), LoadInfo{Dataset: "vehicles"})
		require.Error(t, err)
		require.Equal(t, map[string]string{"AAA": "active"}, queryStatuses(t, db))
	})

	t.Run("requires_conflict_key", func(t *testing.T) {
		t.Parallel()
		db := testDB(t)
		l := testLoader(t, db, clockwork.NewFakeClock())
		table := vehiclesTable(t)
		table.PrimaryKey = nil

		_, err := l.Upsert(ctx, table, nil, LoadInfo{})
		require.ErrorIs(t, err, ErrNoConflictKey)
	})
}

func TestLoader_Freshness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	l := testLoader(t, db, clockwork.NewFakeClockAt(now))

	_, err := l.Freshness(ctx, "vehicles")
	require.ErrorIs(t, err, ErrNoFreshness)

	upstream := now.Add(-2 * time.Hour)
	_, err = l.ClearAndLoad(ctx, vehiclesTable(t), chunksOf(2, fleet(3, "active")...), LoadInfo{Dataset: "vehicles", RunID: "run-1", UpstreamFreshness: &upstream})
	require.NoError(t, err)

	f, err := l.Freshness(ctx, "vehicles")
	require.NoError(t, err)
	require.Equal(t, "vehicles", f.Table)
	require.EqualValues(t, 3, f.RowCount)
	require.Equal(t, "run-1", f.RunID)
	require.True(t, now.Equal(f.LoadedAt), "loaded_at %s", f.LoadedAt)
	require.NotNil(t, f.UpstreamFreshness)
	require.True(t, upstream.Equal(*f.UpstreamFreshness))
}
