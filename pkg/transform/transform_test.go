package transform

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDescriptor(t *testing.T, dedup dataset.DedupPolicy) *dataset.Descriptor {
	t.Helper()
	d := &dataset.Descriptor{
		Name:       "vehicles",
		Query:      "SELECT * FROM vehicles",
		Columns:    []string{"plate:VARCHAR", "status:VARCHAR", "price:DECIMAL(12,2)", "updated_at:TIMESTAMP", "active:BOOLEAN"},
		PrimaryKey: []string{"plate"},
		Dedup:      dedup,
	}
	require.NoError(t, d.Validate())
	return d
}

func TestParseDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1234.56", "1234.56", true},
		{"1.234,56", "1234.56", true},
		{"1,234.56", "1234.56", true},
		{"1234,56", "1234.56", true},
		{"R$ 1.234,56", "1234.56", true},
		{"-12,5", "-12.5", true},
		{"1.234.567", "1234567", true},
		{"  42 ", "42", true},
		{"abc", "", false},
		{"", "", false},
		{"12,34,5x", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseDecimal(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-03-05 14:30",
		"2024-03-05 14:30:00",
		"2024-03-05T14:30:00",
		"2024-03-05T14:30:00Z",
		"2024-03-05T11:30:00-03:00",
		"05/03/2024 14:30",
	} {
		got, ok := ParseTimestamp(in)
		require.True(t, ok, in)
		require.True(t, want.Equal(got), "%s parsed as %s", in, got)
	}

	got, ok := ParseTimestamp("2024-03-05")
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), got)

	_, ok = ParseTimestamp("yesterday")
	require.False(t, ok)
}

func TestTransformer_Apply(t *testing.T) {
	t.Parallel()

	t.Run("coerces_and_marks_missing", func(t *testing.T) {
		t.Parallel()
		tr := New(testLogger())
		desc := testDescriptor(t, dataset.DedupNone)

		rows, stats := tr.Apply(desc, []dataset.Record{
			{"plate": " ABC1D23 ", "status": "active", "price": "1.234,56", "updated_at": "2024-03-05 10:00", "active": "sim"},
			{"plate": "XYZ9K88", "price": "not-a-number", "updated_at": "garbage"},
		})
		require.Len(t, rows, 2)
		require.Equal(t, 2, stats.MissingValues)

		require.Equal(t, "ABC1D23", rows[0][0].V)
		require.True(t, decimal.RequireFromString("1234.56").Equal(rows[0][2].V.(decimal.Decimal)))
		require.Equal(t, true, rows[0][4].V)

		require.False(t, rows[1][1].Valid)
		require.False(t, rows[1][2].Valid)
		require.False(t, rows[1][3].Valid)
	})

	t.Run("last_write_wins_keeps_later_record", func(t *testing.T) {
		t.Parallel()
		tr := New(testLogger())
		desc := testDescriptor(t, dataset.DedupLastWriteWins)

		rows, stats := tr.Apply(desc, []dataset.Record{
			{"plate": "AAA", "status": "first"},
			{"plate": "BBB", "status": "only"},
			{"plate": "AAA", "status": "second"},
		})
		require.Len(t, rows, 2)
		require.Equal(t, 1, stats.Duplicates)
		require.Equal(t, "BBB", rows[0][0].V)
		require.Equal(t, "AAA", rows[1][0].V)
		require.Equal(t, "second", rows[1][1].V)
	})

	t.Run("dedup_none_keeps_duplicates", func(t *testing.T) {
		t.Parallel()
		tr := New(testLogger())
		desc := testDescriptor(t, dataset.DedupNone)

		rows, stats := tr.Apply(desc, []dataset.Record{
			{"plate": "AAA", "status": "first"},
			{"plate": "AAA", "status": "second"},
		})
		require.Len(t, rows, 2)
		require.Zero(t, stats.Duplicates)
	})

	t.Run("drops_rows_without_key_under_dedup", func(t *testing.T) {
		t.Parallel()
		tr := New(testLogger())
		desc := testDescriptor(t, dataset.DedupLastWriteWins)

		rows, stats := tr.Apply(desc, []dataset.Record{
			{"plate": nil, "status": "ghost"},
			{"plate": "AAA", "status": "ok"},
		})
		require.Len(t, rows, 1)
		require.Equal(t, 1, stats.MissingKey)
		require.Equal(t, 1, stats.RowsOut)
	})
}

func TestValue_MarshalJSON(t *testing.T) {
	t.Parallel()

	row := Row{
		{Kind: dataset.KindString, V: "AAA", Valid: true},
		{Kind: dataset.KindDecimal, V: decimal.RequireFromString("10.50"), Valid: true},
		{Kind: dataset.KindDate, V: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Valid: true},
		Missing(dataset.KindTimestamp),
	}
	b, err := json.Marshal(row)
	require.NoError(t, err)
	require.JSONEq(t, `["AAA","10.5","2024-01-02",null]`, string(b))
}

func TestCoerce_DriverScalars(t *testing.T) {
	t.Parallel()

	type myInt int16
	tests := []struct {
		name string
		kind dataset.Kind
		raw  any
		want any
	}{
		{"pg_int2_to_bigint", dataset.KindInteger, int16(7), int64(7)},
		{"pg_int4_to_decimal", dataset.KindDecimal, int32(42), decimal.NewFromInt(42)},
		{"pg_int4_to_double", dataset.KindFloat, int32(-3), float64(-3)},
		{"pg_float4_to_decimal", dataset.KindDecimal, float32(1.5), decimal.RequireFromString("1.5")},
		{"pg_float4_keeps_short_form", dataset.KindFloat, float32(0.1), 0.1},
		{"pg_int2_to_boolean", dataset.KindBoolean, int16(0), false},
		{"ch_uint64_to_bigint", dataset.KindInteger, uint64(9), int64(9)},
		{"ch_uint64_above_bigint_to_decimal", dataset.KindDecimal, uint64(18446744073709551615), decimal.RequireFromString("18446744073709551615")},
		{"ch_uint8_to_boolean", dataset.KindBoolean, uint8(1), true},
		{"ch_int8_to_bigint", dataset.KindInteger, int8(-8), int64(-8)},
		{"ch_uint16_to_decimal", dataset.KindDecimal, uint16(65535), decimal.NewFromInt(65535)},
		{"ch_decimal_pointer", dataset.KindDecimal, ptr(decimal.RequireFromString("350.75")), decimal.RequireFromString("350.75")},
		{"integral_decimal_to_bigint", dataset.KindInteger, decimal.RequireFromString("12"), int64(12)},
		{"named_int_type", dataset.KindInteger, myInt(5), int64(5)},
		{"int_to_string", dataset.KindString, int32(77), "77"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := Coerce(tt.kind, tt.raw)
			require.NoError(t, err)
			require.True(t, v.Valid)
			if d, ok := tt.want.(decimal.Decimal); ok {
				require.True(t, d.Equal(v.V.(decimal.Decimal)), "got %v", v.V)
				return
			}
			require.Equal(t, tt.want, v.V)
		})
	}

	t.Run("overflowing_unsigned_is_not_a_bigint", func(t *testing.T) {
		t.Parallel()
		v, err := Coerce(dataset.KindInteger, uint64(18446744073709551615))
		require.Error(t, err)
		require.False(t, v.Valid)
	})

	t.Run("nil_decimal_pointer_is_missing", func(t *testing.T) {
		t.Parallel()
		v, err := Coerce(dataset.KindDecimal, (*decimal.Decimal)(nil))
		require.NoError(t, err)
		require.False(t, v.Valid)
	})
}

func ptr[T any](v T) *T { return &v }
