package transform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/shopspring/decimal"
)

type Stats struct {
	RowsIn  int
	RowsOut int
	// MissingValues counts cells that were present but could not be coerced.
	MissingValues int
	// Duplicates counts rows superseded by a later row with the same key.
	Duplicates int
	// MissingKey counts rows dropped because a key column was missing.
	MissingKey int
}

type Transformer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Transformer {
	return &Transformer{log: log}
}

// Apply coerces records to the descriptor's column types and applies the
// descriptor's dedup policy. Data errors never abort the batch.
func (t *Transformer) Apply(desc *dataset.Descriptor, records []dataset.Record) ([]Row, Stats) {
	stats := Stats{RowsIn: len(records)}
	schema := desc.Schema()

	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		row := make(Row, len(schema))
		for j, col := range schema {
			raw, present := rec[col.Name]
			v, err := Coerce(col.Kind, raw)
			if err != nil {
				stats.MissingValues++
				t.log.Debug("transform: coercion failed", "dataset", desc.Name, "record", i, "column", col.Name, "error", err)
			} else if !present {
				t.log.Debug("transform: column absent", "dataset", desc.Name, "record", i, "column", col.Name)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}

	if desc.Dedup == dataset.DedupLastWriteWins {
		rows = t.dedupLastWriteWins(desc, rows, &stats)
	}
	stats.RowsOut = len(rows)

	if stats.MissingValues > 0 || stats.Duplicates > 0 || stats.MissingKey > 0 {
		t.log.Info("transform: data errors", "dataset", desc.Name, "missing_values", stats.MissingValues, "duplicates", stats.Duplicates, "missing_key", stats.MissingKey)
	}
	return rows, stats
}

// dedupLastWriteWins keeps, per key, the last row in input order. Surviving
// rows keep the relative order of their final occurrence.
func (t *Transformer) dedupLastWriteWins(desc *dataset.Descriptor, rows []Row, stats *Stats) []Row {
	idx := make([]int, len(desc.PrimaryKey))
	for i, pk := range desc.PrimaryKey {
		idx[i] = desc.ColumnIndex(pk)
	}

	last := make(map[string]int, len(rows))
	keys := make([]string, len(rows))
	valid := make([]bool, len(rows))
	for i, row := range rows {
		key, ok := row.Key(idx)
		if !ok {
			stats.MissingKey++
			t.log.Debug("transform: dropping row with missing key", "dataset", desc.Name, "record", i)
			continue
		}
		keys[i], valid[i] = key, true
		if _, seen := last[key]; seen {
			stats.Duplicates++
		}
		last[key] = i
	}

	out := make([]Row, 0, len(last))
	for i, row := range rows {
		if valid[i] && last[keys[i]] == i {
			out = append(out, row)
		}
	}
	return out
}

// Coerce converts a raw extracted value to the given kind. A nil or blank
// input yields a missing value without error.
func Coerce(kind dataset.Kind, raw any) (Value, error) {
	if raw == nil {
		return Missing(kind), nil
	}
	raw = widen(raw)
	if raw == nil {
		return Missing(kind), nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return Missing(kind), nil
	}

	switch kind {
	case dataset.KindString:
		switch x := raw.(type) {
		case string:
			return Value{Kind: kind, V: strings.TrimSpace(x), Valid: true}, nil
		case time.Time:
			return Value{Kind: kind, V: x.UTC().Format(time.RFC3339), Valid: true}, nil
		case float64:
			return Value{Kind: kind, V: strconv.FormatFloat(x, 'f', -1, 64), Valid: true}, nil
		default:
			return Value{Kind: kind, V: fmt.Sprint(x), Valid: true}, nil
		}

	case dataset.KindInteger:
		switch x := raw.(type) {
		case int64:
			return Value{Kind: kind, V: x, Valid: true}, nil
		case float64:
			if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
				return Missing(kind), fmt.Errorf("non-integral number %v", x)
			}
			return Value{Kind: kind, V: int64(x), Valid: true}, nil
		case decimal.Decimal:
			if !x.Equal(x.Truncate(0)) || x.GreaterThan(maxInt64) || x.LessThan(minInt64) {
				return Missing(kind), fmt.Errorf("number %s does not fit a BIGINT", x)
			}
			return Value{Kind: kind, V: x.IntPart(), Valid: true}, nil
		case bool:
			n := int64(0)
			if x {
				n = 1
			}
			return Value{Kind: kind, V: n, Valid: true}, nil
		case string:
			if n, ok := parseInt(x); ok {
				return Value{Kind: kind, V: n, Valid: true}, nil
			}
		}

	case dataset.KindFloat:
		switch x := raw.(type) {
		case float64:
			return Value{Kind: kind, V: x, Valid: true}, nil
		case int64:
			return Value{Kind: kind, V: float64(x), Valid: true}, nil
		case decimal.Decimal:
			return Value{Kind: kind, V: x.InexactFloat64(), Valid: true}, nil
		case string:
			if d, ok := ParseDecimal(x); ok {
				return Value{Kind: kind, V: d.InexactFloat64(), Valid: true}, nil
			}
		}

	case dataset.KindDecimal:
		switch x := raw.(type) {
		case decimal.Decimal:
			return Value{Kind: kind, V: x, Valid: true}, nil
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return Missing(kind), fmt.Errorf("non-finite number %v", x)
			}
			return Value{Kind: kind, V: decimal.NewFromFloat(x), Valid: true}, nil
		case int64:
			return Value{Kind: kind, V: decimal.NewFromInt(x), Valid: true}, nil
		case string:
			if d, ok := ParseDecimal(x); ok {
				return Value{Kind: kind, V: d, Valid: true}, nil
			}
		}

	case dataset.KindDate, dataset.KindTimestamp:
		var ts time.Time
		var ok bool
		switch x := raw.(type) {
		case time.Time:
			ts, ok = x.UTC(), true
		case string:
			ts, ok = ParseTimestamp(x)
		}
		if ok {
			if kind == dataset.KindDate {
				ts = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
			}
			return Value{Kind: kind, V: ts, Valid: true}, nil
		}

	case dataset.KindBoolean:
		switch x := raw.(type) {
		case bool:
			return Value{Kind: kind, V: x, Valid: true}, nil
		case string:
			if b, ok := parseBool(x); ok {
				return Value{Kind: kind, V: b, Valid: true}, nil
			}
		case int64:
			return Value{Kind: kind, V: x != 0, Valid: true}, nil
		case float64:
			return Value{Kind: kind, V: x != 0, Valid: true}, nil
		case decimal.Decimal:
			return Value{Kind: kind, V: !x.IsZero(), Valid: true}, nil
		}
	}
	return Missing(kind), fmt.Errorf("cannot coerce %T %q", raw, fmt.Sprint(raw))
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// widen maps driver scalars onto the few shapes Coerce switches on: string,
// int64, float64, decimal.Decimal, bool and time.Time. Unsigned values above
// MaxInt64 become decimals; float32 keeps its shortest decimal form.
func widen(raw any) any {
	switch x := raw.(type) {
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return *x
	case float32:
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(x), 'f', -1, 32), 64)
		return f
	}

	v := reflect.ValueOf(raw)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return decimal.RequireFromString(strconv.FormatUint(u, 10))
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	}
	return raw
}
