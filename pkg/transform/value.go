package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/shopspring/decimal"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.999999"
)

// Value is a coerced cell. Valid=false is the explicit missing marker.
type Value struct {
	Kind  dataset.Kind
	V     any
	Valid bool
}

func Missing(kind dataset.Kind) Value {
	return Value{Kind: kind}
}

func (v Value) String() string {
	if !v.Valid {
		return ""
	}
	switch x := v.V.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case decimal.Decimal:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if v.Kind == dataset.KindDate {
			return x.Format(dateLayout)
		}
		return x.UTC().Format(timestampLayout)
	}
	return fmt.Sprint(v.V)
}

// CSV returns the staging representation; missing values become an empty
// unquoted field, which the loader reads as NULL.
func (v Value) CSV() string {
	return v.String()
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	switch x := v.V.(type) {
	case int64, float64, bool:
		return json.Marshal(x)
	case decimal.Decimal:
		// Decimals travel as strings to keep scale.
		return json.Marshal(x.String())
	case time.Time:
		if v.Kind == dataset.KindDate {
			return json.Marshal(x.Format(dateLayout))
		}
		return json.Marshal(x.UTC().Format(time.RFC3339Nano))
	}
	return json.Marshal(v.String())
}

// Row holds values aligned with a descriptor's columns.
type Row []Value

// Key joins the given column values; ok is false if any of them is missing.
func (r Row) Key(idx []int) (string, bool) {
	var key string
	for i, j := range idx {
		if !r[j].Valid {
			return "", false
		}
		if i > 0 {
			key += "\x1f"
		}
		key += r[j].String()
	}
	return key, true
}

// Record converts the row back into a column-keyed record.
func (r Row) Record(columns []string) dataset.Record {
	rec := make(dataset.Record, len(columns))
	for i, c := range columns {
		if !r[i].Valid {
			rec[c] = nil
			continue
		}
		rec[c] = r[i].V
	}
	return rec
}
