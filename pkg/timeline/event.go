package timeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/transform"
	"github.com/shopspring/decimal"
)

// Mapping names the source columns that carry each event field. Empty
// optional fields are not read.
type Mapping struct {
	Plate      string `yaml:"plate"`
	Occurrence string `yaml:"occurrence"`
	Timestamp  string `yaml:"timestamp"`
	Stage      string `yaml:"stage"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	Amount     string `yaml:"amount"`
	Reference  string `yaml:"reference"`
}

func (m *Mapping) Validate() error {
	if m.Plate == "" {
		m.Plate = "plate"
	}
	if m.Occurrence == "" {
		m.Occurrence = "occurrence_id"
	}
	if m.Timestamp == "" {
		m.Timestamp = "event_at"
	}
	if m.Stage == "" {
		m.Stage = "stage"
	}
	for _, c := range m.columns() {
		if !dataset.IsIdentifier(c) {
			return fmt.Errorf("event mapping column %q must be a lower-case identifier", c)
		}
	}
	return nil
}

func (m Mapping) columns() []string {
	var cols []string
	for _, c := range []string{m.Plate, m.Occurrence, m.Timestamp, m.Stage, m.Start, m.End, m.Amount, m.Reference} {
		if c != "" && !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Event is one stage change of an occurrence.
type Event struct {
	Plate      string
	Occurrence string
	At         time.Time
	// HasTime is false when the timestamp was absent or unparsable.
	HasTime bool
	RawTime string
	Label   string
	Stage   Stage
	// HasLabel is false when the record carries no stage label at all.
	HasLabel  bool
	Start     *time.Time
	End       *time.Time
	Amount    *decimal.Decimal
	Reference string
}

// EventsFromRecords maps source records to events. Records without a plate
// are skipped and counted.
func EventsFromRecords(m Mapping, records []dataset.Record) ([]Event, int) {
	events := make([]Event, 0, len(records))
	skipped := 0
	for _, rec := range records {
		plate := NormalizePlate(stringField(rec, m.Plate))
		if plate == "" {
			skipped++
			continue
		}
		e := Event{
			Plate:      plate,
			Occurrence: stringField(rec, m.Occurrence),
			Reference:  stringField(rec, m.Reference),
		}
		if e.Occurrence == "" {
			e.Occurrence = plate
		}
		if raw, ok := rec[m.Timestamp]; ok && raw != nil {
			e.RawTime = fmt.Sprint(raw)
			if t, ok := timeField(raw); ok {
				e.At, e.HasTime = t, true
			}
		}
		if m.Stage != "" {
			e.Label = stringField(rec, m.Stage)
			e.HasLabel = e.Label != ""
			e.Stage = Classify(e.Label)
		}
		if m.Start != "" {
			if t, ok := timeField(rec[m.Start]); ok {
				e.Start = &t
			}
		}
		if m.End != "" {
			if t, ok := timeField(rec[m.End]); ok {
				e.End = &t
			}
		}
		if m.Amount != "" {
			if v, err := transform.Coerce(dataset.KindDecimal, rec[m.Amount]); err == nil && v.Valid {
				d := v.V.(decimal.Decimal)
				e.Amount = &d
			}
		}
		if !e.HasTime && e.Start != nil {
			e.At, e.HasTime = *e.Start, true
		}
		events = append(events, e)
	}
	return events, skipped
}

func stringField(rec dataset.Record, col string) string {
	if col == "" {
		return ""
	}
	v, err := transform.Coerce(dataset.KindString, rec[col])
	if err != nil || !v.Valid {
		return ""
	}
	return v.String()
}

func timeField(raw any) (time.Time, bool) {
	v, err := transform.Coerce(dataset.KindTimestamp, raw)
	if err != nil || !v.Valid {
		return time.Time{}, false
	}
	return v.V.(time.Time), true
}

// NormalizePlate upper-cases a plate and removes dashes and ASCII
// whitespace. plateSQL applies the same rule inside the store.
func NormalizePlate(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r', '\f':
			return -1
		}
		return r
	}, strings.ToUpper(s))
}

// plateSQL renders the NormalizePlate rule over a column expression.
func plateSQL(col string) string {
	return fmt.Sprintf(`upper(regexp_replace(CAST(%s AS VARCHAR), '[\s-]', '', 'g'))`, col)
}

// Group holds the events of one occurrence. Events is ordered by timestamp;
// events whose timestamp could not be parsed are kept in Unordered.
type Group struct {
	Key       string
	Plate     string
	Events    []Event
	Unordered []Event
}

// GroupEvents partitions events by occurrence key. Groups are returned in
// key order and their events sorted ascending, stable on ties.
func GroupEvents(events []Event) []Group {
	idx := make(map[string]int)
	var groups []Group
	for _, e := range events {
		i, ok := idx[e.Occurrence]
		if !ok {
			i = len(groups)
			idx[e.Occurrence] = i
			groups = append(groups, Group{Key: e.Occurrence, Plate: e.Plate})
		}
		g := &groups[i]
		if e.HasTime {
			g.Events = append(g.Events, e)
		} else {
			g.Unordered = append(g.Unordered, e)
		}
	}
	for i := range groups {
		slices.SortStableFunc(groups[i].Events, func(a, b Event) int {
			return a.At.Compare(b.At)
		})
	}
	slices.SortFunc(groups, func(a, b Group) int {
		return strings.Compare(a.Key, b.Key)
	})
	return groups
}
