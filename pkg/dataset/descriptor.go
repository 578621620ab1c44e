package dataset

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Record is a single row returned by extraction, keyed by column name.
type Record map[string]any

type DedupPolicy string

const (
	DedupNone          DedupPolicy = "none"
	DedupLastWriteWins DedupPolicy = "last_write_wins"
)

type Classification string

const (
	// ClassificationMutable datasets are upserted by primary key.
	ClassificationMutable Classification = "mutable"
	// ClassificationHistorical datasets are fully replaced on every run.
	ClassificationHistorical Classification = "historical"
)

// Kind is the coarse column type used by the transform layer. The destination
// type string is kept verbatim in Column.Type.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindDecimal
	KindDate
	KindTimestamp
	KindBoolean
)

type Column struct {
	Name string
	Type string
	Kind Kind
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	ErrUnknownDataset    = errors.New("unknown dataset")
	ErrInvalidDescriptor = errors.New("invalid dataset descriptor")
)

// IsIdentifier reports whether s is a plain lower-case SQL identifier.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Descriptor is the static configuration of one synced dataset.
type Descriptor struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
	// FallbackQuery is a single-table scan used when Query fails.
	FallbackQuery string `yaml:"fallback_query"`
	Table         string `yaml:"table"`
	// Columns are "name:TYPE" pairs, e.g. "plate:VARCHAR", "amount:DECIMAL(12,2)".
	Columns         []string       `yaml:"columns"`
	PrimaryKey      []string       `yaml:"primary_key"`
	Dedup           DedupPolicy    `yaml:"dedup"`
	Classification  Classification `yaml:"classification"`
	FilterColumns   []string       `yaml:"filter_columns"`
	SortColumns     []string       `yaml:"sort_columns"`
	FreshnessColumn string         `yaml:"freshness_column"`

	parsed []Column
}

func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if !IsIdentifier(d.Name) {
		return fmt.Errorf("%w: name %q must be a lower-case identifier", ErrInvalidDescriptor, d.Name)
	}
	if strings.TrimSpace(d.Query) == "" {
		return fmt.Errorf("%w: %s: query is required", ErrInvalidDescriptor, d.Name)
	}
	if d.Table == "" {
		d.Table = d.Name
	}
	if !IsIdentifier(d.Table) {
		return fmt.Errorf("%w: %s: table %q must be a lower-case identifier", ErrInvalidDescriptor, d.Name, d.Table)
	}
	if d.Dedup == "" {
		d.Dedup = DedupNone
	}
	if d.Dedup != DedupNone && d.Dedup != DedupLastWriteWins {
		return fmt.Errorf("%w: %s: unknown dedup policy %q", ErrInvalidDescriptor, d.Name, d.Dedup)
	}
	if d.Classification == "" {
		d.Classification = ClassificationHistorical
	}
	if d.Classification != ClassificationMutable && d.Classification != ClassificationHistorical {
		return fmt.Errorf("%w: %s: unknown classification %q", ErrInvalidDescriptor, d.Name, d.Classification)
	}

	cols, err := ParseColumns(d.Columns)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, d.Name, err)
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: %s: columns cannot be empty", ErrInvalidDescriptor, d.Name)
	}
	d.parsed = cols

	names := d.ColumnNames()
	for _, pk := range d.PrimaryKey {
		if !slices.Contains(names, pk) {
			return fmt.Errorf("%w: %s: primary key column %q is not declared", ErrInvalidDescriptor, d.Name, pk)
		}
	}
	if len(d.PrimaryKey) == 0 {
		if d.Classification == ClassificationMutable {
			return fmt.Errorf("%w: %s: mutable datasets require a primary key", ErrInvalidDescriptor, d.Name)
		}
		if d.Dedup == DedupLastWriteWins {
			return fmt.Errorf("%w: %s: last_write_wins dedup requires a primary key", ErrInvalidDescriptor, d.Name)
		}
	}
	for _, c := range append(slices.Clone(d.FilterColumns), d.SortColumns...) {
		if !IsIdentifier(c) {
			return fmt.Errorf("%w: %s: allow-listed column %q must be a lower-case identifier", ErrInvalidDescriptor, d.Name, c)
		}
	}
	if d.FreshnessColumn != "" && !slices.Contains(names, d.FreshnessColumn) {
		return fmt.Errorf("%w: %s: freshness column %q is not declared", ErrInvalidDescriptor, d.Name, d.FreshnessColumn)
	}
	return nil
}

// Schema returns the parsed columns. Validate must have been called.
func (d *Descriptor) Schema() []Column {
	return d.parsed
}

func (d *Descriptor) ColumnNames() []string {
	names := make([]string, len(d.parsed))
	for i, c := range d.parsed {
		names[i] = c.Name
	}
	return names
}

func (d *Descriptor) ColumnIndex(name string) int {
	for i, c := range d.parsed {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (d *Descriptor) AllowsFilter(col string) bool {
	return slices.Contains(d.FilterColumns, col)
}

func (d *Descriptor) AllowsSort(col string) bool {
	return slices.Contains(d.SortColumns, col)
}

// ParseColumns parses "name:TYPE" definitions.
func ParseColumns(defs []string) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		name, typ, ok := strings.Cut(def, ":")
		if !ok {
			return nil, fmt.Errorf("invalid column definition %q: expected format 'name:type'", def)
		}
		name = strings.TrimSpace(name)
		typ = strings.ToUpper(strings.TrimSpace(typ))
		if !IsIdentifier(name) {
			return nil, fmt.Errorf("invalid column name %q", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		kind, err := kindOf(typ)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		cols = append(cols, Column{Name: name, Type: typ, Kind: kind})
	}
	return cols, nil
}

func kindOf(typ string) (Kind, error) {
	base, _, _ := strings.Cut(typ, "(")
	switch strings.TrimSpace(base) {
	case "VARCHAR", "TEXT", "STRING":
		return KindString, nil
	case "BIGINT", "INTEGER", "INT", "SMALLINT":
		return KindInteger, nil
	case "DOUBLE", "FLOAT", "REAL":
		return KindFloat, nil
	case "DECIMAL", "NUMERIC":
		return KindDecimal, nil
	case "DATE":
		return KindDate, nil
	case "TIMESTAMP", "TIMESTAMPTZ":
		return KindTimestamp, nil
	case "BOOLEAN", "BOOL":
		return KindBoolean, nil
	}
	return 0, fmt.Errorf("unsupported column type %q", typ)
}
