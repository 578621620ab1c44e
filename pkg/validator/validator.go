package validator

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/fleetsync/pkg/timeline"
	"github.com/olekukonko/tablewriter"
)

const (
	StatusInMaintenance = "in_maintenance"
	StatusAvailable     = "available"
)

// DefaultStatusAliases maps normalized dimension statuses to the statuses
// derived from the timeline.
var DefaultStatusAliases = map[string]string{
	"in maintenance":      StatusInMaintenance,
	"in_maintenance":      StatusInMaintenance,
	"maintenance":         StatusInMaintenance,
	"workshop":            StatusInMaintenance,
	"manutencao":          StatusInMaintenance,
	"em manutencao":       StatusInMaintenance,
	"oficina":             StatusInMaintenance,
	"aguardando retirada": StatusInMaintenance,
	"available":           StatusAvailable,
	"active":              StatusAvailable,
	"in operation":        StatusAvailable,
	"rented":              StatusAvailable,
	"ativo":               StatusAvailable,
	"disponivel":          StatusAvailable,
	"em operacao":         StatusAvailable,
	"locado":              StatusAvailable,
}

type Config struct {
	Logger *slog.Logger
	// StatusAliases overrides DefaultStatusAliases. Keys are compared after
	// label normalization.
	StatusAliases map[string]string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if len(c.StatusAliases) == 0 {
		c.StatusAliases = DefaultStatusAliases
	}
	return nil
}

// Entry is one vehicle as seen by one side of the comparison. Status may be
// empty.
type Entry struct {
	Plate  string
	Status string
}

type Mismatch struct {
	Plate           string
	DimensionStatus string
	TimelineStatus  string
}

type Report struct {
	DimensionCount int
	TimelineCount  int
	Matched        int
	DimensionOnly  []string
	TimelineOnly   []string
	Mismatches     []Mismatch
	// Unmapped counts matched plates whose dimension status has no alias.
	Unmapped int
}

// OK reports whether both sides agree.
func (r *Report) OK() bool {
	return len(r.DimensionOnly) == 0 && len(r.TimelineOnly) == 0 && len(r.Mismatches) == 0
}

type Validator struct {
	log     *slog.Logger
	aliases map[string]string
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	aliases := make(map[string]string, len(cfg.StatusAliases))
	for k, v := range cfg.StatusAliases {
		aliases[timeline.NormalizeLabel(k)] = v
	}
	return &Validator{log: cfg.Logger, aliases: aliases}, nil
}

// Compare cross-checks the vehicle dimension against the timeline. It never
// mutates either side.
func (v *Validator) Compare(dimension, tl []Entry) *Report {
	dims := index(dimension)
	tls := index(tl)
	r := &Report{DimensionCount: len(dims), TimelineCount: len(tls)}

	for plate, dimStatus := range dims {
		tlStatus, ok := tls[plate]
		if !ok {
			r.DimensionOnly = append(r.DimensionOnly, plate)
			continue
		}
		r.Matched++
		if dimStatus == "" || tlStatus == "" {
			continue
		}
		canonical, ok := v.aliases[timeline.NormalizeLabel(dimStatus)]
		if !ok {
			r.Unmapped++
			continue
		}
		if canonical != tlStatus {
			r.Mismatches = append(r.Mismatches, Mismatch{Plate: plate, DimensionStatus: dimStatus, TimelineStatus: tlStatus})
		}
	}
	for plate := range tls {
		if _, ok := dims[plate]; !ok {
			r.TimelineOnly = append(r.TimelineOnly, plate)
		}
	}
	slices.Sort(r.DimensionOnly)
	slices.Sort(r.TimelineOnly)
	slices.SortFunc(r.Mismatches, func(a, b Mismatch) int {
		return strings.Compare(a.Plate, b.Plate)
	})

	v.log.Info("validator: compared",
		"dimension", r.DimensionCount,
		"timeline", r.TimelineCount,
		"dimension_only", len(r.DimensionOnly),
		"timeline_only", len(r.TimelineOnly),
		"status_mismatches", len(r.Mismatches))
	return r
}

func index(entries []Entry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		p := timeline.NormalizePlate(e.Plate)
		if p == "" {
			continue
		}
		if _, ok := out[p]; ok && e.Status == "" {
			continue
		}
		out[p] = e.Status
	}
	return out
}

// FromDimensions builds entries from the vehicle dimension.
func FromDimensions(dims []timeline.Dimension) []Entry {
	out := make([]Entry, len(dims))
	for i, d := range dims {
		out[i] = Entry{Plate: d.Plate, Status: d.Status}
	}
	return out
}

// FromSummaries builds entries from lifecycle summaries. A plate with an
// open interval is in maintenance.
func FromSummaries(summaries []timeline.Summary) []Entry {
	out := make([]Entry, len(summaries))
	for i, s := range summaries {
		status := StatusAvailable
		if s.OpenIntervals > 0 {
			status = StatusInMaintenance
		}
		out[i] = Entry{Plate: s.Plate, Status: status}
	}
	return out
}

// Render prints the report as tables.
func (r *Report) Render(w io.Writer) {
	summary := tablewriter.NewWriter(w)
	summary.SetAutoFormatHeaders(false)
	summary.SetHeader([]string{"Dimension", "Timeline", "Matched", "Dimension only", "Timeline only", "Status mismatches", "Unmapped statuses"})
	summary.Append([]string{
		strconv.Itoa(r.DimensionCount),
		strconv.Itoa(r.TimelineCount),
		strconv.Itoa(r.Matched),
		strconv.Itoa(len(r.DimensionOnly)),
		strconv.Itoa(len(r.TimelineOnly)),
		strconv.Itoa(len(r.Mismatches)),
		strconv.Itoa(r.Unmapped),
	})
	summary.Render()

	if len(r.DimensionOnly) > 0 || len(r.TimelineOnly) > 0 {
		diff := tablewriter.NewWriter(w)
		diff.SetAutoFormatHeaders(false)
		diff.SetHeader([]string{"Plate", "Only in"})
		for _, p := range r.DimensionOnly {
			diff.Append([]string{p, "dimension"})
		}
		for _, p := range r.TimelineOnly {
			diff.Append([]string{p, "timeline"})
		}
		diff.Render()
	}

	if len(r.Mismatches) > 0 {
		mm := tablewriter.NewWriter(w)
		mm.SetAutoFormatHeaders(false)
		mm.SetHeader([]string{"Plate", "Dimension status", "Timeline status"})
		for _, m := range r.Mismatches {
			mm.Append([]string{m.Plate, m.DimensionStatus, m.TimelineStatus})
		}
		mm.Render()
	}
}
