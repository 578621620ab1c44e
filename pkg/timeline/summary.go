package timeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Dimension is the vehicle dimension row of a plate.
type Dimension struct {
	Plate  string
	Model  string
	Status string
}

// DimensionLookup resolves a normalized plate to its dimension row.
type DimensionLookup interface {
	Lookup(ctx context.Context, plate string) (Dimension, bool, error)
}

// Summary is the lifecycle of one vehicle.
type Summary struct {
	Plate      string
	Model      string
	Status     string
	FirstEvent time.Time
	LastEvent  time.Time
	// Occurrences counts distinct occurrence keys seen for the plate.
	Occurrences       int
	ClosedIntervals   int
	OpenIntervals     int
	DaysInMaintenance float64
	// DaysOpen is the part of DaysInMaintenance still accruing.
	DaysOpen float64
	// InDimension is false when the plate has no dimension row.
	InDimension bool
}

// Summarize aggregates intervals and events per plate. lookup may be nil.
func Summarize(ctx context.Context, res *Result, events []Event, lookup DimensionLookup) ([]Summary, error) {
	byPlate := make(map[string]*Summary)
	occurrences := make(map[string]map[string]struct{})
	get := func(plate string) *Summary {
		s, ok := byPlate[plate]
		if !ok {
			s = &Summary{Plate: plate}
			byPlate[plate] = s
			occurrences[plate] = make(map[string]struct{})
		}
		return s
	}
	touch := func(s *Summary, t time.Time) {
		if s.FirstEvent.IsZero() || t.Before(s.FirstEvent) {
			s.FirstEvent = t
		}
		if t.After(s.LastEvent) {
			s.LastEvent = t
		}
	}

	for _, e := range events {
		s := get(e.Plate)
		occurrences[e.Plate][e.Occurrence] = struct{}{}
		if e.HasTime {
			touch(s, e.At)
		}
		if e.End != nil {
			touch(s, *e.End)
		}
	}
	for _, iv := range res.Intervals {
		s := get(iv.Plate)
		occurrences[iv.Plate][iv.Occurrence] = struct{}{}
		touch(s, iv.Start)
		s.DaysInMaintenance += iv.Days
		if iv.Open {
			s.OpenIntervals++
			s.DaysOpen += iv.Days
			continue
		}
		s.ClosedIntervals++
		touch(s, iv.End)
	}

	out := make([]Summary, 0, len(byPlate))
	for plate, s := range byPlate {
		s.Occurrences = len(occurrences[plate])
		if lookup != nil {
			dim, ok, err := lookup.Lookup(ctx, plate)
			if err != nil {
				return nil, fmt.Errorf("failed to look up plate %s: %w", plate, err)
			}
			if ok {
				s.Model, s.Status, s.InDimension = dim.Model, dim.Status, true
			}
		}
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return strings.Compare(a.Plate, b.Plate)
	})
	return out, nil
}
