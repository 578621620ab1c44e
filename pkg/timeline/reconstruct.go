package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/metrics"
)

// PairingMode decides how departures are matched to arrivals.
type PairingMode string

const (
	// PairingExclusive keeps a single open interval per group. Arrivals
	// while an interval is open are absorbed and a departure closes at most
	// one interval.
	PairingExclusive PairingMode = "exclusive"
	// PairingShared lets every arrival search forward for the next
	// departure on its own, so one departure may close several intervals.
	PairingShared PairingMode = "shared"
)

// DirectRule decides when a record with an explicit start is taken as an
// interval on its own instead of being scanned by stage label.
type DirectRule string

const (
	// DirectRuleEndOrNoStage: an explicit end is present, or the record has
	// no stage label.
	DirectRuleEndOrNoStage DirectRule = "end_or_no_stage"
	// DirectRuleNoStageOnly: the record has no stage label.
	DirectRuleNoStageOnly DirectRule = "no_stage_only"
)

const defaultConcurrency = 8

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Pairing     PairingMode
	DirectRule  DirectRule
	Concurrency int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	switch c.Pairing {
	case "":
		c.Pairing = PairingExclusive
	case PairingExclusive, PairingShared:
	default:
		return fmt.Errorf("unknown pairing mode %q", c.Pairing)
	}
	switch c.DirectRule {
	case "":
		c.DirectRule = DirectRuleEndOrNoStage
	case DirectRuleEndOrNoStage, DirectRuleNoStageOnly:
	default:
		return fmt.Errorf("unknown direct rule %q", c.DirectRule)
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// Interval is a derived maintenance interval. Open intervals end at the
// reconstruction time.
type Interval struct {
	Plate      string
	Occurrence string
	Start      time.Time
	End        time.Time
	Open       bool
	Days       float64
	Direct     bool
}

type Result struct {
	Intervals   []Interval
	GeneratedAt time.Time

	Groups int
	// ClosedGroups have at least one interval and none open.
	ClosedGroups int
	// OpenGroups have at least one open interval.
	OpenGroups       int
	ClosedIntervals  int
	OpenIntervals    int
	DirectIntervals  int
	UnorderedEvents  int
	OrphanDepartures int
}

type groupResult struct {
	intervals        []Interval
	unordered        int
	orphanDepartures int
}

type Reconstructor struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[groupResult]
}

func New(cfg Config) (*Reconstructor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconstructor{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[groupResult](cfg.Concurrency),
	}, nil
}

func (r *Reconstructor) Close() {
	r.pool.StopAndWait()
}

// Reconstruct derives maintenance intervals from events. Records that
// qualify as direct intervals are taken as they are; the rest are grouped by
// occurrence and scanned in time order.
func (r *Reconstructor) Reconstruct(ctx context.Context, events []Event) (*Result, error) {
	now := r.cfg.Clock.Now().UTC()
	res := &Result{GeneratedAt: now}

	var scan []Event
	for _, e := range events {
		if iv, ok := directInterval(e, r.cfg.DirectRule, now); ok {
			res.Intervals = append(res.Intervals, iv)
			continue
		}
		scan = append(scan, e)
	}
	res.DirectIntervals = len(res.Intervals)

	groups := GroupEvents(scan)
	res.Groups = len(groups)
	if len(groups) > 0 {
		group := r.pool.NewGroupContext(ctx)
		for _, g := range groups {
			group.Submit(func() groupResult {
				return reconstructGroup(g, now, r.cfg.Pairing)
			})
		}
		results, err := group.Wait()
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct timeline: %w", err)
		}
		for _, gr := range results {
			res.Intervals = append(res.Intervals, gr.intervals...)
			res.UnorderedEvents += gr.unordered
			res.OrphanDepartures += gr.orphanDepartures

			open := 0
			for _, iv := range gr.intervals {
				if iv.Open {
					open++
				}
			}
			switch {
			case open > 0:
				res.OpenGroups++
			case len(gr.intervals) > 0:
				res.ClosedGroups++
			}
		}
	}

	for _, iv := range res.Intervals {
		if iv.Open {
			res.OpenIntervals++
		} else {
			res.ClosedIntervals++
		}
	}
	metrics.TimelineIntervals.WithLabelValues("closed").Set(float64(res.ClosedIntervals))
	metrics.TimelineIntervals.WithLabelValues("open").Set(float64(res.OpenIntervals))

	r.log.Info("timeline: reconstructed",
		"groups", res.Groups,
		"closed_intervals", res.ClosedIntervals,
		"open_intervals", res.OpenIntervals,
		"direct_intervals", res.DirectIntervals,
		"unordered_events", res.UnorderedEvents,
		"orphan_departures", res.OrphanDepartures)
	return res, nil
}

func directInterval(e Event, rule DirectRule, now time.Time) (Interval, bool) {
	if e.Start == nil {
		return Interval{}, false
	}
	direct := !e.HasLabel
	if rule == DirectRuleEndOrNoStage && e.End != nil {
		direct = true
	}
	if !direct {
		return Interval{}, false
	}
	iv := Interval{Plate: e.Plate, Occurrence: e.Occurrence, Start: *e.Start, Direct: true}
	if e.End != nil {
		iv.End = *e.End
	} else {
		iv.End, iv.Open = now, true
	}
	iv.Days = days(iv.Start, iv.End)
	return iv, true
}

func reconstructGroup(g Group, now time.Time, mode PairingMode) groupResult {
	out := groupResult{unordered: len(g.Unordered)}
	emit := func(start Event, end *Event) {
		iv := Interval{Plate: g.Plate, Occurrence: g.Key, Start: start.At}
		if end != nil {
			iv.End = end.At
		} else {
			iv.End, iv.Open = now, true
		}
		iv.Days = days(iv.Start, iv.End)
		out.intervals = append(out.intervals, iv)
	}

	switch mode {
	case PairingShared:
		matched := make([]bool, len(g.Events))
		for i, e := range g.Events {
			if e.Stage != StageArrival {
				continue
			}
			closed := false
			for j := i + 1; j < len(g.Events); j++ {
				if g.Events[j].Stage == StageDeparture {
					emit(e, &g.Events[j])
					matched[j] = true
					closed = true
					break
				}
			}
			if !closed {
				emit(e, nil)
			}
		}
		for i, e := range g.Events {
			if e.Stage == StageDeparture && !matched[i] {
				out.orphanDepartures++
			}
		}

	default:
		var open *Event
		for i := range g.Events {
			e := &g.Events[i]
			switch e.Stage {
			case StageArrival:
				if open == nil {
					open = e
				}
			case StageDeparture:
				if open == nil {
					out.orphanDepartures++
					continue
				}
				emit(*open, e)
				open = nil
			}
		}
		if open != nil {
			emit(*open, nil)
		}
	}
	return out
}

// days returns the length of [start, end] in days, never negative.
func days(start, end time.Time) float64 {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24
}
