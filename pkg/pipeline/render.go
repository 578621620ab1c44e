package pipeline

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/malbeclabs/fleetsync/pkg/timeline"
	"github.com/olekukonko/tablewriter"
)

// Render prints the run summary.
func (s *Summary) Render(w io.Writer) {
	fmt.Fprintf(w, "Run: %s\n", s.RunID)
	fmt.Fprintf(w, "Started: %s (%s)\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"), s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Datasets: %d succeeded, %d failed\n", s.Succeeded, s.Failed)

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Dataset", "Status", "Extracted", "Rows", "Missing\nvalues", "Duplicates", "Parts", "Loaded", "Load\nattempts", "Upload\nattempts", "Error"})
	for _, r := range s.Datasets {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		status := string(r.Status)
		if r.Degraded {
			status += " (degraded)"
		}
		table.Append([]string{
			r.Dataset,
			status,
			strconv.Itoa(r.Extracted),
			strconv.Itoa(r.Rows),
			strconv.Itoa(r.Stats.MissingValues),
			strconv.Itoa(r.Stats.Duplicates),
			strconv.Itoa(r.Parts),
			strconv.FormatInt(r.Loaded, 10),
			strconv.Itoa(r.LoadAttempts),
			strconv.Itoa(r.UploadAttempts),
			errMsg,
		})
	}
	table.Render()

	if s.TimelineErr != nil {
		fmt.Fprintf(w, "Timeline: failed: %v\n", s.TimelineErr)
	}
	if s.Timeline != nil && s.Timeline.Result != nil {
		RenderTimeline(w, s.Timeline.Result, nil)
	}
}

// RenderTimeline prints reconstruction counts and, when given, the per
// vehicle summaries.
func RenderTimeline(w io.Writer, res *timeline.Result, summaries []timeline.Summary) {
	counts := tablewriter.NewWriter(w)
	counts.SetAutoFormatHeaders(false)
	counts.SetHeader([]string{"Groups", "Fully paired", "With open interval", "Closed intervals", "Open intervals", "Direct", "Unordered events", "Orphan departures"})
	counts.Append([]string{
		strconv.Itoa(res.Groups),
		strconv.Itoa(res.ClosedGroups),
		strconv.Itoa(res.OpenGroups),
		strconv.Itoa(res.ClosedIntervals),
		strconv.Itoa(res.OpenIntervals),
		strconv.Itoa(res.DirectIntervals),
		strconv.Itoa(res.UnorderedEvents),
		strconv.Itoa(res.OrphanDepartures),
	})
	counts.Render()

	if len(summaries) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Plate", "Model", "Status", "First event", "Last event", "Occurrences", "Closed", "Open", "Days in\nmaintenance", "Days\nopen"})
	for _, s := range summaries {
		table.Append([]string{
			s.Plate,
			s.Model,
			s.Status,
			formatTime(s.FirstEvent),
			formatTime(s.LastEvent),
			strconv.Itoa(s.Occurrences),
			strconv.Itoa(s.ClosedIntervals),
			strconv.Itoa(s.OpenIntervals),
			fmt.Sprintf("%.1f", s.DaysInMaintenance),
			fmt.Sprintf("%.1f", s.DaysOpen),
		})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
