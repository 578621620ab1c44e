package timeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type mapLookup struct {
	dims  map[string]Dimension
	calls int
	err   error
}

func (m *mapLookup) Lookup(_ context.Context, plate string) (Dimension, bool, error) {
	m.calls++
	if m.err != nil {
		return Dimension{}, false, m.err
	}
	d, ok := m.dims[plate]
	return d, ok, nil
}

func TestTimeline_Summarize(t *testing.T) {
	t.Parallel()

	events := []Event{
		stageEvent("OS-1", day(0), "Arrival"),
		stageEvent("OS-1", day(1), "Departure"),
		stageEvent("OS-2", day(2), "Arrival"),
	}
	other := stageEvent("OS-5", day(1), "Received")
	other.Plate = "XYZ9K88"
	events = append(events, other)

	r := newTestReconstructor(t, day(4), PairingExclusive, "")
	res, err := r.Reconstruct(context.Background(), events)
	require.NoError(t, err)

	t.Run("aggregates_per_plate", func(t *testing.T) {
		t.Parallel()
		lookup := &mapLookup{dims: map[string]Dimension{
			"ABC1D23": {Plate: "ABC1D23", Model: "Onix", Status: "maintenance"},
		}}
		summaries, err := Summarize(context.Background(), res, events, lookup)
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		abc := summaries[0]
		require.Equal(t, "ABC1D23", abc.Plate)
		require.Equal(t, "Onix", abc.Model)
		require.Equal(t, "maintenance", abc.Status)
		require.True(t, abc.InDimension)
		require.Equal(t, 2, abc.Occurrences)
		require.Equal(t, 1, abc.ClosedIntervals)
		require.Equal(t, 1, abc.OpenIntervals)
		require.Equal(t, 3.0, abc.DaysInMaintenance)
		require.Equal(t, 2.0, abc.DaysOpen)
		require.Equal(t, day(0), abc.FirstEvent)
		require.Equal(t, day(2), abc.LastEvent)

		xyz := summaries[1]
		require.Equal(t, "XYZ9K88", xyz.Plate)
		require.False(t, xyz.InDimension)
		require.Equal(t, 3.0, xyz.DaysInMaintenance)
		require.Equal(t, 2, lookup.calls)
	})

	t.Run("without_lookup", func(t *testing.T) {
		t.Parallel()
		summaries, err := Summarize(context.Background(), res, events, nil)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		require.Empty(t, summaries[0].Model)
	})

	t.Run("lookup_error", func(t *testing.T) {
		t.Parallel()
		_, err := Summarize(context.Background(), res, events, &mapLookup{err: errors.New("database is locked")})
		require.Error(t, err)
	})
}
