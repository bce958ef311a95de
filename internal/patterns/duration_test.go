package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func durEvent(entityID, state string, dur float64, at time.Time) Event {
	d := dur
	return Event{EntityID: entityID, State: state, Duration: &d, At: at}
}

func TestDurationDetector_ConsistentDurations(t *testing.T) {
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 6; i++ {
		events = append(events, durEvent("light.bathroom", "on", 600, base.AddDate(0, 0, i)))
	}

	d := NewDurationDetector(Config{})
	found := d.Detect(events)
	require.Len(t, found, 1)

	p := found[0]
	require.Equal(t, TypeDuration, p.PatternType)
	require.Equal(t, "light.bathroom", p.DeviceID)
	require.Equal(t, 6, p.Occurrences)
	require.Equal(t, 1.0, p.Confidence, "zero variance means full confidence")
	require.Equal(t, 600.0, p.Metadata["avg"])
}

func TestDurationDetector_HighVarianceSuppressed(t *testing.T) {
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	durations := []float64{5, 9000, 30, 14000, 120, 20000}
	var events []Event
	for i, dur := range durations {
		events = append(events, durEvent("light.random", "on", dur, base.AddDate(0, 0, i)))
	}

	d := NewDurationDetector(Config{})
	require.Empty(t, d.Detect(events), "erratic durations never clear the confidence floor")
}

func TestDurationDetector_GroupsByState(t *testing.T) {
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, durEvent("cover.garage", "open", 300, base.AddDate(0, 0, i)))
		events = append(events, durEvent("cover.garage", "closed", 80000, base.AddDate(0, 0, i).Add(time.Hour)))
	}

	d := NewDurationDetector(Config{})
	found := d.Detect(events)
	require.Len(t, found, 2, "open and closed durations are separate patterns")

	states := map[any]bool{}
	for _, p := range found {
		states[p.Metadata["state"]] = true
	}
	require.True(t, states["open"])
	require.True(t, states["closed"])
}

func TestDurationDetector_EventsWithoutDurationIgnored(t *testing.T) {
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	events := make([]Event, 10)
	for i := range events {
		events[i] = Event{EntityID: "light.a", State: "on", At: base.AddDate(0, 0, i)}
	}
	d := NewDurationDetector(Config{})
	require.Empty(t, d.Detect(events))
}
