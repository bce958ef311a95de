package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContextualDetector_ConsistentContext(t *testing.T) {
	base := time.Date(2026, 1, 1, 19, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 6; i++ {
		events = append(events, Event{
			EntityID:  "light.living_room",
			At:        base.AddDate(0, 0, i),
			Weather:   "rain",
			Occupied:  true,
			TimeOfDay: 19,
		})
	}

	d := NewContextualDetector(Config{})
	found := d.Detect(events)
	require.Len(t, found, 1)

	p := found[0]
	require.Equal(t, TypeContextual, p.PatternType)
	require.Equal(t, "light.living_room", p.DeviceID)
	require.Equal(t, 6, p.Occurrences)
	require.InDelta(t, 1.0, p.Confidence, 0.001, "uniform context across every dimension")
	require.Equal(t, "rain|home|3", p.Metadata["context_key"])
}

func TestContextualDetector_BelowOccurrenceFloor(t *testing.T) {
	base := time.Date(2026, 1, 1, 19, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 4; i++ {
		events = append(events, Event{EntityID: "light.a", At: base.AddDate(0, 0, i), Weather: "clear", TimeOfDay: 19})
	}
	d := NewContextualDetector(Config{})
	require.Empty(t, d.Detect(events), "4 occurrences is below the floor of 5")
}

func TestContextualDetector_SplitContextsStaySeparate(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, Event{EntityID: "light.a", At: base.AddDate(0, 0, i), Weather: "clear", Occupied: true, TimeOfDay: 8})
		events = append(events, Event{EntityID: "light.a", At: base.AddDate(0, 0, i).Add(12 * time.Hour), Weather: "rain", Occupied: false, TimeOfDay: 20})
	}

	d := NewContextualDetector(Config{})
	found := d.Detect(events)
	require.Len(t, found, 2, "morning-home and evening-away are distinct context groups")
}
