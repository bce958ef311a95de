package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Three evenings of motion -> hall light -> kitchen light inside a few
// minutes must produce the full-length sequence.
func TestSequenceDetector_RecurringEveningSequence(t *testing.T) {
	base := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	var events []Event
	for day := 0; day < 3; day++ {
		at := base.AddDate(0, 0, day)
		events = append(events,
			Event{EntityID: "binary_sensor.motion_hall", At: at},
			Event{EntityID: "light.hall", At: at.Add(10 * time.Second)},
			Event{EntityID: "light.kitchen", At: at.Add(40 * time.Second)},
		)
	}

	d := NewSequenceDetector(Config{})
	found := d.Detect(events)
	require.NotEmpty(t, found)

	var full *Pattern
	for i := range found {
		if len(found[i].Sequence) == 3 {
			full = &found[i]
		}
	}
	require.NotNil(t, full, "the 3-step sequence must be detected")
	require.Equal(t, []string{"binary_sensor.motion_hall", "light.hall", "light.kitchen"}, full.Sequence)
	require.GreaterOrEqual(t, full.Occurrences, 3)
	require.GreaterOrEqual(t, full.Confidence, 0.5)
}

func TestSequenceDetector_LongerSequenceWinsTies(t *testing.T) {
	base := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	var events []Event
	for day := 0; day < 4; day++ {
		at := base.AddDate(0, 0, day)
		events = append(events,
			Event{EntityID: "a.a", At: at},
			Event{EntityID: "b.b", At: at.Add(5 * time.Second)},
			Event{EntityID: "c.c", At: at.Add(10 * time.Second)},
		)
	}

	d := NewSequenceDetector(Config{})
	found := d.Detect(events)
	require.NotEmpty(t, found)

	best := found[0]
	for _, p := range found[1:] {
		require.False(t, p.Confidence == best.Confidence && len(p.Sequence) > len(best.Sequence),
			"a longer sequence at equal confidence must sort first")
	}
}

func TestSequenceDetector_BelowOccurrenceFloor(t *testing.T) {
	base := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	events := []Event{
		{EntityID: "a.a", At: base},
		{EntityID: "b.b", At: base.Add(time.Minute)},
	}
	d := NewSequenceDetector(Config{})
	require.Empty(t, d.Detect(events), "a single occurrence is below the floor of 3")
}
