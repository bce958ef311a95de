package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// 5 motion->light pairs 15-25s apart across a week yield one pattern
// at confidence 1.0 with the delta average inside [10, 30]s.
func TestCoOccurrenceDetector_MotionThenLight(t *testing.T) {
	base := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	deltas := []time.Duration{15 * time.Second, 18 * time.Second, 20 * time.Second, 22 * time.Second, 25 * time.Second}

	var events []Event
	for i, delta := range deltas {
		day := base.AddDate(0, 0, i)
		events = append(events,
			Event{EntityID: "binary_sensor.motion_hall", DeviceID: "binary_sensor.motion_hall", At: day},
			Event{EntityID: "light.hall", DeviceID: "light.hall", At: day.Add(delta)},
		)
	}

	d := NewCoOccurrenceDetector(Config{MinOccurrences: 3, MinConfidence: 0.5})
	patterns := d.Detect(events)

	require.Len(t, patterns, 1)
	p := patterns[0]
	require.Equal(t, TypeCoOccurrence, p.PatternType)
	require.Equal(t, 5, p.Occurrences)
	require.Equal(t, 1.0, p.Confidence)
	require.ElementsMatch(t, []string{"binary_sensor.motion_hall", "light.hall"}, p.DevicePair[:])

	avgDelta := p.Metadata["avg_time_delta_seconds"].(float64)
	require.GreaterOrEqual(t, avgDelta, 10.0)
	require.LessOrEqual(t, avgDelta, 30.0)
}

func TestCoOccurrenceDetector_BelowMinSupportDropped(t *testing.T) {
	base := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	events := []Event{
		{EntityID: "binary_sensor.motion_hall", At: base},
		{EntityID: "light.hall", At: base.Add(20 * time.Second)},
	}

	d := NewCoOccurrenceDetector(Config{MinOccurrences: 3, MinConfidence: 0.5})
	require.Empty(t, d.Detect(events))
}
