package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func morningLightEvents(n int, jitterMinutes []int) []Event {
	out := make([]Event, n)
	base := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		jitter := 0
		if i < len(jitterMinutes) {
			jitter = jitterMinutes[i]
		}
		out[i] = Event{
			EntityID: "light.bedroom",
			DeviceID: "light.bedroom",
			Domain:   "light",
			At:       base.AddDate(0, 0, i).Add(time.Duration(jitter) * time.Minute),
		}
	}
	return out
}

// 20 daily events at 07:00 ± 2 min must collapse into one pattern
// covering every event, not a fragment of it.
func TestTimeOfDayDetector_MorningLightRoutine(t *testing.T) {
	jitter := []int{0, 1, -1, 2, -2, 0, 1, -1, 2, -2, 0, 1, -1, 2, -2, 0, 1, -1, 2, -2}
	events := morningLightEvents(20, jitter)

	d := NewTimeOfDayDetector(Config{})
	patterns := d.Detect(events)

	require.Len(t, patterns, 1)
	p := patterns[0]
	require.Equal(t, "light.bedroom", p.DeviceID)
	require.Equal(t, 20, p.Occurrences)
	require.Equal(t, 1.0, p.Confidence)
	require.Equal(t, 7, p.Metadata["hour"])
}

// TestTimeOfDayDetector_MorningAndEveningStayDistinct confirms the
// cluster merge doesn't fold together routines 12 hours apart.
func TestTimeOfDayDetector_MorningAndEveningStayDistinct(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 12; i++ {
		day := base.AddDate(0, 0, i)
		events = append(events,
			Event{EntityID: "light.bedroom", DeviceID: "light.bedroom", At: day.Add(7 * time.Hour)},
			Event{EntityID: "light.bedroom", DeviceID: "light.bedroom", At: day.Add(19 * time.Hour)},
		)
	}

	d := NewTimeOfDayDetector(Config{MinConfidence: 0.3})
	patterns := d.Detect(events)

	require.Len(t, patterns, 2)
	hours := map[int]bool{}
	for _, p := range patterns {
		hours[p.Metadata["hour"].(int)] = true
	}
	require.True(t, hours[7])
	require.True(t, hours[19])
}

// 18 events split between two genuine routines fall in the two-cluster
// tier (15 <= n < 21) and must come out as two patterns, not one merged
// cluster with a misleading mean.
func TestTimeOfDayDetector_TwoClusterTierSplitsTwoRoutines(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 9; i++ {
		day := base.AddDate(0, 0, i)
		events = append(events,
			Event{EntityID: "light.bedroom", DeviceID: "light.bedroom", At: day.Add(7 * time.Hour)},
			Event{EntityID: "light.bedroom", DeviceID: "light.bedroom", At: day.Add(19 * time.Hour)},
		)
	}

	d := NewTimeOfDayDetector(Config{})
	patterns := d.Detect(events)

	require.Len(t, patterns, 2)
	hours := map[int]int{}
	for _, p := range patterns {
		hours[p.Metadata["hour"].(int)] = p.Occurrences
	}
	require.Equal(t, 9, hours[7])
	require.Equal(t, 9, hours[19])
}

func TestTimeOfDayDetector_SkipsBelowMinOccurrences(t *testing.T) {
	events := morningLightEvents(3, nil)
	d := NewTimeOfDayDetector(Config{MinOccurrences: 5})
	require.Empty(t, d.Detect(events))
}

func TestTimeOfDayDetector_ExactlyAtMinOccurrencesEmits(t *testing.T) {
	events := morningLightEvents(5, nil)
	d := NewTimeOfDayDetector(Config{MinOccurrences: 5, MinConfidence: 0.5})
	patterns := d.Detect(events)
	require.Len(t, patterns, 1)
	require.Equal(t, 5, patterns[0].Occurrences)
}
