package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedPeakHours map[string][]int

func (f fixedPeakHours) PeakHoursFor(entityID string) []int { return f[entityID] }

func TestAnomalyDetector_OffHoursActivityFlaggedAgainstPeaks(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 10; i++ {
		events = append(events, Event{EntityID: "light.bedroom", At: base.AddDate(0, 0, i).Add(7 * time.Hour)})
	}
	events = append(events, Event{EntityID: "light.bedroom", At: base.Add(3 * time.Hour)})

	d := NewAnomalyDetector(Config{MinOccurrences: 5})
	d.Peaks = fixedPeakHours{"light.bedroom": {7}}

	found := d.Detect(events)
	require.Len(t, found, 1)
	require.Equal(t, "off_hours_activity", found[0].Metadata["anomaly_type"])
	require.Equal(t, 3, found[0].Metadata["hour"])
}

func TestAnomalyDetector_NoPeaksConfiguredSkipsOffHoursCheck(t *testing.T) {
	base := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	events := make([]Event, 10)
	for i := range events {
		events[i] = Event{EntityID: "light.bedroom", At: base.AddDate(0, 0, i)}
	}

	d := NewAnomalyDetector(Config{MinOccurrences: 5})
	require.Empty(t, d.Detect(events))
}
