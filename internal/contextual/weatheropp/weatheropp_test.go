package weatheropp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/internal/patterns"
	"github.com/wtthornton/ha-ingestor/internal/suggestion"
)

func tempEvent(entityID string, value float64, at time.Time) patterns.Event {
	v := value
	return patterns.Event{
		EntityID: entityID,
		DeviceID: entityID,
		Domain:   "sensor",
		Numeric:  &v,
		At:       at,
	}
}

func climateEvent(entityID string, at time.Time) patterns.Event {
	return patterns.Event{EntityID: entityID, DeviceID: entityID, Domain: "climate", State: "heat", At: at}
}

func TestDetect_FrostProtection(t *testing.T) {
	now := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	events := []patterns.Event{
		tempEvent("sensor.outdoor_temperature", 28.5, now),
		tempEvent("sensor.outdoor_temperature", 45.0, now.Add(6*time.Hour)),
		climateEvent("climate.living_room", now),
		climateEvent("climate.bedroom", now),
	}

	opps := New(Config{}).Detect(events)

	var frost []Opportunity
	for _, o := range opps {
		if o.Relationship == RelFrostProtection {
			frost = append(frost, o)
		}
	}
	require.Len(t, frost, 2, "one frost opportunity per climate device")
	assert.Equal(t, []string{"climate.living_room"}, frost[0].Devices)
	assert.InDelta(t, 0.85, frost[0].Confidence, 0.001)
	assert.Contains(t, frost[0].Rationale, "28.5")
}

func TestDetect_PreCooling(t *testing.T) {
	now := time.Date(2026, 7, 10, 14, 0, 0, 0, time.UTC)
	events := []patterns.Event{
		tempEvent("sensor.outdoor_temperature", 93.0, now),
		climateEvent("climate.living_room", now),
	}

	opps := New(Config{}).Detect(events)

	require.Len(t, opps, 1)
	assert.Equal(t, RelPreCooling, opps[0].Relationship)
	assert.InDelta(t, 0.78, opps[0].Confidence, 0.001)
}

func TestDetect_MildWeatherEmitsGenericOpportunity(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	events := []patterns.Event{
		tempEvent("sensor.outdoor_temperature", 68.0, now),
		climateEvent("climate.living_room", now),
	}

	opps := New(Config{}).Detect(events)

	require.Len(t, opps, 1, "a generic opportunity keeps the feed non-empty")
	assert.Equal(t, RelGeneric, opps[0].Relationship)
	assert.Equal(t, []string{"climate.living_room"}, opps[0].Devices)
}

func TestDetect_NoDataNoOpportunities(t *testing.T) {
	opps := New(Config{}).Detect(nil)
	assert.Empty(t, opps)

	// non-weather events alone produce nothing either
	opps = New(Config{}).Detect([]patterns.Event{
		{EntityID: "light.kitchen", Domain: "light", State: "on", At: time.Now()},
	})
	assert.Empty(t, opps)
}

func TestOpportunitySuggestion(t *testing.T) {
	now := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	o := Opportunity{
		ID:           "abc",
		Relationship: RelFrostProtection,
		Devices:      []string{"climate.living_room"},
		Confidence:   0.85,
		Rationale:    "Recent lows reached 28.5°F.",
		Action:       "Set minimum temperature to 62°F overnight.",
	}

	s := o.Suggestion(now)
	assert.Equal(t, "sugg-abc", s.SuggestionID)
	assert.Equal(t, suggestion.StatusDraft, s.Status)
	assert.Nil(t, s.AutomationYAML)
	assert.Equal(t, suggestion.CategoryComfort, s.Category)
	assert.Equal(t, suggestion.PriorityHigh, s.Priority)

	cooling := Opportunity{ID: "def", Relationship: RelPreCooling, Confidence: 0.78}
	s = cooling.Suggestion(now)
	assert.Equal(t, suggestion.CategoryEnergy, s.Category)
	assert.Equal(t, suggestion.PriorityMedium, s.Priority)
}
