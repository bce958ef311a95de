// Package weatheropp scans recent weather readings plus climate-capable
// devices for weather-aware automation opportunities — frost protection
// when overnight lows approach freezing, pre-cooling ahead of hot
// afternoons — independent of the pattern-mined suggestion path. It is
// pure threshold logic over the same event table the pattern detectors
// read; no model is involved.
package weatheropp

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wtthornton/ha-ingestor/internal/patterns"
	"github.com/wtthornton/ha-ingestor/internal/suggestion"
)

// Relationship names the kind of opportunity detected.
type Relationship string

const (
	RelFrostProtection Relationship = "frost_protection"
	RelPreCooling      Relationship = "precooling"
	RelGeneric         Relationship = "weather_aware_automation"
)

// Opportunity is one detected weather-aware automation candidate.
type Opportunity struct {
	ID           string
	Relationship Relationship
	Devices      []string
	Confidence   float64
	ImpactScore  float64
	Rationale    string
	Action       string
	Metadata     map[string]any
}

// Config tunes the thresholds. Temperatures are in the provider's
// configured display unit, Fahrenheit by default.
type Config struct {
	FrostThresholdF float64
	HeatThresholdF  float64
	MinConfidence   float64
}

func (c Config) withDefaults() Config {
	if c.FrostThresholdF == 0 {
		c.FrostThresholdF = 32
	}
	if c.HeatThresholdF == 0 {
		c.HeatThresholdF = 85
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	return c
}

// Detector finds weather-aware opportunities in an event table.
type Detector struct {
	cfg Config
}

// New creates a Detector with zero-value fields filled from defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// weatherReading is one temperature sample pulled out of the event
// table.
type weatherReading struct {
	entityID string
	value    float64
	at       time.Time
}

// Detect scans events for temperature extremes and pairs them with the
// climate entities observed in the same window. When readings or
// climate devices exist but no specific opportunity fires, it emits one
// generic weather-context opportunity so the suggestion feed never goes
// empty on quiet weeks.
func (d *Detector) Detect(events []patterns.Event) []Opportunity {
	readings := temperatureReadings(events)
	climate := climateEntities(events)

	var out []Opportunity
	out = append(out, d.frostProtection(readings, climate)...)
	out = append(out, d.preCooling(readings, climate)...)

	if len(out) == 0 && (len(readings) > 0 || len(climate) > 0) {
		devices := climate
		if len(devices) > 2 {
			devices = devices[:2]
		}
		if len(devices) == 0 {
			devices = []string{"weather.forecast_home"}
		}
		out = append(out, Opportunity{
			ID:           uuid.NewString(),
			Relationship: RelGeneric,
			Devices:      devices,
			Confidence:   0.7,
			ImpactScore:  0.6,
			Rationale:    "Weather-aware automation opportunity based on available climate devices and weather patterns.",
			Action:       "Add a weather condition to an existing climate automation.",
		})
	}
	return out
}

func (d *Detector) frostProtection(readings []weatherReading, climate []string) []Opportunity {
	lows := filterReadings(readings, func(v float64) bool { return v < 40 })
	if len(lows) == 0 {
		return nil
	}
	minTemp := lows[0].value
	for _, r := range lows[1:] {
		if r.value < minTemp {
			minTemp = r.value
		}
	}
	if minTemp >= d.cfg.FrostThresholdF {
		return nil
	}

	out := make([]Opportunity, 0, len(climate))
	for _, entityID := range climate {
		out = append(out, Opportunity{
			ID:           uuid.NewString(),
			Relationship: RelFrostProtection,
			Devices:      []string{entityID},
			Confidence:   0.85,
			ImpactScore:  0.88,
			Rationale:    fmt.Sprintf("Recent lows reached %.1f°F — enable frost protection to prevent frozen pipes.", minTemp),
			Action:       "Set minimum temperature to 62°F overnight.",
			Metadata: map[string]any{
				"current_low": minTemp,
				"threshold":   d.cfg.FrostThresholdF,
			},
		})
	}
	return out
}

func (d *Detector) preCooling(readings []weatherReading, climate []string) []Opportunity {
	if len(readings) == 0 {
		return nil
	}
	maxTemp := readings[0].value
	for _, r := range readings[1:] {
		if r.value > maxTemp {
			maxTemp = r.value
		}
	}
	if maxTemp <= d.cfg.HeatThresholdF {
		return nil
	}

	out := make([]Opportunity, 0, len(climate))
	for _, entityID := range climate {
		out = append(out, Opportunity{
			ID:           uuid.NewString(),
			Relationship: RelPreCooling,
			Devices:      []string{entityID},
			Confidence:   0.78,
			ImpactScore:  0.75,
			Rationale:    fmt.Sprintf("Recent highs reached %.1f°F — pre-cool before peak heat to reduce energy costs.", maxTemp),
			Action:       "Pre-cool before peak afternoon heat.",
			Metadata: map[string]any{
				"current_high": maxTemp,
				"threshold":    d.cfg.HeatThresholdF,
			},
		})
	}
	return out
}

// temperatureReadings extracts numeric samples from weather-flavored
// entities: anything in the weather domain, or a sensor whose id names
// a temperature-adjacent quantity.
func temperatureReadings(events []patterns.Event) []weatherReading {
	var out []weatherReading
	for _, e := range events {
		if e.Numeric == nil {
			continue
		}
		if !isWeatherEntity(e) {
			continue
		}
		out = append(out, weatherReading{entityID: e.EntityID, value: *e.Numeric, at: e.At})
	}
	return out
}

func isWeatherEntity(e patterns.Event) bool {
	if e.Domain == "weather" {
		return true
	}
	if e.Domain != "sensor" {
		return false
	}
	for _, sub := range []string{"weather", "temperature", "outdoor_temp", "forecast"} {
		if strings.Contains(e.EntityID, sub) {
			return true
		}
	}
	return false
}

// climateEntities returns the distinct climate-domain entity ids seen
// in the window, in first-seen order.
func climateEntities(events []patterns.Event) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if e.Domain != "climate" || seen[e.EntityID] {
			continue
		}
		seen[e.EntityID] = true
		out = append(out, e.EntityID)
	}
	return out
}

func filterReadings(rs []weatherReading, keep func(float64) bool) []weatherReading {
	var out []weatherReading
	for _, r := range rs {
		if keep(r.value) {
			out = append(out, r)
		}
	}
	return out
}

// Suggestion converts an opportunity into a draft suggestion record so
// it flows through the same persistence and approval path as
// pattern-mined suggestions.
func (o Opportunity) Suggestion(now time.Time) suggestion.Suggestion {
	category := suggestion.CategoryComfort
	if o.Relationship == RelPreCooling {
		category = suggestion.CategoryEnergy
	}
	priority := suggestion.PriorityLow
	switch {
	case o.Confidence >= 0.85:
		priority = suggestion.PriorityHigh
	case o.Confidence >= 0.65:
		priority = suggestion.PriorityMedium
	}
	return suggestion.Suggestion{
		SuggestionID:    "sugg-" + o.ID,
		Status:          suggestion.StatusDraft,
		DescriptionOnly: o.Rationale + " " + o.Action,
		Category:        category,
		Priority:        priority,
		Confidence:      o.Confidence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
