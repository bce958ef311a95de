package patterns

import (
	"fmt"
)

// ContextualDetector joins events with weather/occupancy/time-bucket
// context and groups by (entity_id, context_key).
type ContextualDetector struct {
	Config
	WeatherWeight  float64
	PresenceWeight float64
	TimeWeight     float64
}

// NewContextualDetector applies defaults: weights 0.3/0.4/0.3, min
// occurrences 5.
func NewContextualDetector(cfg Config) *ContextualDetector {
	return &ContextualDetector{
		Config:         cfg.withDefaults(5, 0.5),
		WeatherWeight:  0.3,
		PresenceWeight: 0.4,
		TimeWeight:     0.3,
	}
}

type contextGroup struct {
	entityID   string
	contextKey string
	events     []Event
}

func (d *ContextualDetector) Detect(events []Event) []Pattern {
	groups := make(map[string]*contextGroup)
	var order []string

	for _, e := range events {
		ck := contextKey(e)
		key := e.EntityID + "|" + ck
		g, ok := groups[key]
		if !ok {
			g = &contextGroup{entityID: e.EntityID, contextKey: ck}
			groups[key] = g
			order = append(order, key)
		}
		g.events = append(g.events, e)
	}

	// total events per entity, for per-context frequency weighting.
	totalPerEntity := make(map[string]int)
	for _, e := range events {
		totalPerEntity[e.EntityID]++
	}

	var out []Pattern
	for _, key := range order {
		g := groups[key]
		if len(g.events) < d.MinOccurrences {
			continue
		}

		weatherFreq := bucketFrequency(g.events, func(e Event) string { return e.Weather })
		presenceFreq := bucketFrequency(g.events, func(e Event) string {
			if e.Occupied {
				return "home"
			}
			return "away"
		})
		timeFreq := bucketFrequency(g.events, func(e Event) string { return fmt.Sprintf("%d", e.TimeOfDay/6) })

		confidence := d.WeatherWeight*weatherFreq + d.PresenceWeight*presenceFreq + d.TimeWeight*timeFreq
		if confidence < d.MinConfidence {
			continue
		}

		first, last := firstLast(g.events)
		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("ctx-%s", key),
			PatternType: TypeContextual,
			DeviceID:    g.entityID,
			Confidence:  confidence,
			Occurrences: len(g.events),
			FirstSeen:   first,
			LastSeen:    last,
			Metadata: map[string]any{
				"context_key": g.contextKey,
			},
		})
	}
	return out
}

func contextKey(e Event) string {
	presence := "away"
	if e.Occupied {
		presence = "home"
	}
	return fmt.Sprintf("%s|%s|%d", e.Weather, presence, e.TimeOfDay/6)
}

// bucketFrequency is the proportion of events sharing the most common
// value of the given dimension within this group — the per-context
// frequency the confidence weighting averages over.
func bucketFrequency(events []Event, keyFn func(Event) string) float64 {
	counts := make(map[string]int)
	for _, e := range events {
		counts[keyFn(e)]++
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	if len(events) == 0 {
		return 0
	}
	return float64(max) / float64(len(events))
}
