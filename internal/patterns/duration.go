package patterns

import (
	"fmt"
)

// DurationDetector computes per-entity, per-state duration statistics.
type DurationDetector struct {
	Config
}

// NewDurationDetector applies defaults: min occurrences 5.
func NewDurationDetector(cfg Config) *DurationDetector {
	return &DurationDetector{cfg.withDefaults(5, 0.5)}
}

func (d *DurationDetector) Detect(events []Event) []Pattern {
	type group struct {
		durations []float64
		events    []Event
	}
	groups := make(map[string]*group)
	var order []string

	for _, e := range events {
		if e.Duration == nil {
			continue
		}
		key := e.EntityID + "|" + e.State
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.durations = append(g.durations, *e.Duration)
		g.events = append(g.events, e)
	}

	var out []Pattern
	for _, key := range order {
		g := groups[key]
		if len(g.durations) < d.MinOccurrences {
			continue
		}

		avg, min, max, variance := stats(g.durations)
		normalizedVariance := variance / (avg*avg + 1) // avoid divide-by-zero when avg==0
		confidence := 1 - normalizedVariance
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		if confidence < d.MinConfidence {
			continue
		}

		first, last := firstLast(g.events)
		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("dur-%s", key),
			PatternType: TypeDuration,
			DeviceID:    g.events[0].EntityID,
			Confidence:  confidence,
			Occurrences: len(g.durations),
			FirstSeen:   first,
			LastSeen:    last,
			Metadata: map[string]any{
				"state":    g.events[0].State,
				"avg":      avg,
				"min":      min,
				"max":      max,
				"variance": variance,
			},
		})
	}
	return out
}

func stats(values []float64) (avg, min, max, variance float64) {
	min, max = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg = sum / float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	variance = sumSq / float64(len(values))
	return
}
