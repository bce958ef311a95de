package patterns

import (
	"fmt"
	"math"
)

// Severity buckets an anomaly's deviation from baseline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
)

// PeakHourSource supplies an entity's historically peak-activity hours,
// letting the Anomaly detector flag activity outside those hours even
// when this sweep's own raw events don't carry enough history to build
// a numeric baseline. Satisfied by an adapter over aggregates.Reader;
// defined here rather than importing that package directly, since
// aggregates already imports patterns for Event and a Reader-typed field
// here would close the cycle.
type PeakHourSource interface {
	PeakHoursFor(entityID string) []int
}

// AnomalyDetector maintains a per-hour distribution baseline per entity
// and scores each point against it by z-score. The
// isolation-forest-equivalent path is delegated to the ML classify()
// oracle when Classifier is set; nil falls back to z-score only. When
// Peaks is set, activity outside the entity's historical peak hours is
// flagged too, independent of whether the point carries a numeric value.
type AnomalyDetector struct {
	Config
	Classifier func(entityID string, value float64, hour int) (score float64, ok bool)
	Peaks      PeakHourSource
}

// NewAnomalyDetector applies defaults: min occurrences 10 (need a
// baseline), min confidence unused (anomaly emits independent of
// confidence floor; severity is derived from the z-score).
func NewAnomalyDetector(cfg Config) *AnomalyDetector {
	return &AnomalyDetector{Config: cfg.withDefaults(10, 0)}
}

func (d *AnomalyDetector) Detect(events []Event) []Pattern {
	var out []Pattern
	for entityID, devEvents := range byEntity(events) {
		if len(devEvents) < d.MinOccurrences {
			continue
		}

		out = append(out, d.numericAnomalies(entityID, devEvents)...)
		out = append(out, d.offHoursAnomalies(entityID, devEvents)...)
	}
	return out
}

func (d *AnomalyDetector) numericAnomalies(entityID string, devEvents []Event) []Pattern {
	baseline := buildHourlyBaseline(devEvents)

	var out []Pattern
	for _, e := range devEvents {
		if e.Numeric == nil {
			continue
		}
		hourStats, ok := baseline[e.At.Hour()]
		if !ok || hourStats.n < 3 {
			continue
		}

		var score float64
		anomalyType := "z_score"
		if d.Classifier != nil {
			if s, ok := d.Classifier(entityID, *e.Numeric, e.At.Hour()); ok {
				score = s
				anomalyType = "ml_classifier"
			} else {
				score = zScore(*e.Numeric, hourStats)
			}
		} else {
			score = zScore(*e.Numeric, hourStats)
		}

		absScore := math.Abs(score)
		if absScore < 2 {
			continue // within two standard deviations: not anomalous
		}

		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("anom-%s-%d", entityID, e.At.Unix()),
			PatternType: TypeAnomaly,
			DeviceID:    entityID,
			Confidence:  math.Min(absScore/5, 1),
			Occurrences: 1,
			FirstSeen:   e.At,
			LastSeen:    e.At,
			Metadata: map[string]any{
				"anomaly_type":       anomalyType,
				"score":              score,
				"baseline_deviation": absScore,
				"severity":           severityFor(absScore),
			},
		})
	}
	return out
}

// offHoursAnomalies flags activity in hours absent from the entity's
// historical peak hours. A detector sweep only sees its own lookback
// window; the Aggregate rollups behind Peaks carry the longer history
// needed to know what "normal" looks like for this entity.
func (d *AnomalyDetector) offHoursAnomalies(entityID string, devEvents []Event) []Pattern {
	if d.Peaks == nil {
		return nil
	}
	peakHours := d.Peaks.PeakHoursFor(entityID)
	if len(peakHours) == 0 {
		return nil
	}
	peakSet := make(map[int]bool, len(peakHours))
	for _, h := range peakHours {
		peakSet[h] = true
	}

	var out []Pattern
	for _, e := range devEvents {
		if peakSet[e.At.Hour()] {
			continue
		}
		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("anom-offhour-%s-%d", entityID, e.At.Unix()),
			PatternType: TypeAnomaly,
			DeviceID:    entityID,
			Confidence:  0.6,
			Occurrences: 1,
			FirstSeen:   e.At,
			LastSeen:    e.At,
			Metadata: map[string]any{
				"anomaly_type": "off_hours_activity",
				"hour":         e.At.Hour(),
				"peak_hours":   peakHours,
				"severity":     SeverityLow,
			},
		})
	}
	return out
}

func severityFor(absScore float64) Severity {
	switch {
	case absScore >= 4:
		return SeverityHigh
	case absScore >= 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type hourBaseline struct {
	mean   float64
	stdDev float64
	n      int
}

func buildHourlyBaseline(events []Event) map[int]hourBaseline {
	byHour := make(map[int][]float64)
	for _, e := range events {
		if e.Numeric == nil {
			continue
		}
		byHour[e.At.Hour()] = append(byHour[e.At.Hour()], *e.Numeric)
	}

	out := make(map[int]hourBaseline, len(byHour))
	for hour, values := range byHour {
		if len(values) == 0 {
			continue
		}
		avg, _, _, variance := stats(values)
		out[hour] = hourBaseline{mean: avg, stdDev: math.Sqrt(variance), n: len(values)}
	}
	return out
}

func zScore(value float64, b hourBaseline) float64 {
	if b.stdDev == 0 {
		return 0
	}
	return (value - b.mean) / b.stdDev
}
