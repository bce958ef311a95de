package patterns

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// CoOccurrenceDetector finds device pairs that fire within a shared
// window.
type CoOccurrenceDetector struct {
	Config
	Window      time.Duration
	MaxSampleN  int // large-dataset downsampling threshold
}

// NewCoOccurrenceDetector applies defaults: 5 min window, min_support 3.
func NewCoOccurrenceDetector(cfg Config) *CoOccurrenceDetector {
	return &CoOccurrenceDetector{
		Config:     cfg.withDefaults(3, 0.5),
		Window:     5 * time.Minute,
		MaxSampleN: 50_000,
	}
}

type pairKey struct{ a, b string }

func sortedPair(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

func (d *CoOccurrenceDetector) Detect(events []Event) []Pattern {
	events = sortByTime(d.downsample(events))

	freq := make(map[string]int)
	for _, e := range events {
		freq[e.EntityID]++
	}

	counts := make(map[pairKey]int)
	deltaSum := make(map[pairKey]float64)

	for i, a := range events {
		for j := i + 1; j < len(events); j++ {
			b := events[j]
			if b.At.Sub(a.At) > d.Window {
				break
			}
			if a.EntityID == b.EntityID {
				continue
			}
			pk := sortedPair(a.EntityID, b.EntityID)
			counts[pk]++
			deltaSum[pk] += b.At.Sub(a.At).Seconds()
		}
	}

	var out []Pattern
	for pk, count := range counts {
		if count < d.MinOccurrences {
			continue
		}
		minFreq := freq[pk.a]
		if freq[pk.b] < minFreq {
			minFreq = freq[pk.b]
		}
		if minFreq == 0 {
			continue
		}
		confidence := float64(count) / float64(minFreq)
		if confidence > 1 {
			confidence = 1
		}
		if confidence < d.MinConfidence {
			continue
		}

		first, last := pairFirstLast(events, pk)
		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("cooc-%s-%s", pk.a, pk.b),
			PatternType: TypeCoOccurrence,
			DevicePair:  [2]string{pk.a, pk.b},
			Confidence:  confidence,
			Occurrences: count,
			FirstSeen:   first,
			LastSeen:    last,
			Metadata: map[string]any{
				"avg_time_delta_seconds": deltaSum[pk] / float64(count),
			},
		})
	}
	return out
}

func pairFirstLast(events []Event, pk pairKey) (time.Time, time.Time) {
	var first, last time.Time
	for _, e := range events {
		if e.EntityID != pk.a && e.EntityID != pk.b {
			continue
		}
		if first.IsZero() || e.At.Before(first) {
			first = e.At
		}
		if e.At.After(last) {
			last = e.At
		}
	}
	return first, last
}

// downsample applies uniform sampling per device when the dataset is
// larger than MaxSampleN, preserving each device's relative sample ratio.
func (d *CoOccurrenceDetector) downsample(events []Event) []Event {
	if len(events) <= d.MaxSampleN {
		return events
	}
	ratio := float64(d.MaxSampleN) / float64(len(events))
	byDev := byEntity(events)

	r := rand.New(rand.NewSource(1)) // deterministic: same sweep, same sample
	out := make([]Event, 0, d.MaxSampleN)
	for _, devEvents := range byDev {
		n := int(float64(len(devEvents)) * ratio)
		if n == 0 && len(devEvents) > 0 {
			n = 1
		}
		perm := r.Perm(len(devEvents))
		for i := 0; i < n && i < len(perm); i++ {
			out = append(out, devEvents[perm[i]])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
