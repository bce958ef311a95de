package patterns

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SequenceDetector finds ordered entity_id sequences of length >= L
// recurring within sliding windows of size W.
type SequenceDetector struct {
	Config
	Window    time.Duration
	MinLength int
}

// NewSequenceDetector applies defaults: 30 min window, length >= 2,
// min_sequence_occurrences 3.
func NewSequenceDetector(cfg Config) *SequenceDetector {
	return &SequenceDetector{
		Config:    cfg.withDefaults(3, 0.5),
		Window:    30 * time.Minute,
		MinLength: 2,
	}
}

func (d *SequenceDetector) Detect(events []Event) []Pattern {
	events = sortByTime(events)

	seqCounts := make(map[string]int)
	seqEntities := make(map[string][]string)
	prefixWindows := make(map[string]int) // windows containing this sequence's prefix

	for start := 0; start < len(events); start++ {
		windowEnd := events[start].At.Add(d.Window)
		var ordered []string
		seenPrefixes := make(map[string]bool)

		for j := start; j < len(events) && !events[j].At.After(windowEnd); j++ {
			ordered = append(ordered, events[j].EntityID)
			for l := d.MinLength; l <= len(ordered); l++ {
				seq := ordered[len(ordered)-l:]
				key := strings.Join(seq, ">")
				seqCounts[key]++
				seqEntities[key] = seq

				prefix := strings.Join(seq[:len(seq)-1], ">")
				if !seenPrefixes[prefix] {
					seenPrefixes[prefix] = true
					prefixWindows[prefix]++
				}
			}
		}
	}

	var out []Pattern
	first, last := time.Time{}, time.Time{}
	if len(events) > 0 {
		first, last = firstLast(events)
	}

	type scored struct {
		key        string
		confidence float64
	}
	var candidates []scored

	for key, count := range seqCounts {
		if count < d.MinOccurrences {
			continue
		}
		seq := seqEntities[key]
		prefix := strings.Join(seq[:len(seq)-1], ">")
		denom := prefixWindows[prefix]
		if denom == 0 {
			continue
		}
		confidence := float64(count) / float64(denom)
		if confidence > 1 {
			confidence = 1
		}
		if confidence < d.MinConfidence {
			continue
		}
		candidates = append(candidates, scored{key, confidence})
	}

	// Tie-break: longer sequence wins among equal confidence.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return len(seqEntities[candidates[i].key]) > len(seqEntities[candidates[j].key])
	})

	for _, c := range candidates {
		seq := seqEntities[c.key]
		out = append(out, Pattern{
			PatternID:   fmt.Sprintf("seq-%s", c.key),
			PatternType: TypeSequence,
			Sequence:    seq,
			Confidence:  c.confidence,
			Occurrences: seqCounts[c.key],
			FirstSeen:   first,
			LastSeen:    last,
			Metadata: map[string]any{
				"length": len(seq),
			},
		})
	}
	return out
}
