package patterns

import (
	"fmt"
	"math"
	"sort"
)

// TimeOfDayDetector clusters each device's activation hours with a small
// k-means pass, k scaling with sample size.
type TimeOfDayDetector struct {
	Config
}

// NewTimeOfDayDetector applies the defaults: N=5 min events, 50%
// min confidence.
func NewTimeOfDayDetector(cfg Config) *TimeOfDayDetector {
	return &TimeOfDayDetector{cfg.withDefaults(5, 0.5)}
}

func (d *TimeOfDayDetector) Detect(events []Event) []Pattern {
	var out []Pattern
	for deviceID, devEvents := range byEntity(events) {
		if len(devEvents) < d.MinOccurrences {
			continue
		}
		hours := hourDecimals(devEvents)
		k := clusterCount(len(hours))
		clusters := kmeans1D(hours, k)
		clusters = mergeAdjacentClusters(clusters, clusterMergeWindowHours)

		first, last := firstLast(devEvents)
		for _, c := range clusters {
			confidence := float64(len(c.members)) / float64(len(hours))
			if confidence < d.MinConfidence {
				continue
			}
			totalMinutes := int(math.Round(c.mean * 60))
			hour := (totalMinutes / 60) % 24
			minute := totalMinutes % 60
			out = append(out, Pattern{
				PatternID:   fmt.Sprintf("tod-%s-%d", deviceID, hour),
				PatternType: TypeTimeOfDay,
				DeviceID:    deviceID,
				Confidence:  confidence,
				Occurrences: len(c.members),
				FirstSeen:   first,
				LastSeen:    last,
				Metadata: map[string]any{
					"hour":             hour,
					"minute":           minute,
					"cluster_id":       c.id,
					"std_minutes":      c.stdDevMinutes(),
					"time_range":       c.timeRange(),
					"avg_time_decimal": c.mean,
				},
			})
		}
	}
	return out
}

func hourDecimals(events []Event) []float64 {
	out := make([]float64, len(events))
	for i, e := range events {
		out[i] = float64(e.At.Hour()) + float64(e.At.Minute())/60
	}
	sort.Float64s(out)
	return out
}

// clusterCount scales k with sample size: one cluster below 15 events,
// two below 21, three at 21+ to separate concurrently-running routines.
// mergeAdjacentClusters below folds a single tight routine back
// together when a larger k fragments it, so a device with one routine
// still yields one pattern at every tier.
func clusterCount(n int) int {
	switch {
	case n < 15:
		return 1
	case n < 21:
		return 2
	default:
		return 3
	}
}

// clusterMergeWindowHours bounds how far apart two cluster means can be
// and still count as the same routine (±2 min noise is 30x smaller).
const clusterMergeWindowHours = 1.0

// mergeAdjacentClusters collapses clusters whose means fall within
// mergeWindowHours of their neighbor, folding back together a routine
// that k-means seeding happened to split into adjacent clusters (the
// "N events, worst case assigns k>1" scenario clusterCount can't avoid
// at its own boundary). Clusters genuinely separated by more than the
// window (e.g. a morning and an evening routine) are left distinct.
func mergeAdjacentClusters(clusters []cluster1D, mergeWindowHours float64) []cluster1D {
	if len(clusters) < 2 {
		return clusters
	}
	sorted := append([]cluster1D(nil), clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].mean < sorted[j].mean })

	merged := []cluster1D{sorted[0]}
	for _, c := range sorted[1:] {
		last := &merged[len(merged)-1]
		if c.mean-last.mean <= mergeWindowHours {
			last.members = append(last.members, c.members...)
			last.mean = meanOf(last.members)
		} else {
			merged = append(merged, c)
		}
	}
	for i := range merged {
		merged[i].id = i
	}
	return merged
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

type cluster1D struct {
	id      int
	members []float64
	mean    float64
}

// timeRange renders the cluster's earliest-to-latest member as
// "HH:MM-HH:MM" for the time_range metadata field.
func (c cluster1D) timeRange() string {
	if len(c.members) == 0 {
		return ""
	}
	lo, hi := c.members[0], c.members[0]
	for _, v := range c.members {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", int(lo), int(math.Round((lo-math.Floor(lo))*60))%60,
		int(hi), int(math.Round((hi-math.Floor(hi))*60))%60)
}

func (c cluster1D) stdDevMinutes() float64 {
	if len(c.members) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range c.members {
		d := (v - c.mean) * 60
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(c.members)))
}

// kmeans1D runs a small fixed-iteration 1-D k-means. Ties in assignment
// (equal distance to two centroids) favor the lower-indexed (earlier
// hour) centroid, so equal-variance ties resolve to the earlier hour.
func kmeans1D(values []float64, k int) []cluster1D {
	if k <= 0 || len(values) == 0 {
		return nil
	}
	if k > len(values) {
		k = len(values)
	}

	centroids := make([]float64, k)
	step := len(values) / k
	for i := range centroids {
		idx := i * step
		if idx >= len(values) {
			idx = len(values) - 1
		}
		centroids[i] = values[idx]
	}

	var assignment []int
	for iter := 0; iter < 25; iter++ {
		assignment = make([]int, len(values))
		for i, v := range values {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				dist := math.Abs(v - centroid)
				if dist < bestDist-1e-9 {
					best, bestDist = c, dist
				}
			}
			assignment[i] = best
		}

		newCentroids := make([]float64, k)
		counts := make([]int, k)
		for i, v := range values {
			c := assignment[i]
			newCentroids[c] += v
			counts[c]++
		}
		changed := false
		for c := range newCentroids {
			if counts[c] == 0 {
				newCentroids[c] = centroids[c]
				continue
			}
			newCentroids[c] /= float64(counts[c])
			if math.Abs(newCentroids[c]-centroids[c]) > 1e-6 {
				changed = true
			}
		}
		centroids = newCentroids
		if !changed {
			break
		}
	}

	clusters := make([]cluster1D, k)
	for i := range clusters {
		clusters[i] = cluster1D{id: i, mean: centroids[i]}
	}
	for i, v := range values {
		c := assignment[i]
		clusters[c].members = append(clusters[c].members, v)
	}

	out := clusters[:0]
	for _, c := range clusters {
		if len(c.members) > 0 {
			out = append(out, c)
		}
	}
	// lowest-variance first, earlier hour on equal variance; cluster ids
	// keep their centroid-index numbering, and mergeAdjacentClusters
	// re-sorts by mean and renumbers them.
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].stdDevMinutes(), out[j].stdDevMinutes()
		if math.Abs(si-sj) > 1e-9 {
			return si < sj
		}
		return out[i].mean < out[j].mean
	})
	return out
}
