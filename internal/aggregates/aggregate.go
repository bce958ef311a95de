// Package aggregates produces and serves per-day/-week/-month rollups —
// compressed input the pattern detectors read instead of
// re-scanning raw events on every sweep.
package aggregates

import (
	"sort"
	"time"

	"github.com/wtthornton/ha-ingestor/internal/patterns"
)

// Period is the rollup granularity.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Key identifies one aggregate row.
type Key struct {
	Date        string // period-start date, YYYY-MM-DD
	Measurement string
	EntityID    string // empty for pair/season-keyed aggregates
	Pair        [2]string
	Season      string
}

// Aggregate is one rollup row.
type Aggregate struct {
	Key               Key
	Period            Period
	HourlyDistribution [24]int
	PeakHours         []int
	CoOccurrenceCount int
	AvgDuration       float64
}

// Roll computes per-day aggregates for one entity's events over the
// given day, used as the Scheduler's hourly rollup job input.
func Roll(entityID string, day time.Time, events []patterns.Event) Aggregate {
	agg := Aggregate{
		Key:    Key{Date: day.Format("2006-01-02"), Measurement: "home_assistant_events", EntityID: entityID},
		Period: PeriodDay,
	}

	var durSum float64
	var durN int
	for _, e := range events {
		agg.HourlyDistribution[e.At.Hour()]++
		if e.Duration != nil {
			durSum += *e.Duration
			durN++
		}
	}
	if durN > 0 {
		agg.AvgDuration = durSum / float64(durN)
	}
	agg.PeakHours = peakHours(agg.HourlyDistribution)
	return agg
}

// RollPair computes a per-day co-occurrence aggregate for a device pair.
func RollPair(pair [2]string, day time.Time, count int) Aggregate {
	return Aggregate{
		Key:               Key{Date: day.Format("2006-01-02"), Measurement: "home_assistant_events", Pair: pair},
		Period:            PeriodDay,
		CoOccurrenceCount: count,
	}
}

// peakHours returns the active hours whose count is at least a quarter
// of the day's total, sorted ascending by hour.
func peakHours(dist [24]int) []int {
	type hc struct {
		hour  int
		count int
	}
	all := make([]hc, 24)
	total := 0
	for h, c := range dist {
		all[h] = hc{h, c}
		total += c
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })

	threshold := total / 4
	var out []int
	for _, x := range all {
		if x.count > 0 && x.count >= threshold {
			out = append(out, x.hour)
		}
	}
	sort.Ints(out)
	return out
}

// Reader is the boundary contract pattern detectors and the suggestion
// generator use to read compressed aggregates instead of raw events,
// keeping storage access behind one seam.
type Reader interface {
	Query(entityID string, from, to time.Time) ([]Aggregate, error)
}

// Store is an in-memory Reader/writer used by the Scheduler's rollup job
// and tests; a persistent implementation would back this with the
// relational store's aggregate table.
type Store struct {
	rows []Aggregate
}

// NewStore creates an empty in-memory aggregate store.
func NewStore() *Store { return &Store{} }

// Put appends or replaces the aggregate for its key.
func (s *Store) Put(a Aggregate) {
	for i, existing := range s.rows {
		if existing.Key == a.Key {
			s.rows[i] = a
			return
		}
	}
	s.rows = append(s.rows, a)
}

// Query returns every stored aggregate for entityID within [from, to).
func (s *Store) Query(entityID string, from, to time.Time) ([]Aggregate, error) {
	var out []Aggregate
	for _, a := range s.rows {
		if a.Key.EntityID != entityID {
			continue
		}
		d, err := time.Parse("2006-01-02", a.Key.Date)
		if err != nil {
			continue
		}
		if d.Before(from) || !d.Before(to) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
