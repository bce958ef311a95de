package app

import (
	"context"
	"fmt"
	"time"

	"github.com/wtthornton/ha-ingestor/internal/aggregates"
	"github.com/wtthornton/ha-ingestor/internal/patterns"
	"github.com/wtthornton/ha-ingestor/internal/timeseries"
)

// pointToEvent flattens a queried timeseries.Point back into the
// patterns.Event shape detectors and the rollup job both operate on.
func pointToEvent(p timeseries.Point) patterns.Event {
	e := patterns.Event{
		EntityID:  p.Tags["entity_id"],
		Domain:    p.Tags["domain"],
		At:        p.At,
		TimeOfDay: p.At.Hour(),
	}
	if deviceID := p.Tags["device_id"]; deviceID != "" {
		e.DeviceID = deviceID
	} else {
		e.DeviceID = e.EntityID
	}
	if state, ok := p.Fields["state"].(string); ok {
		e.State = state
	}
	if n, ok := p.Fields["state_numeric"].(float64); ok {
		e.Numeric = &n
	}
	if d, ok := p.Fields["duration_in_state_seconds"].(float64); ok {
		e.Duration = &d
	}
	e.Weather = p.Tags["weather_condition"]
	return e
}

// loadRecentEvents is the pattern detectors' (and the rollup job's)
// event-table source: it queries the Timeseries Reader for the given
// lookback window and flattens the result back into Event rows.
func (a *App) loadRecentEvents(ctx context.Context, lookback time.Duration) ([]patterns.Event, error) {
	points, err := a.reader.Query(ctx, lookback)
	if err != nil {
		return nil, fmt.Errorf("query recent points: %w", err)
	}
	events := make([]patterns.Event, 0, len(points))
	for _, p := range points {
		events = append(events, pointToEvent(p))
	}
	return events, nil
}

// runAggregateRollup computes per-entity and per-pair daily Aggregate
// rows over the rollup lookback window and stores them, giving the
// Anomaly detector's off-hours check a longer history than any single
// pattern-detection sweep reads.
func (a *App) runAggregateRollup(ctx context.Context) error {
	events, err := a.loadRecentEvents(ctx, a.rollupLookback)
	if err != nil {
		return fmt.Errorf("load events for aggregate rollup: %w", err)
	}

	pairDetector := patterns.NewCoOccurrenceDetector(patterns.Config{MinOccurrences: 1, MinConfidence: 0})
	for day, dayEvents := range groupByDay(events) {
		for entityID, entityEvents := range groupByEntity(dayEvents) {
			a.aggStore.Put(aggregates.Roll(entityID, day, entityEvents))
		}
		for _, p := range pairDetector.Detect(dayEvents) {
			a.aggStore.Put(aggregates.RollPair(p.DevicePair, day, p.Occurrences))
		}
	}
	return nil
}

func groupByDay(events []patterns.Event) map[time.Time][]patterns.Event {
	out := make(map[time.Time][]patterns.Event)
	for _, e := range events {
		day := e.At.Truncate(24 * time.Hour)
		out[day] = append(out[day], e)
	}
	return out
}

func groupByEntity(events []patterns.Event) map[string][]patterns.Event {
	out := make(map[string][]patterns.Event)
	for _, e := range events {
		out[e.EntityID] = append(out[e.EntityID], e)
	}
	return out
}
