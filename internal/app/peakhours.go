package app

import (
	"time"

	"github.com/wtthornton/ha-ingestor/internal/aggregates"
)

// aggregatePeakHours adapts an aggregates.Reader into patterns.PeakHourSource,
// letting the Anomaly detector compare this sweep's activity against the
// historical peak hours the rollup job has been accumulating, without
// patterns importing aggregates (see patterns.PeakHourSource).
type aggregatePeakHours struct {
	reader   aggregates.Reader
	lookback time.Duration
	now      func() time.Time
}

func (p *aggregatePeakHours) PeakHoursFor(entityID string) []int {
	to := p.now()
	from := to.Add(-p.lookback)
	rows, err := p.reader.Query(entityID, from, to)
	if err != nil {
		return nil
	}

	seen := make(map[int]bool)
	var out []int
	for _, row := range rows {
		for _, h := range row.PeakHours {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out
}
