// Package health aggregates the moving parts' live state into the
// api.HealthSource contract /healthz serves. There is nothing to poll
// on an interval, so Health simply reads the components' own
// already-maintained state on each call.
package health

import (
	"github.com/wtthornton/ha-ingestor/internal/api"
	"github.com/wtthornton/ha-ingestor/internal/hubsession"
	"github.com/wtthornton/ha-ingestor/internal/validation"
)

// SessionState is the subset of hubsession.Session this package reads.
type SessionState interface {
	State() hubsession.State
}

// QualitySource is the subset of enrichment.Pipeline this package reads.
type QualitySource interface {
	QualityReport() validation.Report
	DroppedCount() int64
}

// Checker computes aggregate health on demand for the admin API.
type Checker struct {
	session SessionState
	quality QualitySource
}

// New creates a Checker. Either dependency may be nil (e.g. in a
// --dry-run CLI invocation with no live session).
func New(session SessionState, quality QualitySource) *Checker {
	return &Checker{session: session, quality: quality}
}

var _ api.HealthSource = (*Checker)(nil)

// Health computes the current aggregate status: unhealthy if the hub
// session isn't Active, or the validation quality rating is unhealthy;
// degraded if the quality rating is degraded; healthy otherwise.
func (c *Checker) Health() api.Health {
	h := api.Health{Status: "healthy", HubSessionState: "unknown", QualityRating: "unknown"}

	if c.session != nil {
		h.HubSessionState = c.session.State().String()
		if c.session.State() != hubsession.StateActive {
			h.Status = "unhealthy"
		}
	}

	if c.quality != nil {
		report := c.quality.QualityReport()
		h.QualityRating = string(report.Rating)
		h.DroppedEvents = c.quality.DroppedCount()
		switch report.Rating {
		case validation.RatingUnhealthy:
			h.Status = "unhealthy"
		case validation.RatingDegraded:
			if h.Status == "healthy" {
				h.Status = "degraded"
			}
		}
	}

	return h
}
