package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wtthornton/ha-ingestor/internal/hubsession"
	"github.com/wtthornton/ha-ingestor/internal/validation"
)

type fakeSession struct{ state hubsession.State }

func (f fakeSession) State() hubsession.State { return f.state }

type fakeQuality struct {
	report  validation.Report
	dropped int64
}

func (f fakeQuality) QualityReport() validation.Report { return f.report }
func (f fakeQuality) DroppedCount() int64              { return f.dropped }

func TestChecker_HealthyWhenActiveAndRatingHealthy(t *testing.T) {
	c := New(fakeSession{state: hubsession.StateActive}, fakeQuality{report: validation.Report{Rating: validation.RatingHealthy}})
	h := c.Health()
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, "active", h.HubSessionState)
}

func TestChecker_UnhealthyWhenSessionNotActive(t *testing.T) {
	c := New(fakeSession{state: hubsession.StateReconnecting}, fakeQuality{report: validation.Report{Rating: validation.RatingHealthy}})
	h := c.Health()
	require.Equal(t, "unhealthy", h.Status)
}

func TestChecker_DegradedWhenQualityDegraded(t *testing.T) {
	c := New(fakeSession{state: hubsession.StateActive}, fakeQuality{report: validation.Report{Rating: validation.RatingDegraded}})
	h := c.Health()
	require.Equal(t, "degraded", h.Status)
}

func TestChecker_UnhealthyWhenQualityUnhealthyOverridesDegraded(t *testing.T) {
	c := New(fakeSession{state: hubsession.StateActive}, fakeQuality{report: validation.Report{Rating: validation.RatingUnhealthy}})
	h := c.Health()
	require.Equal(t, "unhealthy", h.Status)
}

func TestChecker_NilDependenciesReportUnknown(t *testing.T) {
	c := New(nil, nil)
	h := c.Health()
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, "unknown", h.HubSessionState)
	require.Equal(t, "unknown", h.QualityRating)
}
