package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_DateTimeAndAllDay(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	e := Normalize(RawEvent{
		Summary: "standup",
		Start:   DateOrTime{DateTime: start},
		End:     DateOrTime{DateTime: start.Add(30 * time.Minute)},
	})
	assert.False(t, e.IsAllDay)
	assert.Equal(t, time.UTC, e.Start.Location())
	assert.Equal(t, 14, e.Start.Hour(), "EST 09:00 is 14:00 UTC")

	allDay := Normalize(RawEvent{
		Summary: "holiday",
		Start:   DateOrTime{Date: "2026-03-02"},
		End:     DateOrTime{Date: "2026-03-03"},
	})
	assert.True(t, allDay.IsAllDay)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), allDay.Start)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		summary    string
		location   string
		wantHome   bool
		wantWFH    bool
		wantAway   bool
		wantConf   float64
	}{
		{"wfh", "WFH all day", "", true, true, false, 0.85},
		{"wfh beats away", "WFH day, skip the office", "", true, true, false, 0.85},
		{"wfh plus home agrees", "WFH", "home office upstairs at home", true, true, false, 0.95},
		{"home only", "movie night at home", "", true, false, false, 0.85},
		{"away only", "business trip", "", false, false, true, 0.75},
		{"no match", "dentist", "", false, false, false, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Classify(Event{Summary: tc.summary, Location: tc.location})
			assert.Equal(t, tc.wantHome, o.IsHome)
			assert.Equal(t, tc.wantWFH, o.IsWFH)
			assert.Equal(t, tc.wantAway, o.IsAway)
			assert.InDelta(t, tc.wantConf, o.Confidence, 0.001)
		})
	}
}

func TestActive(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{Summary: "running", Start: at.Add(-time.Hour), End: at.Add(time.Hour)},
		{Summary: "over", Start: at.Add(-2 * time.Hour), End: at.Add(-time.Hour)},
		{Summary: "upcoming", Start: at.Add(time.Hour), End: at.Add(2 * time.Hour)},
		{Summary: "ends now", Start: at.Add(-time.Hour), End: at},
	}
	active := Active(events, at)
	assert.Len(t, active, 1)
	assert.Equal(t, "running", active[0].Summary)
}

func TestClassifyActive_HomeWinsOverAway(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{Summary: "business trip prep", Start: at.Add(-time.Hour), End: at.Add(time.Hour)},
		{Summary: "WFH", Start: at.Add(-time.Hour), End: at.Add(time.Hour)},
	}
	o := ClassifyActive(events, at)
	assert.True(t, o.IsHome)
	assert.True(t, o.IsWFH)
	assert.False(t, o.IsAway)
}

func TestStore_RefreshSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := NewStore()
	assert.Empty(t, s.Active(at))

	s.Refresh([]Event{{Summary: "WFH", Start: at.Add(-time.Hour), End: at.Add(time.Hour)}})
	assert.Len(t, s.Active(at), 1)

	s.Refresh(nil)
	assert.Empty(t, s.Active(at))
}
