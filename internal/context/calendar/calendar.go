// Package calendar normalizes raw calendar events and classifies
// occupancy from them. It does no fetching of its own: callers hand it
// raw events and refresh the Store snapshot.
package calendar

import (
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// RawEvent is a calendar entry as reported upstream, where Start/End may
// be either a date-time or a bare date (all-day event).
type RawEvent struct {
	Summary     string
	Location    string
	Description string
	Start       DateOrTime
	End         DateOrTime
}

// DateOrTime carries either an instant or a date; exactly one is set.
type DateOrTime struct {
	DateTime time.Time
	Date     string // "2006-01-02" when this is an all-day boundary
}

func (d DateOrTime) resolve() time.Time {
	if !d.DateTime.IsZero() {
		return d.DateTime.UTC()
	}
	t, err := time.Parse("2006-01-02", d.Date)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Event is the normalized form: UTC-normalized instants, all-day flag.
type Event struct {
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	IsAllDay    bool
}

// Normalize converts a RawEvent into its normalized form.
func Normalize(r RawEvent) Event {
	return Event{
		Summary:     r.Summary,
		Location:    r.Location,
		Description: r.Description,
		Start:       r.Start.resolve(),
		End:         r.End.resolve(),
		IsAllDay:    r.Start.Date != "",
	}
}

// Occupancy classifies whether the occupants are expected home, working
// from home, or away, with a confidence in [0,1].
type Occupancy struct {
	IsHome     bool
	IsWFH      bool
	IsAway     bool
	Confidence float64
}

var wfhClass = regexp.MustCompile(`(?i)\bwfh\b|work from home|home office|remote work`)
var homeClass = regexp.MustCompile(`(?i)\bhome\b|\bhouse\b|\bresidence\b|\bapartment\b`)
var awayClass = regexp.MustCompile(`(?i)\boffice\b|\bwork\b|\btravel\b|\btrip\b|\bvacation\b|out of town|\bbusiness\b`)

// Classify applies the occupancy regex classes to one event's combined
// text (summary + location + description) with WFH ⇒ home precedence: a WFH
// match always yields home, never away, regardless of any away-class
// co-match. Confidence starts at 0.5 and rises to 0.75 for an away-only
// match or 0.85 for a home/WFH match, +0.1 when multiple classes agree
// (capped at 0.95).
func Classify(e Event) Occupancy {
	text := strings.Join([]string{e.Summary, e.Location, e.Description}, " ")

	isWFH := wfhClass.MatchString(text)
	isHomeClass := homeClass.MatchString(text)
	isAwayClass := awayClass.MatchString(text)

	o := Occupancy{Confidence: 0.5}

	switch {
	case isWFH:
		o.IsHome = true
		o.IsWFH = true
		o.Confidence = 0.85
		if isHomeClass {
			o.Confidence = 0.95
		}
	case isHomeClass:
		o.IsHome = true
		o.Confidence = 0.85
	case isAwayClass:
		o.IsAway = true
		o.Confidence = 0.75
	default:
		return o
	}

	if o.Confidence > 0.95 {
		o.Confidence = 0.95
	}
	return o
}

// Store holds the current active-events snapshot behind an atomic
// pointer, the same copy-on-refresh discipline the Capability Store
// uses (internal/capability.Store): enrichment reads Active on every
// event without blocking on the background fetch that populates it.
type Store struct {
	events atomic.Pointer[[]Event]
}

// NewStore returns a Store with an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	empty := []Event{}
	s.events.Store(&empty)
	return s
}

// Refresh atomically replaces the snapshot with freshly fetched events.
func (s *Store) Refresh(events []Event) {
	cp := make([]Event, len(events))
	copy(cp, events)
	s.events.Store(&cp)
}

// Active returns every currently-held event whose interval contains at,
// satisfying enrichment.CalendarSource.
func (s *Store) Active(at time.Time) []Event {
	return Active(*s.events.Load(), at)
}

// Active filters events whose [Start, End) interval contains at.
func Active(events []Event, at time.Time) []Event {
	out := make([]Event, 0)
	for _, e := range events {
		if at.Before(e.Start) || !at.Before(e.End) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClassifyActive classifies every event active at `at` and returns the
// single most decisive occupancy: a WFH/home classification with the
// highest confidence wins over away, since staying home overrides a
// lower-confidence away signal from an overlapping event; absent any
// active event, returns the zero Occupancy (unknown).
func ClassifyActive(events []Event, at time.Time) Occupancy {
	best := Occupancy{}
	for _, e := range Active(events, at) {
		o := Classify(e)
		if o.IsHome || o.IsWFH {
			if !best.IsHome && !best.IsWFH || o.Confidence > best.Confidence {
				best = o
			}
			continue
		}
		if o.IsAway && !best.IsHome && !best.IsWFH && o.Confidence > best.Confidence {
			best = o
		}
	}
	return best
}
