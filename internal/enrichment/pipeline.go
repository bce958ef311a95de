// Package enrichment orchestrates per-event validation, context
// attachment, and hand-off to the timeseries writer. It owns the
// bounded back-pressure channel between the Hub Session Manager and
// downstream persistence, the single place in the data path allowed to
// drop events under load.
package enrichment

import (
	"container/list"
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/context/calendar"
	"github.com/wtthornton/ha-ingestor/internal/context/weather"
	"github.com/wtthornton/ha-ingestor/internal/hubframe"
	"github.com/wtthornton/ha-ingestor/internal/validation"
)

// Weather is the subset of conditions attached to an event.
type Weather struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	WindSpeed   float64
	Condition   string
	Description string
	Location    string
}

// Occupancy is the subset of calendar occupancy attached to an event.
type Occupancy struct {
	IsHome     bool
	IsWFH      bool
	IsAway     bool
	Confidence float64
}

// Enriched is a NormalizedEvent plus optional context and duration.
type Enriched struct {
	validation.NormalizedEvent
	Weather                 *Weather
	Occupancy                *Occupancy
	DurationInStateSeconds   *float64
}

// Writer is the downstream sink; the Timeseries Writer satisfies this.
type Writer interface {
	Write(ctx context.Context, e Enriched) error
}

// WeatherSource supplies current conditions, non-blocking on cache hit.
type WeatherSource interface {
	Current(ctx context.Context) (weather.Conditions, error)
}

// CalendarSource supplies the active-events snapshot, refreshed in the
// background; the pipeline never blocks on a calendar fetch.
type CalendarSource interface {
	Active(at time.Time) []calendar.Event
}

const (
	defaultQueueSize  = 10_000
	defaultLastStateN = 50_000
)

// Pipeline receives RawEvents from the Hub Session Manager and drives
// them through normalize -> context -> write.
type Pipeline struct {
	log     *zap.Logger
	writer  Writer
	weather WeatherSource
	cal     CalendarSource
	clock   func() time.Time

	queue   chan hubframe.RawEvent
	dropped atomic.Int64

	lastState *lruStates

	quality *validation.Quality
}

// Config configures queue sizing and the last-state LRU cap.
type Config struct {
	QueueSize     int
	LastStateCap  int
	QualityWindow time.Duration
}

// New creates a Pipeline. Call Run in a supervised goroutine to start
// draining the queue; call Ingest (non-blocking) from the session
// manager's receive loop.
func New(cfg Config, writer Writer, ws WeatherSource, cs CalendarSource, log *zap.Logger, clock func() time.Time) *Pipeline {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.LastStateCap == 0 {
		cfg.LastStateCap = defaultLastStateN
	}
	if cfg.QualityWindow == 0 {
		cfg.QualityWindow = 15 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		log:       log.Named("enrichment"),
		writer:    writer,
		weather:   ws,
		cal:       cs,
		clock:     clock,
		queue:     make(chan hubframe.RawEvent, cfg.QueueSize),
		lastState: newLRUStates(cfg.LastStateCap),
		quality:   validation.NewQuality(cfg.QualityWindow, clock),
	}
}

// Ingest enqueues a raw event. Never blocks: on a full queue it drops the
// oldest queued event (not the new one) and logs a structured warning, so
// the hub's receive loop is never stalled by downstream back-pressure.
func (p *Pipeline) Ingest(ev hubframe.RawEvent) {
	select {
	case p.queue <- ev:
		return
	default:
	}

	// Queue full: drop the oldest to make room.
	select {
	case <-p.queue:
		p.dropped.Add(1)
		p.log.Warn("back-pressure: dropped oldest queued event", zap.String("event_type", ev.EventType))
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// DroppedCount returns the cumulative count of back-pressure drops.
func (p *Pipeline) DroppedCount() int64 { return p.dropped.Load() }

// QualityReport returns the current validation health snapshot.
func (p *Pipeline) QualityReport() validation.Report { return p.quality.Snapshot() }

// Run drains the queue until ctx is cancelled. Intended to run under a
// supervisor.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			p.process(ctx, ev)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, raw hubframe.RawEvent) {
	norm, result, err := validation.Normalize(raw)
	if err != nil {
		p.quality.RecordDropped(validation.ClassifyError(err))
		p.log.Debug("dropped event failing normalization", zap.Error(err), zap.String("domain", result.Domain))
		return
	}
	p.quality.RecordAccepted()
	for _, w := range result.Warnings {
		p.log.Debug("normalization warning", zap.String("entity_id", norm.EntityID), zap.String("warning", string(w)))
	}

	enriched := Enriched{NormalizedEvent: norm}

	if p.weather != nil {
		if cond, err := p.weather.Current(ctx); err == nil {
			enriched.Weather = &Weather{
				Temperature: cond.TempF,
				Humidity:    cond.Humidity,
				Pressure:    cond.PressureHPA,
				WindSpeed:   cond.WindMPH,
				Condition:   cond.Condition,
				Description: cond.Description,
				Location:    cond.Location,
			}
		}
	}

	if p.cal != nil {
		active := p.cal.Active(norm.ChangedAt)
		occ := calendar.ClassifyActive(active, norm.ChangedAt)
		if occ.IsHome || occ.IsWFH || occ.IsAway {
			enriched.Occupancy = &Occupancy{
				IsHome: occ.IsHome, IsWFH: occ.IsWFH, IsAway: occ.IsAway,
				Confidence: occ.Confidence,
			}
		}
	}

	if prev, ok := p.lastState.get(norm.EntityID); ok {
		d := norm.ChangedAt.Sub(prev).Seconds()
		if d >= 0 {
			enriched.DurationInStateSeconds = &d
		}
	}
	p.lastState.put(norm.EntityID, norm.ChangedAt)

	if err := p.writer.Write(ctx, enriched); err != nil {
		p.log.Warn("timeseries write failed", zap.String("entity_id", norm.EntityID), zap.Error(err))
	}
}

// lruStates is a bounded entity_id -> last_state_timestamp map with LRU
// eviction. Single-writer/single-reader per the
// concurrency model: only Pipeline.Run touches it.
type lruStates struct {
	cap   int
	ll    *list.List
	index map[string]*list.Element
}

type lruEntry struct {
	entityID string
	ts       time.Time
}

func newLRUStates(cap int) *lruStates {
	return &lruStates{cap: cap, ll: list.New(), index: make(map[string]*list.Element, cap)}
}

func (s *lruStates) get(entityID string) (time.Time, bool) {
	el, ok := s.index[entityID]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*lruEntry).ts, true
}

func (s *lruStates) put(entityID string, ts time.Time) {
	if el, ok := s.index[entityID]; ok {
		el.Value.(*lruEntry).ts = ts
		s.ll.MoveToFront(el)
		return
	}
	el := s.ll.PushFront(&lruEntry{entityID: entityID, ts: ts})
	s.index[entityID] = el
	if s.ll.Len() > s.cap {
		oldest := s.ll.Back()
		if oldest != nil {
			s.ll.Remove(oldest)
			delete(s.index, oldest.Value.(*lruEntry).entityID)
		}
	}
}
