// Package validation normalizes raw hub events into the clean shape the
// rest of the pipeline consumes, dropping malformed events with a typed
// reason and tracking a rolling data-quality rating. Per-domain counters
// use
// github.com/prometheus/client_golang, the same registry the admin API's
// /metrics endpoint (internal/api) already serves.
package validation

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wtthornton/ha-ingestor/internal/apperrors"
	"github.com/wtthornton/ha-ingestor/internal/hubframe"
)

// ErrorClass buckets a dropped event for quality accounting.
type ErrorClass string

const (
	ErrorMissingField  ErrorClass = "missing_field"
	ErrorInvalidFormat ErrorClass = "invalid_format"
	ErrorInvalidType   ErrorClass = "invalid_type"
	ErrorOutOfRange    ErrorClass = "out_of_range"
	ErrorTimestamp     ErrorClass = "timestamp_error"
	ErrorInvalidState  ErrorClass = "invalid_state"
	ErrorOther         ErrorClass = "other"
)

// WarningClass buckets a non-fatal normalization concern that doesn't drop
// the event. Normalize emits synthetic_timestamp and unknown_unit;
// non_monotonic_time is declared but no check emits it.
type WarningClass string

const (
	WarningNonMonotonicTime WarningClass = "non_monotonic_time"
	WarningSyntheticTime    WarningClass = "synthetic_timestamp"
	WarningUnknownUnit      WarningClass = "unknown_unit"
)

// entityIDPattern accepts domain.object_id where each segment is
// lowercase alphanumeric with internal (never leading or trailing)
// underscores — a trailing underscore or a
// double-dot are invalid, and a bare `[a-z0-9_]+` charset would wrongly
// accept both.
var entityIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:_[a-z0-9]+)*\.[a-z0-9]+(?:_[a-z0-9]+)*$`)

// EntityMetadata is the allow-listed subset of state attributes copied
// onto the normalized event.
type EntityMetadata struct {
	Domain         string
	DeviceClass    string
	FriendlyName   string
	AreaID         string
	Icon           string
	EntityCategory string
}

// NormalizedEvent is the validated, decoded form handed to enrichment.
type NormalizedEvent struct {
	EventType  string
	EntityID   string
	Domain     string
	OldState   string
	NewState   string
	Attributes map[string]any
	ChangedAt  time.Time
	Numeric    *float64 // populated when NewState parses as a float
	Bool       *bool    // populated when NewState matches the boolean table

	Unit               string // canonicalized attributes.unit_of_measurement, if present
	Metadata           EntityMetadata
	SyntheticTimestamp bool
}

// ValidationResult is the per-call outcome recorded for quality
// accounting, independent of whether the event was ultimately accepted.
type ValidationResult struct {
	IsValid         bool
	Errors          []string
	Warnings        []WarningClass
	Domain          string
	ValidationTimeMS float64
}

// boolTable is the case-insensitive token → boolean coercion table,
// applied before numeric parsing is attempted.
var boolTable = map[string]bool{
	"on": true, "off": false,
	"true": true, "false": false,
	"1": true, "0": false,
	"yes": true, "no": false,
	"enabled": true, "disabled": false,
}

// preservedStates are never coerced; unavailable/unknown pass through
// as-is.
var preservedStates = map[string]bool{
	"unavailable": true,
	"unknown":     true,
}

// unitAliases maps raw unit strings to their canonical form. Keys are
// matched case-sensitively since unit symbols
// are case-significant (°C vs °c is not meaningful, but kWh vs kwh is).
var unitAliases = map[string]string{
	"°C":     "celsius",
	"°F":     "fahrenheit",
	"°K":     "kelvin",
	"C":      "celsius",
	"F":      "fahrenheit",
	"hPa":    "hectopascal",
	"mbar":   "millibar",
	"%":      "percent",
	"W":      "watt",
	"kW":     "kilowatt",
	"Wh":     "watt_hour",
	"kWh":    "kilowatt_hour",
	"lx":     "lux",
	"ppm":    "parts_per_million",
	"m/s":    "meters_per_second",
	"mph":    "miles_per_hour",
	"km/h":   "kilometers_per_hour",
	"V":      "volt",
	"A":      "ampere",
	"Hz":     "hertz",
}

var metrics = struct {
	events   *prometheus.CounterVec
	warnings *prometheus.CounterVec
	duration *prometheus.HistogramVec
}{
	events: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ha_ingestor",
		Subsystem: "validation",
		Name:      "events_total",
		Help:      "Normalized events by domain and outcome (accepted|dropped).",
	}, []string{"domain", "outcome", "error_class"}),
	warnings: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ha_ingestor",
		Subsystem: "validation",
		Name:      "warnings_total",
		Help:      "Non-fatal normalization warnings by domain and class.",
	}, []string{"domain", "warning_class"}),
	duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ha_ingestor",
		Subsystem: "validation",
		Name:      "duration_seconds",
		Help:      "Time spent normalizing one event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"}),
}

// Normalize validates and flattens a RawEvent's state_changed payload,
// returning the normalized event (zero value on failure) alongside the
// ValidationResult quality accounting needs regardless of outcome.
func Normalize(ev hubframe.RawEvent) (NormalizedEvent, ValidationResult, error) {
	start := time.Now()
	out, result, err := normalize(ev)
	result.ValidationTimeMS = float64(time.Since(start)) / float64(time.Millisecond)

	outcome := "accepted"
	errClass := ""
	if err != nil {
		outcome = "dropped"
		errClass = string(ClassifyError(err))
	}
	metrics.events.WithLabelValues(orUnknown(result.Domain), outcome, errClass).Inc()
	for _, w := range result.Warnings {
		metrics.warnings.WithLabelValues(orUnknown(result.Domain), string(w)).Inc()
	}
	metrics.duration.WithLabelValues(orUnknown(result.Domain)).Observe(time.Since(start).Seconds())

	return out, result, err
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func normalize(ev hubframe.RawEvent) (NormalizedEvent, ValidationResult, error) {
	result := ValidationResult{IsValid: true}

	if ev.EventType != "state_changed" {
		verr := &apperrors.ValidationError{Field: "event_type", Reason: "unsupported event type " + ev.EventType}
		result.IsValid = false
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}

	var data hubframe.EventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		verr := &apperrors.ValidationError{Field: "data", Reason: "malformed event data: " + err.Error()}
		result.IsValid = false
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}
	if data.NewState == nil {
		verr := &apperrors.ValidationError{Field: "new_state", Reason: "missing"}
		result.IsValid = false
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}
	if data.NewState.EntityID == "" {
		verr := &apperrors.ValidationError{Field: "entity_id", Reason: "missing"}
		result.IsValid = false
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}
	if !entityIDPattern.MatchString(data.NewState.EntityID) {
		verr := &apperrors.ValidationError{Field: "entity_id", Reason: "does not match domain.object_id pattern"}
		result.IsValid = false
		result.Domain = domainOf(data.NewState.EntityID)
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}

	domain := domainOf(data.NewState.EntityID)
	result.Domain = domain

	changedAt, synthetic, err := parseTimestamp(ev.TimeFired, data.NewState.LastChanged)
	if err != nil {
		verr := &apperrors.ValidationError{Field: "last_changed", Reason: "unparseable timestamp"}
		result.IsValid = false
		result.Errors = append(result.Errors, verr.Error())
		return NormalizedEvent{}, result, verr
	}
	if synthetic {
		result.Warnings = append(result.Warnings, WarningSyntheticTime)
	}

	var newStateStr string
	_ = json.Unmarshal(data.NewState.State, &newStateStr)

	var oldStateStr string
	if data.OldState != nil {
		_ = json.Unmarshal(data.OldState.State, &oldStateStr)
	}

	out := NormalizedEvent{
		EventType:          ev.EventType,
		EntityID:           data.NewState.EntityID,
		Domain:             domain,
		OldState:           oldStateStr,
		NewState:           newStateStr,
		Attributes:         data.NewState.Attributes,
		ChangedAt:          changedAt,
		SyntheticTimestamp: synthetic,
		Metadata:           extractMetadata(domain, data.NewState.Attributes),
	}

	if !preservedStates[strings.ToLower(newStateStr)] {
		if b, ok := coerceBool(newStateStr); ok {
			out.Bool = &b
		} else if f, ok := parseNumeric(newStateStr); ok {
			out.Numeric = &f
		}
	}

	if u, ok := data.NewState.Attributes["unit_of_measurement"]; ok {
		if raw, ok := u.(string); ok && raw != "" {
			canonical, known := unitAliases[raw]
			if known {
				out.Unit = canonical
			} else {
				out.Unit = raw
				result.Warnings = append(result.Warnings, WarningUnknownUnit)
			}
		}
	}

	return out, result, nil
}

// extractMetadata copies the allow-listed attributes into
// entity_metadata.
func extractMetadata(domain string, attrs map[string]any) EntityMetadata {
	m := EntityMetadata{Domain: domain}
	if attrs == nil {
		return m
	}
	m.DeviceClass = stringAttr(attrs, "device_class")
	m.FriendlyName = stringAttr(attrs, "friendly_name")
	m.AreaID = stringAttr(attrs, "area_id")
	m.Icon = stringAttr(attrs, "icon")
	m.EntityCategory = stringAttr(attrs, "entity_category")
	return m
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// coerceBool matches the boolean token table, case-insensitive.
func coerceBool(s string) (bool, bool) {
	b, ok := boolTable[strings.ToLower(strings.TrimSpace(s))]
	return b, ok
}

// parseTimestamp implements the timestamp rule: explicit-offset strings
// parse then convert to UTC; offset-less strings are assumed UTC;
// last_changed is used when present, else time_fired, and when both are
// absent the result is now with synthetic_timestamp=true.
func parseTimestamp(timeFired, lastChanged string) (time.Time, bool, error) {
	raw := lastChanged
	if raw == "" {
		raw = timeFired
	}
	if raw == "" {
		return time.Now().UTC(), true, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	// No explicit offset: parse as a naive local-less timestamp and assume UTC.
	const noOffset = "2006-01-02T15:04:05.999999999"
	if t, err := time.Parse(noOffset, raw); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), false, nil
	}
	return time.Time{}, false, errUnparseableTimestamp
}

var errUnparseableTimestamp = errors.New("unparseable timestamp")

func domainOf(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return ""
}

func parseNumeric(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Quality tracks drop counts by reason over a rolling window, producing a
// coarse health rating an operator or the admin API can surface.
type Quality struct {
	mu      sync.Mutex
	window  time.Duration
	clock   func() time.Time
	samples []qualitySample
}

type qualitySample struct {
	at      time.Time
	dropped bool
	reason  string
}

// NewQuality creates a Quality tracker with the given rolling window.
func NewQuality(window time.Duration, clock func() time.Time) *Quality {
	if clock == nil {
		clock = time.Now
	}
	return &Quality{window: window, clock: clock}
}

// RecordAccepted logs a successfully normalized event.
func (q *Quality) RecordAccepted() {
	q.record(qualitySample{at: q.clock(), dropped: false})
}

// RecordDropped logs a dropped event under the given error class.
func (q *Quality) RecordDropped(class ErrorClass) {
	q.record(qualitySample{at: q.clock(), dropped: true, reason: string(class)})
}

// ClassifyError maps a normalization failure to its error class for
// quality accounting.
func ClassifyError(err error) ErrorClass {
	if errors.Is(err, errUnparseableTimestamp) {
		return ErrorTimestamp
	}
	var ve *apperrors.ValidationError
	if !errors.As(err, &ve) {
		return ErrorOther
	}
	switch ve.Field {
	case "event_type", "data", "new_state", "entity_id":
		if ve.Reason == "does not match domain.object_id pattern" {
			return ErrorInvalidFormat
		}
		return ErrorMissingField
	case "last_changed":
		return ErrorTimestamp
	default:
		return ErrorOther
	}
}

func (q *Quality) record(s qualitySample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = append(q.samples, s)
	q.prune()
}

func (q *Quality) prune() {
	cutoff := q.clock().Add(-q.window)
	i := 0
	for i < len(q.samples) && q.samples[i].at.Before(cutoff) {
		i++
	}
	q.samples = q.samples[i:]
}

// Rating is the health classification: healthy, degraded, unhealthy.
type Rating string

const (
	RatingHealthy   Rating = "healthy"
	RatingDegraded  Rating = "degraded"
	RatingUnhealthy Rating = "unhealthy"
)

// Report summarizes the current window.
type Report struct {
	Rating   Rating
	Total    int
	Dropped  int
	DropRate float64
	ByReason map[string]int
}

// Snapshot computes the current Report from the rolling window.
func (q *Quality) Snapshot() Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prune()

	r := Report{ByReason: make(map[string]int)}
	r.Total = len(q.samples)
	for _, s := range q.samples {
		if s.dropped {
			r.Dropped++
			r.ByReason[s.reason]++
		}
	}
	if r.Total > 0 {
		r.DropRate = float64(r.Dropped) / float64(r.Total)
	}

	validRate := 1 - r.DropRate
	switch {
	case r.Total < 10:
		r.Rating = RatingHealthy // not enough samples to judge
	case validRate >= 0.95:
		r.Rating = RatingHealthy
	case validRate >= 0.90:
		r.Rating = RatingDegraded
	default:
		r.Rating = RatingUnhealthy
	}
	return r
}
