// Package timeseries builds schema-stable points from Enriched Events and
// writes them in bounded batches over the line-protocol HTTP write API.
// The wire encoding is hand-rolled net/http; batching, backoff, and the
// spill file absorb write failures without blocking the pipeline.
package timeseries

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/apperrors"
	"github.com/wtthornton/ha-ingestor/internal/enrichment"
)

const Measurement = "home_assistant_events"

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// Point is one line-protocol point: a measurement, a tag set (identity,
// low cardinality), a field set (values), and a timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	At          time.Time
}

// BuildPoint constructs the single point for one enriched event.
// Returns a
// SchemaViolation if required tags/fields are absent or malformed.
func BuildPoint(e enrichment.Enriched) (Point, error) {
	if !entityIDPattern.MatchString(e.EntityID) {
		return Point{}, &apperrors.SchemaViolation{
			Measurement: Measurement, Reason: "entity_id fails pattern", Fingerprint: e.EntityID,
		}
	}
	if e.Domain == "" {
		return Point{}, &apperrors.SchemaViolation{Measurement: Measurement, Reason: "missing domain", Fingerprint: e.EntityID}
	}
	if e.NewState == "" {
		return Point{}, &apperrors.SchemaViolation{Measurement: Measurement, Reason: "missing state field", Fingerprint: e.EntityID}
	}

	p := Point{
		Measurement: Measurement,
		Tags: map[string]string{
			"entity_id": e.EntityID,
			"domain":    e.Domain,
		},
		Fields: map[string]any{
			"state": e.NewState,
		},
		At: e.ChangedAt,
	}
	if e.EventType != "" {
		p.Tags["event_type"] = e.EventType
	}
	if e.OldState != "" {
		p.Fields["previous_state"] = e.OldState
	}
	if e.Numeric != nil {
		p.Fields["state_numeric"] = *e.Numeric
	}
	if e.DurationInStateSeconds != nil {
		p.Fields["duration_in_state_seconds"] = *e.DurationInStateSeconds
	}
	if dc, ok := e.Attributes["device_class"].(string); ok && dc != "" {
		p.Tags["device_class"] = dc
	}
	if areaID, ok := e.Attributes["area_id"].(string); ok && areaID != "" {
		p.Tags["area_id"] = areaID
	}
	if deviceID, ok := e.Attributes["device_id"].(string); ok && deviceID != "" {
		p.Tags["device_id"] = deviceID
	}
	for k, v := range e.Attributes {
		p.Fields["attr_"+k] = v
	}

	if e.Weather != nil {
		p.Tags["weather_condition"] = e.Weather.Condition
		if e.Weather.Location != "" {
			p.Tags["location"] = e.Weather.Location
		}
		p.Fields["weather_temp"] = e.Weather.Temperature
		p.Fields["weather_humidity"] = e.Weather.Humidity
		p.Fields["weather_pressure"] = e.Weather.Pressure
		p.Fields["wind_speed"] = e.Weather.WindSpeed
		p.Fields["weather_description"] = e.Weather.Description
	}

	return p, nil
}

// LineProtocol renders a Point as one InfluxDB line-protocol line with
// millisecond-precision timestamp.
func (p Point) LineProtocol() string {
	var sb strings.Builder
	sb.WriteString(escapeMeasurement(p.Measurement))

	tagKeys := sortedKeys(p.Tags)
	for _, k := range tagKeys {
		v := p.Tags[k]
		if v == "" {
			continue
		}
		sb.WriteByte(',')
		sb.WriteString(escapeTag(k))
		sb.WriteByte('=')
		sb.WriteString(escapeTag(v))
	}

	sb.WriteByte(' ')
	fieldKeys := sortedKeys(p.Fields)
	for i, k := range fieldKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(escapeTag(k))
		sb.WriteByte('=')
		sb.WriteString(formatFieldValue(p.Fields[k]))
	}

	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.At.UnixMilli(), 10))
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFieldValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val) + "i"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return `"` + strings.ReplaceAll(val, `"`, `\"`) + `"`
	default:
		return `"` + strings.ReplaceAll(fmt.Sprintf("%v", val), `"`, `\"`) + `"`
	}
}

func escapeMeasurement(s string) string {
	return strings.NewReplacer(",", `\,`, " ", `\ `).Replace(s)
}

func escapeTag(s string) string {
	return strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`).Replace(s)
}

// Config configures batching, spill, and the remote write endpoint.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
	SpillDir      string
	SpillRetain   time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.SpillRetain == 0 {
		c.SpillRetain = 72 * time.Hour
	}
}

// Writer batches points and flushes them over HTTP, spilling to a local
// queue file on persistent failure.
type Writer struct {
	cfg    Config
	log    *zap.Logger
	client *http.Client

	mu      sync.Mutex
	buf     []Point
	flushCh chan struct{}
}

// New creates a Writer. Call Run in a supervised goroutine to drive the
// flush timer; call Write to enqueue.
func New(cfg Config, log *zap.Logger) *Writer {
	cfg.setDefaults()
	return &Writer{
		cfg:     cfg,
		log:     log.Named("timeseries"),
		client:  &http.Client{Timeout: 30 * time.Second},
		flushCh: make(chan struct{}, 1),
	}
}

// Write satisfies enrichment.Writer. Building a malformed point is a
// fatal_error for that point only (dropped, logged); enqueueing does not
// block on the network.
func (w *Writer) Write(ctx context.Context, e enrichment.Enriched) error {
	p, err := BuildPoint(e)
	if err != nil {
		w.log.Warn("dropping point failing schema validation", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	w.buf = append(w.buf, p)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run drives the periodic flush timer until ctx is cancelled, draining
// any spilled batches from a previous run first.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.drainSpill(ctx); err != nil {
		w.log.Warn("spill drain failed, will retry on next flush", zap.Error(err))
	}

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.flushWithRetry(ctx, batch); err != nil {
		w.log.Error("batch write exhausted retries, spilling", zap.Int("points", len(batch)), zap.Error(err))
		if spillErr := w.spill(batch); spillErr != nil {
			w.log.Error("spill write failed, points lost", zap.Error(spillErr))
		}
	}
}

// flushWithRetry preserves intra-batch order and makes up to 5 attempts
// with exponential backoff (100ms -> 30s cap).
func (w *Writer) flushWithRetry(ctx context.Context, batch []Point) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second
	const maxAttempts = 5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := w.send(ctx, batch); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
	return &apperrors.PersistentIOError{Op: "timeseries.write_batch", Err: lastErr}
}

func (w *Writer) send(ctx context.Context, batch []Point) error {
	var sb strings.Builder
	for _, p := range batch {
		sb.WriteString(p.LineProtocol())
		sb.WriteByte('\n')
	}

	u := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ms", w.cfg.URL, w.cfg.Org, w.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBufferString(sb.String()))
	if err != nil {
		return &apperrors.TransientIOError{Op: "timeseries.build_request", Err: err}
	}
	req.Header.Set("Authorization", "Token "+w.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return &apperrors.TransientIOError{Op: "timeseries.http_write", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &apperrors.TransientIOError{Op: "timeseries.http_write", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &apperrors.PersistentIOError{Op: "timeseries.http_write", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (w *Writer) spill(batch []Point) error {
	if w.cfg.SpillDir == "" {
		return fmt.Errorf("no spill directory configured")
	}
	if err := os.MkdirAll(w.cfg.SpillDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("spill-%d.lp", time.Now().UnixNano())
	path := filepath.Join(w.cfg.SpillDir, name)

	var sb strings.Builder
	for _, p := range batch {
		sb.WriteString(p.LineProtocol())
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// drainSpill replays every spill file present at startup, oldest first,
// deleting each as it is flushed successfully; files older than
// SpillRetain are discarded unread.
func (w *Writer) drainSpill(ctx context.Context) error {
	if w.cfg.SpillDir == "" {
		return nil
	}
	entries, err := os.ReadDir(w.cfg.SpillDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lp") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	cutoff := time.Now().Add(-w.cfg.SpillRetain)
	for _, name := range names {
		path := filepath.Join(w.cfg.SpillDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := w.sendRaw(ctx, raw); err != nil {
			w.log.Warn("spill replay failed, will retry next run", zap.String("file", name), zap.Error(err))
			continue
		}
		_ = os.Remove(path)
	}
	return nil
}

func (w *Writer) sendRaw(ctx context.Context, body []byte) error {
	u := fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=ms", w.cfg.URL, w.cfg.Org, w.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+w.cfg.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("spill replay status %d", resp.StatusCode)
	}
	return nil
}
