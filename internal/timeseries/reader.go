package timeseries

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/apperrors"
)

// fluxTagKeys are the columns Reader treats as Point tags rather than
// fields when pivoting a query response back into a Point, matching the
// tag set BuildPoint writes.
var fluxTagKeys = map[string]bool{
	"entity_id":         true,
	"domain":            true,
	"device_class":      true,
	"area_id":           true,
	"device_id":         true,
	"event_type":        true,
	"weather_condition": true,
	"location":          true,
}

// Reader queries points back out of the bucket the Writer fills, over
// the Flux query surface the time-series engine exposes alongside its
// write API, hand-rolling net/http the same way Writer does for the
// write path.
type Reader struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

// NewReader creates a Reader against the same bucket/org/token Writer
// writes to.
func NewReader(cfg Config, log *zap.Logger) *Reader {
	return &Reader{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.Named("timeseries.reader"),
	}
}

// Query runs a Flux range query over Measurement for [now-lookback, now)
// and returns one Point per distinct timestamp, with that row's fields
// pivoted back onto it.
func (r *Reader) Query(ctx context.Context, lookback time.Duration) ([]Point, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`,
		r.cfg.Bucket, fluxDuration(lookback), Measurement)

	u := fmt.Sprintf("%s/api/v2/query?org=%s", r.cfg.URL, r.cfg.Org)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(flux))
	if err != nil {
		return nil, &apperrors.TransientIOError{Op: "timeseries.build_query", Err: err}
	}
	req.Header.Set("Authorization", "Token "+r.cfg.Token)
	req.Header.Set("Content-Type", "application/vnd.flux")
	req.Header.Set("Accept", "application/csv")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &apperrors.TransientIOError{Op: "timeseries.http_query", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &apperrors.TransientIOError{Op: "timeseries.http_query", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &apperrors.PersistentIOError{Op: "timeseries.http_query", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	points, err := parseFluxCSV(resp.Body)
	if err != nil {
		r.log.Warn("failed to parse flux query response", zap.Error(err))
		return nil, fmt.Errorf("parse flux response: %w", err)
	}
	return points, nil
}

func fluxDuration(d time.Duration) string {
	if d <= 0 {
		d = time.Hour
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// parseFluxCSV parses InfluxDB's annotated-CSV query response. Each
// result table starts with a header row ("table,_start,_stop,_time,...")
// following a block of "#"-prefixed annotation lines; tables are
// separated by a blank line, so the active header resets there.
func parseFluxCSV(body io.Reader) ([]Point, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var points []Point
	var header []string
	expectHeader := true

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			expectHeader = true
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, ",")
		if expectHeader {
			header = cols
			expectHeader = false
			continue
		}
		if len(cols) != len(header) {
			continue
		}
		if p, ok := pointFromRow(header, cols); ok {
			points = append(points, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

func pointFromRow(header, cols []string) (Point, bool) {
	p := Point{Measurement: Measurement, Tags: map[string]string{}, Fields: map[string]any{}}
	haveTime := false

	for i, h := range header {
		if i >= len(cols) {
			break
		}
		v := cols[i]
		switch h {
		case "", "result", "table", "_start", "_stop", "_measurement":
			continue
		case "_time":
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				continue
			}
			p.At = t
			haveTime = true
		default:
			if v == "" {
				continue
			}
			if fluxTagKeys[h] {
				p.Tags[h] = v
			} else {
				p.Fields[h] = fluxFieldValue(v)
			}
		}
	}
	return p, haveTime
}

func fluxFieldValue(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
