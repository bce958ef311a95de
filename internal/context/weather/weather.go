// Package weather provides current conditions to the enrichment
// pipeline, cached in Redis with a TTL so a provider outage degrades to
// stale-but-present data rather than blocking enrichment.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Conditions is the current-weather data the rest of the system
// enriches events with and reasons about.
type Conditions struct {
	TempF       float64   `json:"temp_f"`
	Humidity    float64   `json:"humidity"`
	PressureHPA float64   `json:"pressure_hpa"`
	Condition   string    `json:"condition"` // clear, rain, snow, clouds, ...
	Description string    `json:"description"` // provider's longer phrasing, e.g. "light rain"
	WindMPH     float64   `json:"wind_mph"`
	Location    string    `json:"location"` // provider-resolved place name for the configured coordinates
	IsDaylight  bool      `json:"is_daylight"`
	ObservedAt  time.Time `json:"observed_at"`
	Stale       bool      `json:"stale"`
}

const cacheKey = "ha-ingestor:weather:current"

// Provider fetches and caches current conditions for one lat/lon.
type Provider struct {
	httpClient *http.Client
	redis      *redis.Client
	log        *zap.Logger

	apiKey string
	lat    float64
	lon    float64
	units  string
	ttl    time.Duration
}

// Config configures a Provider.
type Config struct {
	APIKey string
	Lat    float64
	Lon    float64
	Units  string // imperial | metric
	TTL    time.Duration
}

// New creates a Provider backed by rc for caching.
func New(cfg Config, rc *redis.Client, log *zap.Logger) *Provider {
	units := cfg.Units
	if units == "" {
		units = "imperial"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Provider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		redis:      rc,
		log:        log.Named("weather"),
		apiKey:     cfg.APIKey,
		lat:        cfg.Lat,
		lon:        cfg.Lon,
		units:      units,
		ttl:        ttl,
	}
}

// Current returns the cached conditions if fresh, otherwise fetches,
// caches, and returns fresh conditions. On fetch failure it falls back to
// a stale cached value (marked Stale=true) rather than erroring, since
// enrichment should never block on a weather outage.
func (p *Provider) Current(ctx context.Context) (Conditions, error) {
	if cached, ok := p.readCache(ctx); ok {
		return cached, nil
	}

	fresh, err := p.fetchWithRetry(ctx)
	if err != nil {
		if stale, ok := p.readStale(ctx); ok {
			p.log.Warn("weather fetch failed, serving stale cache", zap.Error(err))
			stale.Stale = true
			return stale, nil
		}
		return Conditions{}, fmt.Errorf("fetch weather: %w", err)
	}

	p.writeCache(ctx, fresh)
	return fresh, nil
}

func (p *Provider) readCache(ctx context.Context) (Conditions, bool) {
	raw, err := p.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return Conditions{}, false
	}
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conditions{}, false
	}
	return c, true
}

// readStale ignores TTL expiry and reads whatever is still physically
// present under a secondary key that never expires on its own.
func (p *Provider) readStale(ctx context.Context) (Conditions, bool) {
	raw, err := p.redis.Get(ctx, cacheKey+":last").Bytes()
	if err != nil {
		return Conditions{}, false
	}
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conditions{}, false
	}
	return c, true
}

func (p *Provider) writeCache(ctx context.Context, c Conditions) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := p.redis.Set(ctx, cacheKey, raw, p.ttl).Err(); err != nil {
		p.log.Warn("weather cache write failed", zap.Error(err))
	}
	// last never expires; it is the stale-fallback source.
	_ = p.redis.Set(ctx, cacheKey+":last", raw, 0).Err()
}

func (p *Provider) fetchWithRetry(ctx context.Context) (Conditions, error) {
	op := func() (Conditions, error) {
		c, err := p.fetch(ctx)
		if err != nil {
			return Conditions{}, err
		}
		return c, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

func (p *Provider) fetch(ctx context.Context) (Conditions, error) {
	u := &url.URL{
		Scheme: "https",
		Host:   "api.openweathermap.org",
		Path:   "/data/2.5/weather",
	}
	q := u.Query()
	q.Set("lat", fmt.Sprintf("%f", p.lat))
	q.Set("lon", fmt.Sprintf("%f", p.lon))
	q.Set("appid", p.apiKey)
	q.Set("units", p.units)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Conditions{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Conditions{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Conditions{}, fmt.Errorf("weather api status %d", resp.StatusCode)
	}

	var body struct {
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
			Pressure float64 `json:"pressure"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Sys struct {
			Sunrise int64 `json:"sunrise"`
			Sunset  int64 `json:"sunset"`
		} `json:"sys"`
		Name string `json:"name"`
		Dt   int64  `json:"dt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Conditions{}, fmt.Errorf("decode weather response: %w", err)
	}

	cond, description := "unknown", ""
	if len(body.Weather) > 0 {
		cond = body.Weather[0].Main
		description = body.Weather[0].Description
	}

	observed := time.Unix(body.Dt, 0)
	daylight := body.Dt >= body.Sys.Sunrise && body.Dt < body.Sys.Sunset

	return Conditions{
		TempF:       body.Main.Temp,
		Humidity:    body.Main.Humidity,
		PressureHPA: body.Main.Pressure,
		Condition:   cond,
		Description: description,
		WindMPH:     body.Wind.Speed,
		Location:    body.Name,
		IsDaylight:  daylight,
		ObservedAt:  observed,
	}, nil
}
