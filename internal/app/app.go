// Package app is the composition root: it constructs every component,
// wires each into its dependents' constructors, and owns
// startup/shutdown ordering through a supervisor.Supervisor. It is the
// one package that imports hubsession/enrichment/timeseries/patterns/
// suggestion/safety/harness/scheduler/store together — this is the seam.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/aggregates"
	"github.com/wtthornton/ha-ingestor/internal/api"
	"github.com/wtthornton/ha-ingestor/internal/capability"
	"github.com/wtthornton/ha-ingestor/internal/clock"
	"github.com/wtthornton/ha-ingestor/internal/config"
	"github.com/wtthornton/ha-ingestor/internal/context/calendar"
	"github.com/wtthornton/ha-ingestor/internal/context/weather"
	"github.com/wtthornton/ha-ingestor/internal/contextual/weatheropp"
	"github.com/wtthornton/ha-ingestor/internal/enrichment"
	"github.com/wtthornton/ha-ingestor/internal/harness"
	"github.com/wtthornton/ha-ingestor/internal/health"
	"github.com/wtthornton/ha-ingestor/internal/hubrest"
	"github.com/wtthornton/ha-ingestor/internal/hubsession"
	"github.com/wtthornton/ha-ingestor/internal/llmoracle"
	"github.com/wtthornton/ha-ingestor/internal/patterns"
	"github.com/wtthornton/ha-ingestor/internal/safety"
	"github.com/wtthornton/ha-ingestor/internal/scheduler"
	"github.com/wtthornton/ha-ingestor/internal/store"
	"github.com/wtthornton/ha-ingestor/internal/suggestion"
	"github.com/wtthornton/ha-ingestor/internal/supervisor"
	"github.com/wtthornton/ha-ingestor/internal/timeseries"
)

// App owns every long-lived component and the supervisor that restarts
// them.
type App struct {
	cfg config.Config
	log *zap.Logger
	clk clock.Clock

	db         *store.DB
	redis      *redis.Client
	session    *hubsession.Session
	pipeline   *enrichment.Pipeline
	writer     *timeseries.Writer
	reader     *timeseries.Reader
	weatherSrc *weather.Provider
	calStore   *calendar.Store
	capStore   *capability.Store
	oracle     *llmoracle.Oracle
	validator  *safety.Validator
	suggestGen *suggestion.Generator
	harn       *harness.Harness
	sched      *scheduler.Scheduler
	sup        *supervisor.Supervisor
	healthChk  *health.Checker
	apiServer  *api.Server

	aggStore        *aggregates.Store
	patternLookback time.Duration
	rollupLookback  time.Duration
}

// New constructs every component wired to the given configuration. It
// fails outright on a store open error, an oracle or safety-validator
// construction error, an unparsable duration setting, or a job
// registration error; network reachability is not checked until Run.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, clk: clock.Real()}

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	db, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.db = db

	oracle, err := llmoracle.New(llmoracle.Config{
		BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens, Temperature: cfg.LLM.Temperature,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create llm oracle: %w", err)
	}
	a.oracle = oracle

	validator, err := safety.New(ctx, 3)
	if err != nil {
		return nil, fmt.Errorf("create safety validator: %w", err)
	}
	a.validator = validator

	weatherTTL, err := parseDurationOr(cfg.Weather.CacheTTL, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("parse weather.cache_ttl: %w", err)
	}
	a.weatherSrc = weather.New(weather.Config{
		APIKey: cfg.Weather.APIKey, Lat: cfg.Weather.Lat, Lon: cfg.Weather.Lon,
		Units: cfg.Weather.Units, TTL: weatherTTL,
	}, a.redis, log)

	a.calStore = calendar.NewStore()
	a.capStore = capability.NewStore()
	a.aggStore = aggregates.NewStore()

	tsCfg, err := timeseriesConfig(cfg.Timeseries)
	if err != nil {
		return nil, err
	}
	a.writer = timeseries.New(tsCfg, log)
	a.reader = timeseries.NewReader(tsCfg, log)

	a.patternLookback, err = parseDurationOr(cfg.Scheduler.PatternLookback, 168*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler.pattern_lookback: %w", err)
	}
	a.rollupLookback, err = parseDurationOr(cfg.Scheduler.RollupLookback, 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler.rollup_lookback: %w", err)
	}

	a.pipeline = enrichment.New(enrichment.Config{}, a.writer, a.weatherSrc, a.calStore, log, a.clk.Now)

	a.session = hubsession.New(sessionConfig(cfg.Hub), log, hubsession.Handlers{
		OnEvent:    a.pipeline.Ingest,
		OnRegistry: a.handleRegistry,
	})

	hubClient := hubrest.New(cfg.Hub.PrimaryURL, cfg.Hub.Token, log)
	a.harn = harness.New(oracle, validator, hubClient, log, harness.Config{})

	a.suggestGen = suggestion.NewGenerator(oracle, a.capStore, a.clk.Now, log, 0.5)

	a.healthChk = health.New(a.session, a.pipeline)
	a.sched = scheduler.New(log)
	if err := a.registerJobs(); err != nil {
		return nil, fmt.Errorf("register scheduled jobs: %w", err)
	}

	a.apiServer = api.NewServer(a.healthChk, runnerFunc(a.sched.RunNow))

	return a, nil
}

// runnerFunc adapts a context-taking function to api.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) RunNow() error { return f(context.Background()) }

func timeseriesConfig(cfg config.Timeseries) (timeseries.Config, error) {
	flushInterval, err := parseDurationOr(cfg.FlushInterval, time.Second)
	if err != nil {
		return timeseries.Config{}, fmt.Errorf("parse timeseries.flush_interval: %w", err)
	}
	spillRetain, err := parseDurationOr(cfg.SpillRetain, 72*time.Hour)
	if err != nil {
		return timeseries.Config{}, fmt.Errorf("parse timeseries.spill_retention: %w", err)
	}
	return timeseries.Config{
		URL: cfg.URL, Token: cfg.Token, Org: cfg.Org, Bucket: cfg.Bucket,
		BatchSize: cfg.BatchSize, FlushInterval: flushInterval,
		SpillDir: cfg.SpillDir, SpillRetain: spillRetain,
	}, nil
}

func sessionConfig(cfg config.Hub) hubsession.Config {
	reconnect, _ := parseDurationOr(cfg.ReconnectDelay, 5*time.Second)
	endpoints := append([]string{cfg.PrimaryURL}, cfg.FallbackURLs...)
	return hubsession.Config{
		Endpoints:  endpoints,
		Token:      cfg.Token,
		EventTypes: cfg.EventTypes,
		ReconnectDelay: reconnect,
	}
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// handleRegistry decodes the device registry broadcast into capability
// devices and refreshes the Capability Store. It runs on both the
// initial discovery fetch and any mid-session device-list push.
func (a *App) handleRegistry(results hubsession.RegistryResults) {
	if len(results.DeviceRegistry) == 0 {
		return
	}
	var devices []capability.Device
	if err := json.Unmarshal(results.DeviceRegistry, &devices); err != nil {
		a.log.Warn("failed to decode device registry for capability refresh", zap.Error(err))
		return
	}
	a.capStore.Refresh(devices)
}

// registerJobs wires the periodic jobs onto the scheduler: pattern
// detection, aggregate rollup, capability cache refresh, and the
// weather-opportunity scan.
func (a *App) registerJobs() error {
	anomalyDetector := patterns.NewAnomalyDetector(patterns.Config{})
	anomalyDetector.Peaks = &aggregatePeakHours{reader: a.aggStore, lookback: a.rollupLookback, now: a.clk.Now}

	detectors := []patterns.Detector{
		patterns.NewTimeOfDayDetector(patterns.Config{}),
		patterns.NewCoOccurrenceDetector(patterns.Config{}),
		patterns.NewSequenceDetector(patterns.Config{}),
		patterns.NewDurationDetector(patterns.Config{}),
		patterns.NewContextualDetector(patterns.Config{}),
		anomalyDetector,
	}

	patternInterval, err := cronSpecFromDuration(a.cfg.Scheduler.PatternDetectionInterval, 6*time.Hour)
	if err != nil {
		return err
	}
	if err := a.sched.Register("pattern-detection", patternInterval, 10*time.Minute, func(ctx context.Context) error {
		return a.runPatternDetection(ctx, detectors)
	}); err != nil {
		return err
	}

	rollupInterval, err := cronSpecFromDuration(a.cfg.Scheduler.AggregateRollupInterval, time.Hour)
	if err != nil {
		return err
	}
	if err := a.sched.Register("aggregate-rollup", rollupInterval, 5*time.Minute, a.runAggregateRollup); err != nil {
		return err
	}

	capInterval, err := cronSpecFromDuration(a.cfg.Scheduler.CapabilityRefreshInterval, 24*time.Hour)
	if err != nil {
		return err
	}
	if err := a.sched.Register("capability-refresh", capInterval, time.Minute, func(ctx context.Context) error {
		return nil // capability cache is refreshed by OnRegistry pushes, not polled.
	}); err != nil {
		return err
	}

	oppInterval, err := cronSpecFromDuration(a.cfg.Scheduler.WeatherOpportunityInterval, 6*time.Hour)
	if err != nil {
		return err
	}
	oppDetector := weatheropp.New(weatheropp.Config{})
	if err := a.sched.Register("weather-opportunity", oppInterval, 5*time.Minute, func(ctx context.Context) error {
		return a.runWeatherOpportunityScan(ctx, oppDetector)
	}); err != nil {
		return err
	}

	return nil
}

// runWeatherOpportunityScan converts threshold-level weather findings
// into draft suggestions, independent of the pattern-mined path.
func (a *App) runWeatherOpportunityScan(ctx context.Context, d *weatheropp.Detector) error {
	events, err := a.loadRecentEvents(ctx, 7*24*time.Hour)
	if err != nil {
		return fmt.Errorf("load events for weather opportunity scan: %w", err)
	}
	for _, opp := range d.Detect(events) {
		s := opp.Suggestion(a.clk.Now())
		if err := a.db.Suggestions().Insert(s); err != nil {
			a.log.Warn("failed to persist weather opportunity suggestion",
				zap.String("suggestion_id", s.SuggestionID), zap.Error(err))
		}
	}
	return nil
}

func (a *App) runPatternDetection(ctx context.Context, detectors []patterns.Detector) error {
	events, err := a.loadRecentEvents(ctx, a.patternLookback)
	if err != nil {
		return fmt.Errorf("load events for pattern detection: %w", err)
	}

	var found []patterns.Pattern
	for _, d := range detectors {
		found = append(found, d.Detect(events)...)
	}
	if err := a.db.Patterns().UpsertAll(found); err != nil {
		return fmt.Errorf("persist patterns: %w", err)
	}

	unsuggested, err := a.db.Patterns().Unsuggested(0.5)
	if err != nil {
		return fmt.Errorf("load unsuggested patterns: %w", err)
	}
	for _, s := range a.suggestGen.Generate(ctx, unsuggested) {
		if err := a.db.Suggestions().Insert(s); err != nil {
			a.log.Warn("failed to persist suggestion", zap.String("pattern_id", s.PatternID), zap.Error(err))
		}
	}
	return nil
}

func cronSpecFromDuration(s string, fallback time.Duration) (string, error) {
	d, err := parseDurationOr(s, fallback)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("@every %s", d), nil
}

// Run starts every supervised long-lived task and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)
	a.sup.Register("hub-session", a.session.Run)
	a.sup.Register("enrichment-pipeline", a.pipeline.Run)
	a.sup.Register("timeseries-writer", a.writer.Run)
	a.sup.Register("harness-janitor", a.harn.RunJanitor)

	a.sched.Start()

	httpSrv := &httpServer{addr: a.cfg.API.Addr, handler: a.apiServer.Handler()}
	a.sup.Register("admin-api", httpSrv.Run)

	<-ctx.Done()
	a.sched.Shutdown(ctx)
	a.sup.Shutdown(10 * time.Second)
	return a.db.Close()
}

// RunOnce runs every scheduled job synchronously once, used by the
// CLI's --once flag.
func (a *App) RunOnce(ctx context.Context) error {
	return a.sched.RunNow(ctx)
}

// Health implements api.HealthSource for callers outside this package.
func (a *App) Health() api.Health { return a.healthChk.Health() }

// httpServer adapts an http.Handler into a supervisor.Task: serve until
// ctx is cancelled, then shut down gracefully.
type httpServer struct {
	addr    string
	handler http.Handler
}

func (s *httpServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
