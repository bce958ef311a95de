// Package config loads per-component key-value configuration from TOML
// files with environment-variable overrides, and validates it before
// startup. WatchHotReload reports file changes via fsnotify; the CLI
// applies only the log level on reload, everything else requires a
// restart.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
)

// Hub configures the hub session manager.
type Hub struct {
	PrimaryURL     string   `toml:"primary_url" validate:"required,hub_url"`
	FallbackURLs   []string `toml:"fallback_urls" validate:"dive,hub_url"`
	Token          string   `toml:"token" validate:"required"`
	ReconnectDelay string   `toml:"reconnect_delay" validate:"required"`
	EventTypes     []string `toml:"event_types"`
}

// Weather configures the weather context provider.
type Weather struct {
	APIKey   string  `toml:"api_key" validate:"required"`
	Lat      float64 `toml:"latitude" validate:"gte=-90,lte=90"`
	Lon      float64 `toml:"longitude" validate:"gte=-180,lte=180"`
	Units    string  `toml:"units"`
	CacheTTL string  `toml:"cache_ttl"`
}

// Timeseries configures the timeseries writer and its store.
type Timeseries struct {
	URL           string `toml:"url" validate:"required,url"`
	Token         string `toml:"token" validate:"required"`
	Org           string `toml:"org" validate:"required"`
	Bucket        string `toml:"bucket" validate:"required"`
	BatchSize     int    `toml:"batch_size"`
	FlushInterval string `toml:"flush_interval"`
	SpillDir      string `toml:"spill_dir"`
	SpillRetain   string `toml:"spill_retention"`
}

// Redis configures the TTL-cache backend used by the weather context
// provider.
type Redis struct {
	Addr     string `toml:"addr" validate:"required"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Store configures the relational store for Patterns and Suggestions.
type Store struct {
	Dir string `toml:"dir" validate:"required"`
}

// LLM configures the Oracle client.
type LLM struct {
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key" validate:"required"`
	MaxTokens   int    `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
}

// Scheduler configures the periodic job intervals.
type Scheduler struct {
	PatternDetectionInterval   string `toml:"pattern_detection_interval"`
	AggregateRollupInterval    string `toml:"aggregate_rollup_interval"`
	CapabilityRefreshInterval  string `toml:"capability_refresh_interval"`
	WeatherOpportunityInterval string `toml:"weather_opportunity_interval"`
	PatternLookback            string `toml:"pattern_lookback"`
	RollupLookback             string `toml:"rollup_lookback"`
}

// Logging configures the zap logger.
type Logging struct {
	Level string `toml:"level"`
}

// API configures the admin/metrics HTTP surface (internal/api).
type API struct {
	Addr string `toml:"addr"`
}

// Config is the root configuration, one section per component.
type Config struct {
	Hub        Hub        `toml:"hub"`
	Weather    Weather    `toml:"weather"`
	Timeseries Timeseries `toml:"timeseries"`
	Redis      Redis      `toml:"redis"`
	Store      Store      `toml:"store"`
	LLM        LLM        `toml:"llm"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Logging    Logging    `toml:"logging"`
	API        API        `toml:"api"`
}

var hubURLSchemes = map[string]bool{"ws": true, "wss": true}

func validateHubURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return hubURLSchemes[strings.ToLower(u.Scheme)]
}

// Default returns conservative production defaults; callers overlay a
// TOML file and environment variables on top.
func Default() Config {
	return Config{
		Timeseries: Timeseries{
			BatchSize:     500,
			FlushInterval: "1s",
			SpillDir:      filepath.Join(dataHome(), "spill"),
			SpillRetain:   "72h",
		},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Store: Store{Dir: dataHome()},
		Weather: Weather{
			Units:    "imperial",
			CacheTTL: "300s",
		},
		Hub: Hub{
			ReconnectDelay: "5s",
			EventTypes:     []string{"state_changed"},
		},
		LLM: LLM{
			Provider:    "anthropic-compatible",
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		Scheduler: Scheduler{
			PatternDetectionInterval:   "6h",
			AggregateRollupInterval:    "1h",
			CapabilityRefreshInterval:  "24h",
			WeatherOpportunityInterval: "6h",
			PatternLookback:            "168h",
			RollupLookback:             "720h",
		},
		Logging: Logging{Level: "info"},
		API:     API{Addr: ":8080"},
	}
}

// Load reads every *.toml file under dir (one per component, named after
// its top-level key: hub.toml, weather.toml, ...), merges them into a
// single Config seeded from Default, applies HA_INGESTOR_* environment
// overrides, and validates the result.
func Load(dir string) (Config, error) {
	cfg := Default()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnvAndValidate(cfg)
		}
		return cfg, fmt.Errorf("read config dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return applyEnvAndValidate(cfg)
}

func applyEnvAndValidate(cfg Config) (Config, error) {
	applyEnv(&cfg)

	v := validator.New()
	_ = v.RegisterValidation("hub_url", validateHubURL)
	if err := v.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays HA_INGESTOR_* environment variables on top of
// whatever the config files set.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HA_INGESTOR_HUB_URL"); v != "" {
		cfg.Hub.PrimaryURL = v
	}
	if v := os.Getenv("HA_INGESTOR_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}
	if v := os.Getenv("HA_INGESTOR_WEATHER_API_KEY"); v != "" {
		cfg.Weather.APIKey = v
	}
	if v := os.Getenv("HA_INGESTOR_TIMESERIES_URL"); v != "" {
		cfg.Timeseries.URL = v
	}
	if v := os.Getenv("HA_INGESTOR_TIMESERIES_TOKEN"); v != "" {
		cfg.Timeseries.Token = v
	}
	if v := os.Getenv("HA_INGESTOR_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HA_INGESTOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HA_INGESTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HA_INGESTOR_LAT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Weather.Lat = f
		}
	}
	if v := os.Getenv("HA_INGESTOR_LON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Weather.Lon = f
		}
	}
}

// WatchHotReload watches dir for changes and invokes onReload with the
// freshly parsed config whenever a *.toml file is written. Reload errors
// are swallowed by the caller's onReload (it should log and keep the
// previous config); this never terminates the watch loop.
func WatchHotReload(dir string, onReload func(Config, error)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".toml") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(dir)
				onReload(cfg, err)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

func dataHome() string {
	if env := os.Getenv("HA_INGESTOR_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ha-ingestor")
}
