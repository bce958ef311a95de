package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, hubURL string) string {
	t.Helper()
	dir := t.TempDir()
	hub := `
[hub]
primary_url = "` + hubURL + `"
token = "secret-token"
reconnect_delay = "5s"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hub.toml"), []byte(hub), 0o644))

	weather := `
[weather]
api_key = "owm-key"
latitude = 47.6
longitude = -122.3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.toml"), []byte(weather), 0o644))

	ts := `
[timeseries]
url = "http://127.0.0.1:8086"
token = "influx-token"
org = "home"
bucket = "events"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "influxdb.toml"), []byte(ts), 0o644))

	llm := `
[llm]
api_key = "llm-key"
model = "claude-sonnet"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm.toml"), []byte(llm), 0o644))
	return dir
}

func TestLoad_MergesPerComponentFiles(t *testing.T) {
	dir := writeConfigDir(t, "ws://homeassistant.local:8123/api/websocket")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ws://homeassistant.local:8123/api/websocket", cfg.Hub.PrimaryURL)
	assert.Equal(t, "secret-token", cfg.Hub.Token)
	assert.Equal(t, "owm-key", cfg.Weather.APIKey)
	assert.Equal(t, "events", cfg.Timeseries.Bucket)
	// defaults survive the merge for keys the files never set
	assert.Equal(t, 500, cfg.Timeseries.BatchSize)
	assert.Equal(t, "6h", cfg.Scheduler.PatternDetectionInterval)
}

func TestLoad_RejectsNonWebsocketHubURL(t *testing.T) {
	dir := writeConfigDir(t, "http://homeassistant.local:8123")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
}

func TestLoad_RejectsOutOfRangeCoordinates(t *testing.T) {
	dir := writeConfigDir(t, "wss://homeassistant.local:8123/api/websocket")
	bad := `
[weather]
api_key = "owm-key"
latitude = 99.0
longitude = -122.3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.toml"), []byte(bad), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := writeConfigDir(t, "ws://homeassistant.local:8123/api/websocket")
	t.Setenv("HA_INGESTOR_HUB_TOKEN", "env-token")
	t.Setenv("HA_INGESTOR_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Hub.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateHubURL(t *testing.T) {
	dir := writeConfigDir(t, "ws://hub.local:8123")
	fallback := `
[hub]
primary_url = "ws://hub.local:8123"
fallback_urls = ["not a url"]
token = "secret-token"
reconnect_delay = "5s"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hub.toml"), []byte(fallback), 0o644))

	_, err := Load(dir)
	require.Error(t, err, "fallback endpoints are validated like the primary")
}
