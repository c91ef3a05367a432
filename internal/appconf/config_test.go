package appconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestEnvFlagToEnvironment(t *testing.T) {
	tests := []struct {
		input    string
		expected Environment
	}{
		{"production", Production},
		{"PROD", Production},
		{"test", Test},
		{"development", Development},
		{"", Development},
		{"staging", Development},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, EnvFlagToEnvironment(tt.input))
		})
	}
	assert.Equal(t, "production", Production.String())
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, Development, cfg.Env)
	assert.Equal(t, "Europe/Zurich", cfg.Timezone.String())
	assert.True(t, cfg.RunPoller)
	assert.Equal(t, 10*time.Second, cfg.LoaderFreshness)
	assert.Equal(t, 1500*time.Millisecond, cfg.LoaderMaxWait)
	require.Len(t, cfg.Feeds.Feeds, 2)
	assert.Equal(t, []string{"api.opentransportdata.swiss"}, cfg.Feeds.BlockedHosts)

	tu, ok := cfg.Feeds.Feed(FeedTripUpdates)
	require.True(t, ok)
	assert.Equal(t, DefaultTripUpdatesInterval, tu.Interval)
	assert.Equal(t, DefaultRateLimitFloor, tu.RateLimitFloor)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(mapEnv(map[string]string{
		"PORT":            "8080",
		"ENV":             "production",
		"API_KEYS":        " a , b ",
		"BOARD_TIMEZONE":  "UTC",
		"RUN_POLLERS":     "false",
		"GTFS_RT_TOKEN":   "secret",
		"LOADER_MAX_WAIT": "250ms",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, Production, cfg.Env)
	assert.Equal(t, []string{"a", "b"}, cfg.ApiKeys)
	assert.Equal(t, time.UTC, cfg.Timezone)
	assert.False(t, cfg.RunPoller)
	assert.Equal(t, 250*time.Millisecond, cfg.LoaderMaxWait)

	tu, _ := cfg.Feeds.Feed(FeedTripUpdates)
	assert.Equal(t, "secret", tu.Token)
}

func TestFromEnvRejectsUnknownTimezone(t *testing.T) {
	_, err := FromEnv(mapEnv(map[string]string{"BOARD_TIMEZONE": "Mars/Olympus"}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BOARD_TIMEZONE")
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{}, ParseList(""))
	assert.Equal(t, []string{"k1", "k2"}, ParseList("k1,, k2 ,"))
}

const validFeeds = `
feeds:
  - name: tripupdates
    kind: tripupdates
    url: https://api.example.ch/gtfs-rt
    token_env: TU_TOKEN
    requests_per_minute: 5
    allow_blob_fallback: true
  - name: alerts
    kind: alerts
    url: https://alerts.example.ch/gtfs-sa
    interval: 2m
    rate_limit_floor: 90s
blocked_hosts:
  - api.example.ch
`

func TestParseFeeds(t *testing.T) {
	file, err := ParseFeeds([]byte(validFeeds), mapEnv(map[string]string{"TU_TOKEN": "tok"}))
	require.NoError(t, err)

	tu, ok := file.Feed(FeedTripUpdates)
	require.True(t, ok)
	assert.Equal(t, "tok", tu.Token)
	assert.Equal(t, DefaultTripUpdatesInterval, tu.Interval)
	assert.True(t, tu.AllowBlobFallback)

	al, ok := file.Feed(FeedAlerts)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, al.Interval)
	assert.Equal(t, 90*time.Second, al.RateLimitFloor)
	assert.Equal(t, []string{"api.example.ch"}, file.BlockedHosts)
}

func TestParseFeedsErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"malformed", "feeds: [", "failed to parse YAML config"},
		{"unknown field", "feeds:\n  - name: x\n    colour: red\n", "failed to parse YAML config"},
		{"no feeds", "feeds: []\n", "invalid configuration"},
		{"bad kind", "feeds:\n  - name: x\n    kind: positions\n    url: https://a.ch/x\n", "invalid configuration"},
		{"bad url", "feeds:\n  - name: x\n    kind: alerts\n    url: not a url\n", "invalid configuration"},
		{"duplicate", "feeds:\n  - name: x\n    kind: alerts\n    url: https://a.ch/x\n  - name: x\n    kind: tripupdates\n    url: https://a.ch/y\n", "duplicate feed name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := ParseFeeds([]byte(tt.doc), mapEnv(nil))
			require.Error(t, err)
			assert.Nil(t, file)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFeedsFromFile(t *testing.T) {
	_, err := LoadFeedsFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat config file")

	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFeeds), 0o644))
	file, err := LoadFeedsFromFile(path)
	require.NoError(t, err)
	assert.Len(t, file.Feeds, 2)
}
