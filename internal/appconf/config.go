// Package appconf loads process configuration from the environment (with an
// optional .env file) and the feed definitions from a YAML file.
package appconf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process-wide settings.
type Config struct {
	Port      int
	Env       Environment
	ApiKeys   []string
	Verbose   bool
	RateLimit int
	LogLevel  string

	// DatabaseURL selects the feed cache backend: a postgres:// URL uses pgx,
	// anything else is treated as a sqlite path.
	DatabaseURL string
	// StaticGTFSPath is a local zip or an http(s) URL of the static schedule.
	StaticGTFSPath string
	GTFSDBPath     string

	Timezone  *time.Location
	NATSURL   string
	FakeNow   string
	RunPoller bool

	FeedsFile string
	Feeds     FeedsFile

	LoaderFreshness time.Duration
	LoaderMaxWait   time.Duration
	BoardWindow     time.Duration
}

const (
	defaultPort            = 4000
	defaultRateLimit       = 100
	defaultTimezone        = "Europe/Zurich"
	defaultDatabasePath    = "feedcache.db"
	defaultGTFSDBPath      = "gtfs.db"
	defaultLoaderFreshness = 10 * time.Second
	defaultLoaderMaxWait   = 1500 * time.Millisecond
	defaultBoardWindow     = 90 * time.Minute
)

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests can supply a map.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:            envInt(getenv, "PORT", defaultPort),
		Env:             EnvFlagToEnvironment(getenv("ENV")),
		ApiKeys:         ParseList(getenv("API_KEYS")),
		Verbose:         envBool(getenv, "VERBOSE", false),
		RateLimit:       envInt(getenv, "RATE_LIMIT", defaultRateLimit),
		LogLevel:        getenv("LOG_LEVEL"),
		DatabaseURL:     envString(getenv, "DATABASE_URL", defaultDatabasePath),
		StaticGTFSPath:  getenv("STATIC_GTFS_PATH"),
		GTFSDBPath:      envString(getenv, "GTFS_DB_PATH", defaultGTFSDBPath),
		NATSURL:         getenv("NATS_URL"),
		FakeNow:         getenv("FAKE_NOW"),
		RunPoller:       envBool(getenv, "RUN_POLLERS", true),
		FeedsFile:       getenv("FEEDS_CONFIG"),
		LoaderFreshness: envDuration(getenv, "LOADER_FRESHNESS", defaultLoaderFreshness),
		LoaderMaxWait:   envDuration(getenv, "LOADER_MAX_WAIT", defaultLoaderMaxWait),
		BoardWindow:     envDuration(getenv, "BOARD_WINDOW", defaultBoardWindow),
	}

	tzName := envString(getenv, "BOARD_TIMEZONE", defaultTimezone)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BOARD_TIMEZONE %q: %w", tzName, err)
	}
	cfg.Timezone = loc

	if cfg.FeedsFile != "" {
		feeds, err := LoadFeedsFromFile(cfg.FeedsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Feeds = *feeds
	} else {
		cfg.Feeds = DefaultFeeds(getenv)
	}

	return cfg, nil
}

// ParseList splits a comma separated list, trimming blanks.
func ParseList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil {
		return v
	}
	return fallback
}

func envBool(getenv func(string) string, key string, fallback bool) bool {
	if v, err := strconv.ParseBool(strings.TrimSpace(getenv(key))); err == nil {
		return v
	}
	return fallback
}

func envDuration(getenv func(string) string, key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(strings.TrimSpace(getenv(key))); err == nil && v > 0 {
		return v
	}
	return fallback
}
