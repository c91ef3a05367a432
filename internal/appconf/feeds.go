package appconf

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type FeedKind string

const (
	FeedTripUpdates FeedKind = "tripupdates"
	FeedAlerts      FeedKind = "alerts"
)

// FeedConfig describes one upstream GTFS-RT feed and how hard we may poll it.
type FeedConfig struct {
	Name     string   `yaml:"name" validate:"required"`
	Kind     FeedKind `yaml:"kind" validate:"required,oneof=tripupdates alerts"`
	URL      string   `yaml:"url" validate:"required,url"`
	TokenEnv string   `yaml:"token_env"`
	// Token is resolved from TokenEnv at load time and never read from YAML.
	Token string `yaml:"-"`

	Interval          time.Duration `yaml:"interval" validate:"omitempty,min=1s"`
	RateLimitFloor    time.Duration `yaml:"rate_limit_floor" validate:"omitempty,min=1s"`
	RequestsPerMinute float64       `yaml:"requests_per_minute" validate:"gte=0"`
	AllowBlobFallback bool          `yaml:"allow_blob_fallback"`
	ForceBlobMode     bool          `yaml:"force_blob_mode"`
}

// FeedsFile is the YAML document listed in FEEDS_CONFIG.
type FeedsFile struct {
	Feeds        []FeedConfig `yaml:"feeds" validate:"required,min=1,dive"`
	BlockedHosts []string     `yaml:"blocked_hosts"`
}

const (
	DefaultTripUpdatesInterval = 15 * time.Second
	DefaultAlertsInterval      = 60 * time.Second
	DefaultRateLimitFloor      = 60 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFeedsFromFile reads, defaults and validates a feeds YAML file.
func LoadFeedsFromFile(path string) (*FeedsFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFeeds(data, os.Getenv)
}

// ParseFeeds decodes a feeds document; getenv resolves token_env entries.
func ParseFeeds(data []byte, getenv func(string) string) (*FeedsFile, error) {
	var file FeedsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	file.applyDefaults(getenv)
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	seen := map[string]bool{}
	for _, f := range file.Feeds {
		if seen[f.Name] {
			return nil, fmt.Errorf("invalid configuration: duplicate feed name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return &file, nil
}

func (f *FeedsFile) applyDefaults(getenv func(string) string) {
	for i := range f.Feeds {
		feed := &f.Feeds[i]
		if feed.Interval == 0 {
			feed.Interval = DefaultTripUpdatesInterval
			if feed.Kind == FeedAlerts {
				feed.Interval = DefaultAlertsInterval
			}
		}
		if feed.RateLimitFloor < DefaultRateLimitFloor {
			feed.RateLimitFloor = DefaultRateLimitFloor
		}
		if feed.TokenEnv != "" {
			feed.Token = getenv(feed.TokenEnv)
		}
	}
	if len(f.BlockedHosts) == 0 {
		f.BlockedHosts = f.hostsFromFeeds()
	}
}

func (f *FeedsFile) hostsFromFeeds() []string {
	var hosts []string
	seen := map[string]bool{}
	for _, feed := range f.Feeds {
		host := hostOf(feed.URL)
		if host != "" && !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Feed returns the first feed of the given kind.
func (f FeedsFile) Feed(kind FeedKind) (FeedConfig, bool) {
	for _, feed := range f.Feeds {
		if feed.Kind == kind {
			return feed, true
		}
	}
	return FeedConfig{}, false
}

// DefaultFeeds builds the two opentransportdata.swiss feeds from env vars
// when no FEEDS_CONFIG file is given.
func DefaultFeeds(getenv func(string) string) FeedsFile {
	file := FeedsFile{
		Feeds: []FeedConfig{
			{
				Name:              "tripupdates",
				Kind:              FeedTripUpdates,
				URL:               envString(getenv, "GTFS_RT_URL", "https://api.opentransportdata.swiss/la/gtfs-rt"),
				TokenEnv:          "GTFS_RT_TOKEN",
				RequestsPerMinute: 5,
			},
			{
				Name:              "alerts",
				Kind:              FeedAlerts,
				URL:               envString(getenv, "GTFS_SA_URL", "https://api.opentransportdata.swiss/la/gtfs-sa"),
				TokenEnv:          "GTFS_SA_TOKEN",
				RequestsPerMinute: 2,
			},
		},
	}
	file.applyDefaults(getenv)
	return file
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
