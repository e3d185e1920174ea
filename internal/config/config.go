package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "JEMZY"
	defaultHTTPAddress          = "0.0.0.0:8081"
	defaultAPITimeoutSeconds    = 15
	defaultSessionCookieName    = "jemzy_session"
	defaultSessionIssuer        = "jemzy-auth"
	defaultDatabasePath         = "jemzy-views.db"
	defaultCacheStaleSeconds    = 0
	defaultCacheGCSeconds       = 300
	defaultMaxConcurrentFetches = 8
	defaultSnapshotRetention    = 7 * 24
	defaultMutationRate         = 5.0
	defaultMutationBurst        = 10
	defaultLogLevel             = "info"
)

// AppConfig captures runtime configuration for the views service.
type AppConfig struct {
	HTTPAddress           string
	APIBaseURL            string
	APITimeout            time.Duration
	SessionSigningSecret  string
	SessionCookieName     string
	SessionIssuer         string
	DatabasePath          string
	CacheStaleTime        time.Duration
	CacheGCTime           time.Duration
	MaxConcurrentFetches  int
	SnapshotRetention     time.Duration
	SerializePerTarget    bool
	MutationRatePerSecond float64
	MutationBurst         int
	AllowedOrigins        []string
	LogLevel              string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("api.timeout_seconds", defaultAPITimeoutSeconds)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("cache.stale_seconds", defaultCacheStaleSeconds)
	configViper.SetDefault("cache.gc_seconds", defaultCacheGCSeconds)
	configViper.SetDefault("cache.max_concurrent_fetches", defaultMaxConcurrentFetches)
	configViper.SetDefault("cache.snapshot_retention_hours", defaultSnapshotRetention)
	configViper.SetDefault("mutations.serialize_per_target", true)
	configViper.SetDefault("mutations.rate_per_second", defaultMutationRate)
	configViper.SetDefault("mutations.burst", defaultMutationBurst)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		APIBaseURL:            strings.TrimSpace(configViper.GetString("api.base_url")),
		APITimeout:            seconds(configViper.GetInt("api.timeout_seconds")),
		SessionSigningSecret:  configViper.GetString("session.signing_secret"),
		SessionCookieName:     configViper.GetString("session.cookie_name"),
		SessionIssuer:         configViper.GetString("session.issuer"),
		DatabasePath:          configViper.GetString("database.path"),
		CacheStaleTime:        seconds(configViper.GetInt("cache.stale_seconds")),
		CacheGCTime:           seconds(configViper.GetInt("cache.gc_seconds")),
		MaxConcurrentFetches:  configViper.GetInt("cache.max_concurrent_fetches"),
		SnapshotRetention:     time.Duration(configViper.GetInt("cache.snapshot_retention_hours")) * time.Hour,
		SerializePerTarget:    configViper.GetBool("mutations.serialize_per_target"),
		MutationRatePerSecond: configViper.GetFloat64("mutations.rate_per_second"),
		MutationBurst:         configViper.GetInt("mutations.burst"),
		AllowedOrigins:        splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:              configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute url")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CacheStaleTime < 0 || c.CacheGCTime < 0 || c.SnapshotRetention < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("cache.max_concurrent_fetches must be positive")
	}
	if c.MutationRatePerSecond <= 0 || c.MutationBurst <= 0 {
		return fmt.Errorf("mutations.rate_per_second and mutations.burst must be positive")
	}
	return nil
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// Env values arrive as one comma separated string.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
