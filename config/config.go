package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds pipeline configuration.
type Config struct {
	Workers          int
	RateLimit        int
	RateWindow       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Timeout          time.Duration
	MaxBodySize      int // bytes; 0 means unlimited
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	Pages            int
	PageSize         int
	QueueDir         string
	OutputFile       string
	OutputFormat     string // json or dual
	ProfilesFile     string
	UserAgent        string
	MetricsAddr      string
	ListenAddr       string
	Verbose          bool
}

// DefaultConfig returns the defaults used by the CLI and the HTTP surface.
func DefaultConfig() *Config {
	return &Config{
		Workers:          8,
		RateLimit:        5,
		RateWindow:       time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		Timeout:          10 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		Pages:            1,
		PageSize:         20,
		QueueDir:         "temp_data",
		OutputFile:       "output/report.json",
		OutputFormat:     "json",
		UserAgent:        "go-source-aggregator/1.0",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return newConfigError("workers must be positive")
	}
	if c.RateLimit <= 0 {
		return newConfigError("rate limit must be positive")
	}
	if c.RateWindow <= 0 {
		return newConfigError("rate window must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return newConfigError("breaker threshold must be positive")
	}
	if c.BreakerCooldown <= 0 {
		return newConfigError("breaker cooldown must be positive")
	}
	if c.Timeout <= 0 {
		return newConfigError("timeout must be positive")
	}
	if c.MaxBodySize < 0 {
		return newConfigError("max body size cannot be negative")
	}
	if c.MaxRetries < 0 {
		return newConfigError("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return newConfigError("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return newConfigError("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return newConfigError("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.Pages <= 0 {
		return newConfigError("pages must be positive")
	}
	if c.PageSize <= 0 {
		return newConfigError("page size must be positive")
	}
	if c.QueueDir == "" {
		return newConfigError("queue directory cannot be empty")
	}
	if c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return newConfigError("output format must be json or dual")
	}
	if c.OutputFormat == "dual" && c.OutputFile == "" {
		return newConfigError("dual output requires an output file")
	}
	if c.UserAgent == "" {
		return newConfigError("user agent cannot be empty")
	}
	return nil
}

// EnvInt reads an integer environment variable. ok is false when unset.
func EnvInt(key string) (value int, ok bool, err error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err = strconv.Atoi(raw)
	if err != nil {
		return 0, true, errors.Wrapf(err, "parse %s", key)
	}
	return value, true, nil
}

// EnvDuration reads a duration environment variable such as "30s".
func EnvDuration(key string) (value time.Duration, ok bool, err error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err = time.ParseDuration(raw)
	if err != nil {
		return 0, true, errors.Wrapf(err, "parse %s", key)
	}
	return value, true, nil
}

// EnvString reads a non-empty environment variable.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
