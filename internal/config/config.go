// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the validated server configuration.
type Config struct {
	DatabaseURL string
	Storage     string

	GRPCAddr    string
	MetricsAddr string
	TLSCert     string
	TLSKey      string

	JWTKey         string
	CredentialsKey string

	SyncWorkers         int
	AutoSyncInterval    time.Duration
	PageCap             int
	ProviderCallTimeout time.Duration
	QueuePollInterval   time.Duration
	JobLivenessTimeout  time.Duration
	SweepInterval       time.Duration
	JobMaxAttempts      int
	FailureThreshold    int
	StatusStaleAfter    time.Duration

	MonobankBaseURL  string
	LunchFlowBaseURL string
}

// Load reads envFile into the process environment (a missing file is not an
// error) and builds a Config from it.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults and validation.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}
	c := &Config{
		DatabaseURL: p.str("DATABASE_URL", ""),
		Storage:     p.str("STORAGE", StoragePostgres),

		GRPCAddr:    p.str("GRPC_ADDR", ":8443"),
		MetricsAddr: p.str("METRICS_ADDR", ":9090"),
		TLSCert:     p.str("TLS_CERT", ""),
		TLSKey:      p.str("TLS_KEY", ""),

		JWTKey:         p.str("JWT_KEY", ""),
		CredentialsKey: p.str("CREDENTIALS_KEY", ""),

		SyncWorkers:         p.int("SYNC_WORKERS", 4),
		AutoSyncInterval:    p.dur("AUTO_SYNC_INTERVAL", 15*time.Minute),
		PageCap:             p.int("SYNC_PAGE_CAP", 50),
		ProviderCallTimeout: p.dur("PROVIDER_CALL_TIMEOUT", 30*time.Second),
		QueuePollInterval:   p.dur("QUEUE_POLL_INTERVAL", 2*time.Second),
		JobLivenessTimeout:  p.dur("JOB_LIVENESS_TIMEOUT", 10*time.Minute),
		SweepInterval:       p.dur("SWEEP_INTERVAL", time.Minute),
		JobMaxAttempts:      p.int("JOB_MAX_ATTEMPTS", 3),
		FailureThreshold:    p.int("CONNECTION_FAILURE_THRESHOLD", 2),
		StatusStaleAfter:    p.dur("SYNC_STATUS_STALE_AFTER", 20*time.Minute),

		MonobankBaseURL:  p.str("MONOBANK_BASE_URL", "https://api.monobank.ua"),
		LunchFlowBaseURL: p.str("LUNCHFLOW_BASE_URL", "https://lunchflow.app/api/v1"),
	}
	if err := errors.Join(append(p.errs, c.validate())...); err != nil {
		return nil, err
	}
	return c, nil
}

// UseTLS reports whether the gRPC listener should serve TLS.
func (c *Config) UseTLS() bool { return c.TLSCert != "" }

func (c *Config) validate() error {
	var problems []error
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, errors.New("DATABASE_URL is required"))
		}
	case StorageMemory:
	default:
		problems = append(problems, fmt.Errorf("STORAGE %q: want %s or %s", c.Storage, StoragePostgres, StorageMemory))
	}
	if c.JWTKey == "" {
		problems = append(problems, errors.New("JWT_KEY is required"))
	}
	if c.CredentialsKey == "" {
		problems = append(problems, errors.New("CREDENTIALS_KEY is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("TLS_CERT and TLS_KEY must be set together"))
	}
	for name, v := range map[string]int{
		"SYNC_WORKERS":                 c.SyncWorkers,
		"SYNC_PAGE_CAP":                c.PageCap,
		"JOB_MAX_ATTEMPTS":             c.JobMaxAttempts,
		"CONNECTION_FAILURE_THRESHOLD": c.FailureThreshold,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	for name, v := range map[string]time.Duration{
		"AUTO_SYNC_INTERVAL":      c.AutoSyncInterval,
		"PROVIDER_CALL_TIMEOUT":   c.ProviderCallTimeout,
		"QUEUE_POLL_INTERVAL":     c.QueuePollInterval,
		"JOB_LIVENESS_TIMEOUT":    c.JobLivenessTimeout,
		"SWEEP_INTERVAL":          c.SweepInterval,
		"SYNC_STATUS_STALE_AFTER": c.StatusStaleAfter,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}
	return errors.Join(problems...)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) dur(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
