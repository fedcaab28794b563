package tokenmeter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	DefaultModel string           `yaml:"default_model"`
	Models       []ModelMapping   `yaml:"models"`
	Upstreams    []UpstreamConfig `yaml:"upstreams"`
	Metering     MeteringConfig   `yaml:"metering"`
	Sweeper      SweeperConfig    `yaml:"sweeper"`
}

// ModelMapping defines a model alias.
type ModelMapping struct {
	Alias  string     `yaml:"alias"`
	Models []ModelRef `yaml:"models"`
}

// ModelRef references a specific provider model.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// UpstreamConfig configures a single provider account used to serve requests.
type UpstreamConfig struct {
	Provider           string  `yaml:"provider"`
	ID                 string  `yaml:"id"`
	Auth               Auth    `yaml:"auth"`
	BaseURL            string  `yaml:"base_url"`
	NodeAddress        string  `yaml:"node_address"` // gonka: bech32 address of the node at BaseURL
	CostPerInputToken  float64 `yaml:"cost_per_input_token"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token"`
}

// MeteringConfig controls the reservation protocol.
type MeteringConfig struct {
	// ReservationTTL is the liveness deadline of a reservation.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	// CompletionReserve is added to the prompt estimate when the request
	// does not set MaxTokens.
	CompletionReserve int64 `yaml:"completion_reserve"`
	// UsagePolicy reconciles provider-reported usage with the tally.
	UsagePolicy UsagePolicy `yaml:"usage_policy"`
	// LedgerTimeout bounds each settlement call.
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`
	// CommitRetries is how many times a settlement is retried on
	// ErrStorageUnavailable. Nil means DefaultCommitRetries; 0 disables
	// retries.
	CommitRetries *int `yaml:"commit_retries"`
}

// SweeperConfig controls the reconciliation sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Grace is subtracted from the clock before comparing deadlines, so
	// skew between instances never expires a live reservation early. Nil
	// means DefaultSweepGrace.
	Grace       *time.Duration `yaml:"grace"`
	BatchSize   int            `yaml:"batch_size"`
	Concurrency int            `yaml:"concurrency"`
	MaxBackoff  time.Duration  `yaml:"max_backoff"`
	// CorrelationRetention is how long a claimed correlation id keeps
	// blocking a repeated request before the sweeper prunes it.
	CorrelationRetention time.Duration `yaml:"correlation_retention"`
}

// Defaults.
const (
	DefaultReservationTTL    = 5 * time.Minute
	DefaultCompletionReserve = 100
	DefaultLedgerTimeout     = 10 * time.Second
	DefaultCommitRetries     = 3
	DefaultSweepInterval     = time.Minute
	DefaultSweepGrace        = 5 * time.Second
	DefaultSweepBatchSize    = 100
	DefaultSweepConcurrency  = 4
	DefaultSweepMaxBackoff   = 5 * time.Minute
	DefaultCorrelationTTL    = 24 * time.Hour
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenmeter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenmeter: parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	c.Metering = c.Metering.WithDefaults()
	c.Sweeper = c.Sweeper.WithDefaults()
	return c
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (m MeteringConfig) WithDefaults() MeteringConfig {
	if m.ReservationTTL == 0 {
		m.ReservationTTL = DefaultReservationTTL
	}
	if m.CompletionReserve == 0 {
		m.CompletionReserve = DefaultCompletionReserve
	}
	if m.UsagePolicy == "" {
		m.UsagePolicy = UsagePolicyProvider
	}
	if m.LedgerTimeout == 0 {
		m.LedgerTimeout = DefaultLedgerTimeout
	}
	if m.CommitRetries == nil {
		n := DefaultCommitRetries
		m.CommitRetries = &n
	}
	return m
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (s SweeperConfig) WithDefaults() SweeperConfig {
	if s.Interval == 0 {
		s.Interval = DefaultSweepInterval
	}
	if s.Grace == nil {
		g := DefaultSweepGrace
		s.Grace = &g
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultSweepBatchSize
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultSweepConcurrency
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = DefaultSweepMaxBackoff
	}
	if s.CorrelationRetention == 0 {
		s.CorrelationRetention = DefaultCorrelationTTL
	}
	return s
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	ids := make(map[string]bool, len(c.Upstreams))
	for i, up := range c.Upstreams {
		if up.Provider == "" {
			return fmt.Errorf("tokenmeter: config: upstreams[%d]: provider is required", i)
		}
		if up.ID == "" {
			return fmt.Errorf("tokenmeter: config: upstreams[%d]: id is required", i)
		}
		if ids[up.ID] {
			return fmt.Errorf("tokenmeter: config: duplicate upstream id %q", up.ID)
		}
		ids[up.ID] = true

		if up.CostPerInputToken < 0 || up.CostPerOutputToken < 0 {
			return fmt.Errorf("tokenmeter: config: upstreams[%d] (%s): costs must not be negative", i, up.ID)
		}
	}

	for i, m := range c.Models {
		if m.Alias == "" {
			return fmt.Errorf("tokenmeter: config: models[%d]: alias is required", i)
		}
		if len(m.Models) == 0 {
			return fmt.Errorf("tokenmeter: config: models[%d] (%s): at least one model ref is required", i, m.Alias)
		}
	}

	if err := c.Metering.Validate(); err != nil {
		return err
	}
	return c.Sweeper.Validate()
}

// Validate checks metering settings.
func (m MeteringConfig) Validate() error {
	if m.ReservationTTL <= 0 {
		return fmt.Errorf("tokenmeter: config: metering.reservation_ttl must be positive")
	}
	if m.CompletionReserve < 0 {
		return fmt.Errorf("tokenmeter: config: metering.completion_reserve must not be negative")
	}
	if m.UsagePolicy != UsagePolicyProvider && m.UsagePolicy != UsagePolicyMax {
		return fmt.Errorf("tokenmeter: config: invalid metering.usage_policy %q", m.UsagePolicy)
	}
	if m.LedgerTimeout <= 0 {
		return fmt.Errorf("tokenmeter: config: metering.ledger_timeout must be positive")
	}
	if m.CommitRetries != nil && *m.CommitRetries < 0 {
		return fmt.Errorf("tokenmeter: config: metering.commit_retries must not be negative")
	}
	return nil
}

// Validate checks sweeper settings.
func (s SweeperConfig) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("tokenmeter: config: sweeper.interval must be positive")
	}
	if s.Grace != nil && *s.Grace < 0 {
		return fmt.Errorf("tokenmeter: config: sweeper.grace must not be negative")
	}
	if s.CorrelationRetention < 0 {
		return fmt.Errorf("tokenmeter: config: sweeper.correlation_retention must not be negative")
	}
	if s.BatchSize <= 0 || s.Concurrency <= 0 {
		return fmt.Errorf("tokenmeter: config: sweeper.batch_size and sweeper.concurrency must be positive")
	}
	if s.MaxBackoff < s.Interval {
		return fmt.Errorf("tokenmeter: config: sweeper.max_backoff must be at least sweeper.interval")
	}
	return nil
}
