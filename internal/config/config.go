// Package config loads engine configuration from defaults, an optional yaml
// file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignplane/internal/plan"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds all configuration values for the engine.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// HTTP port of the ops API.
	HTTPPort int `mapstructure:"http_port"`
	// Bearer token required by the ops API. Empty disables authentication.
	OpsToken string `mapstructure:"ops_token"`

	// OTLP gRPC collector address. Empty disables trace export.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	Store StoreConfig `mapstructure:"store"`

	SessionsDir         string `mapstructure:"sessions_dir"`
	CredentialPairsFile string `mapstructure:"credential_pairs_file"`
	PairCapacity        int    `mapstructure:"pair_capacity"`
	DestinationsDir     string `mapstructure:"destinations_dir"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`

	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`

	Plan plan.Config `mapstructure:"plan"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	DataDir     string `mapstructure:"data_dir"`
	DatabaseURL string `mapstructure:"database_url"`
}

// GatewayConfig addresses the protocol gateway.
type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	SessionConcurrency int           `mapstructure:"session_concurrency"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

type ExecutorConfig struct {
	TransientRetryWait time.Duration `mapstructure:"transient_retry_wait"`
	RateLimitMaxWait   time.Duration `mapstructure:"rate_limit_max_wait"`
	// Deliveries per second allowed on one credential pair. Zero is unlimited.
	PairRate  float64 `mapstructure:"pair_rate"`
	PairBurst int     `mapstructure:"pair_burst"`
}

type TrackerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownCycles   int `mapstructure:"cooldown_cycles"`
}

// envAliases are plain environment names honoured alongside CAMPAIGN_*.
var envAliases = map[string]string{
	"store.database_url": "DATABASE_URL",
	"http_port":          "PORT",
	"otel_endpoint":      "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":          "LOG_LEVEL",
}

// Load reads configuration. An empty path looks for campaignplane.yaml in the
// working directory and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("campaignplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("CAMPAIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "CAMPAIGN_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Plan.StarterHighLoad.HighLoad = true
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 6161)
	v.SetDefault("otel_endpoint", "")

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.data_dir", "data")

	v.SetDefault("sessions_dir", "sessions")
	v.SetDefault("credential_pairs_file", "credential_pairs.json")
	v.SetDefault("pair_capacity", 7)
	v.SetDefault("destinations_dir", "destinations")

	v.SetDefault("gateway.url", "http://localhost:8090")
	v.SetDefault("gateway.timeout", 30*time.Second)

	v.SetDefault("scheduler.tick_interval", 2*time.Second)
	v.SetDefault("scheduler.session_concurrency", 7)
	v.SetDefault("scheduler.drain_timeout", 30*time.Second)

	v.SetDefault("executor.transient_retry_wait", 5*time.Second)
	v.SetDefault("executor.rate_limit_max_wait", 5*time.Minute)
	v.SetDefault("executor.pair_rate", 0)
	v.SetDefault("executor.pair_burst", 1)

	v.SetDefault("tracker.failure_threshold", 2)
	v.SetDefault("tracker.cooldown_cycles", 3)

	v.SetDefault("heartbeat_ttl", 30*time.Second)

	d := plan.DefaultConfig()
	for prefix, c := range map[string]plan.Constraints{
		"plan.starter":           d.Starter,
		"plan.starter_high_load": d.StarterHighLoad,
		"plan.enterprise":        d.Enterprise,
	} {
		v.SetDefault(prefix+".delay_min", c.DelayMin)
		v.SetDefault(prefix+".delay_max", c.DelayMax)
		v.SetDefault(prefix+".gap_min", c.GapMin)
		v.SetDefault(prefix+".gap_max", c.GapMax)
		v.SetDefault(prefix+".window", c.Window)
		v.SetDefault(prefix+".gap_variance", c.GapVariance)
	}
	v.SetDefault("plan.high_load_destinations", d.HighLoadDestinations)
	v.SetDefault("plan.jitter", d.Jitter)
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.DataDir == "" {
			errs = append(errs, errors.New("store.data_dir is required for the file backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required (env: DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendFile, BackendPostgres, c.Store.Backend))
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port %d out of range", c.HTTPPort))
	}
	positive := map[string]time.Duration{
		"scheduler.tick_interval": c.Scheduler.TickInterval,
		"heartbeat_ttl":           c.HeartbeatTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Scheduler.SessionConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.session_concurrency must be positive"))
	}
	if c.PairCapacity <= 0 {
		errs = append(errs, errors.New("pair_capacity must be positive"))
	}
	if c.Tracker.FailureThreshold <= 0 || c.Tracker.CooldownCycles <= 0 {
		errs = append(errs, errors.New("tracker thresholds must be positive"))
	}
	if c.Executor.PairRate < 0 {
		errs = append(errs, errors.New("executor.pair_rate must not be negative"))
	}
	if err := c.Plan.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
