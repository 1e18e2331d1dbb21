package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Negotiator NegotiatorConfig `mapstructure:"negotiator"`
	Tiers      TiersConfig      `mapstructure:"tiers"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store, which loses state on restart.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// NATSConfig captures message bus connectivity. An empty URL disables both
// ingest and event publication.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// MatchingConfig tunes the candidate scoring weights.
type MatchingConfig struct {
	SuccessRateWeight float64 `mapstructure:"success_rate_weight"`
	FeeWeight         float64 `mapstructure:"fee_weight"`
	LatencyWeight     float64 `mapstructure:"latency_weight"`
}

// NegotiatorConfig bounds proposal lifetimes.
type NegotiatorConfig struct {
	ProposalTTL time.Duration `mapstructure:"proposal_ttl"`
}

// TiersConfig holds the inclusive upper bounds of the amount tiers, as
// decimal strings in the token's smallest unit. Everything above omega_max
// is the top tier.
type TiersConfig struct {
	AlphaMax string `mapstructure:"alpha_max"`
	BetaMax  string `mapstructure:"beta_max"`
	DeltaMax string `mapstructure:"delta_max"`
	OmegaMax string `mapstructure:"omega_max"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAYMATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "paymatchd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("nats.subject_prefix", "paymatch")
	v.SetDefault("nats.connect_wait", "5s")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("matching.success_rate_weight", 0.5)
	v.SetDefault("matching.fee_weight", 0.3)
	v.SetDefault("matching.latency_weight", 0.2)

	v.SetDefault("negotiator.proposal_ttl", "5m")

	// bounds in a token's smallest unit, calibrated for 18 decimals
	v.SetDefault("tiers.alpha_max", "100000000000000000000")
	v.SetDefault("tiers.beta_max", "1000000000000000000000")
	v.SetDefault("tiers.delta_max", "10000000000000000000000")
	v.SetDefault("tiers.omega_max", "100000000000000000000000")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Negotiator.ProposalTTL <= 0 {
		return fmt.Errorf("negotiator.proposal_ttl must be greater than zero")
	}
	if c.Matching.SuccessRateWeight < 0 || c.Matching.FeeWeight < 0 || c.Matching.LatencyWeight < 0 {
		return fmt.Errorf("matching weights cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := c.TierLimits(); err != nil {
		return err
	}
	return nil
}

// TierLimits parses the configured tier bounds, enforcing strict ascent.
func (c *Config) TierLimits() (domain.TierLimits, error) {
	names := [4]string{"tiers.alpha_max", "tiers.beta_max", "tiers.delta_max", "tiers.omega_max"}
	raw := [4]string{c.Tiers.AlphaMax, c.Tiers.BetaMax, c.Tiers.DeltaMax, c.Tiers.OmegaMax}

	var bounds [4]decimal.Decimal
	for i, value := range raw {
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return domain.TierLimits{}, fmt.Errorf("%s: invalid decimal %q", names[i], value)
		}
		if parsed.Sign() <= 0 {
			return domain.TierLimits{}, fmt.Errorf("%s must be greater than zero", names[i])
		}
		if i > 0 && parsed.Cmp(bounds[i-1]) <= 0 {
			return domain.TierLimits{}, fmt.Errorf("%s must exceed %s", names[i], names[i-1])
		}
		bounds[i] = parsed
	}
	return domain.TierLimits{Alpha: bounds[0], Beta: bounds[1], Delta: bounds[2], Omega: bounds[3]}, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
