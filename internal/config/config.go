package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	HTTP    HTTPConfig    `yaml:"http" mapstructure:"http"`
	Harvest HarvestConfig `yaml:"harvest" mapstructure:"harvest"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
	Zenodo  ZenodoConfig  `yaml:"zenodo" mapstructure:"zenodo"`
	Nomad   NomadConfig   `yaml:"nomad" mapstructure:"nomad"`

	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging. File, when set, receives every record at
// debug level in addition to the console output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// HTTPConfig configures outbound requests.
type HTTPConfig struct {
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// HarvestConfig configures fetch fan-out and pagination.
type HarvestConfig struct {
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	PolitenessDelayMs int     `yaml:"politeness_delay_ms" mapstructure:"politeness_delay_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PageSize          int     `yaml:"page_size" mapstructure:"page_size"`
	MaxItemsPerQuery  int     `yaml:"max_items_per_query" mapstructure:"max_items_per_query"`
}

// RetryConfig configures the per-request retry loop.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	Strategy     string  `yaml:"strategy" mapstructure:"strategy"`
	BaseDelayMs  int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	IncrementMs  int     `yaml:"increment_ms" mapstructure:"increment_ms"`
	Multiplier   float64 `yaml:"multiplier" mapstructure:"multiplier"`
	MaxBackoffMs int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Jitter       float64 `yaml:"jitter" mapstructure:"jitter"`
	Policy       string  `yaml:"policy" mapstructure:"policy"`
}

// CircuitConfig configures per-host circuit breaking.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ZenodoConfig holds Zenodo API settings.
type ZenodoConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// NomadConfig holds NOMAD API settings.
type NomadConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// MonitoringConfig configures post-run health checks over the run ledger.
// Alerts are only delivered when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	FailedPagesThreshold int     `yaml:"failed_pages_threshold" mapstructure:"failed_pages_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MDVERSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("zenodo.token", "MDVERSE_ZENODO_TOKEN", "ZENODO_TOKEN"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "harvest.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.user_agent", "mdverse-harvest/1.0")
	v.SetDefault("harvest.concurrency", 10)
	v.SetDefault("harvest.politeness_delay_ms", 500)
	v.SetDefault("harvest.requests_per_second", 0)
	v.SetDefault("harvest.timeout_secs", 60)
	v.SetDefault("harvest.page_size", 100)
	v.SetDefault("harvest.max_items_per_query", 10_000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.strategy", "linear")
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.increment_ms", 10_000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_backoff_ms", 60_000)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("retry.policy", "lenient")
	v.SetDefault("circuit.enabled", false)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("zenodo.base_url", "https://zenodo.org")
	v.SetDefault("nomad.base_url", "https://nomad-lab.eu/prod/v1/api/v1")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.lookback_window_hours", 168)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.failed_pages_threshold", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a harvest of the named source depends on.
// All problems are reported together.
func (c *Config) Validate(source string) error {
	var problems []string

	if c.Harvest.Concurrency < 1 {
		problems = append(problems, "harvest.concurrency must be at least 1")
	}
	if c.Harvest.PageSize < 1 {
		problems = append(problems, "harvest.page_size must be at least 1")
	}
	if c.Harvest.MaxItemsPerQuery < c.Harvest.PageSize {
		problems = append(problems, "harvest.max_items_per_query must be at least harvest.page_size")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	switch c.Retry.Strategy {
	case "linear", "exponential":
	default:
		problems = append(problems, "retry.strategy must be linear or exponential")
	}
	switch c.Retry.Policy {
	case "lenient", "strict":
	default:
		problems = append(problems, "retry.policy must be lenient or strict")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		problems = append(problems, "store.driver must be sqlite, postgres or none")
	}

	switch source {
	case "zenodo":
		if c.Zenodo.Token == "" {
			problems = append(problems, "zenodo.token is required (set ZENODO_TOKEN)")
		}
		if c.Zenodo.BaseURL == "" {
			problems = append(problems, "zenodo.base_url is required")
		}
	case "nomad":
		if c.Nomad.BaseURL == "" {
			problems = append(problems, "nomad.base_url is required")
		}
	default:
		problems = append(problems, "unknown source "+source)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return eris.Wrapf(err, "config: open log file %s", cfg.File)
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)

	return nil
}
