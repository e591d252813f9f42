package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	ServiceName  string `mapstructure:"SERVICE_NAME"`
	Port         string `mapstructure:"PORT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	OTELEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	BackendURL     string        `mapstructure:"BACKEND_URL"`
	BackendTimeout time.Duration `mapstructure:"BACKEND_TIMEOUT"`

	LedgerDriver string `mapstructure:"LEDGER_DRIVER"`
	LedgerDSN    string `mapstructure:"LEDGER_DSN"`
	// LedgerRetention bounds how long attempts and callback markers are kept.
	LedgerRetention time.Duration `mapstructure:"LEDGER_RETENTION"`

	PollMaxRetries    int           `mapstructure:"POLL_MAX_RETRIES"`
	PollRetryInterval time.Duration `mapstructure:"POLL_RETRY_INTERVAL"`
	PollGraceDelay    time.Duration `mapstructure:"POLL_GRACE_DELAY"`

	CompleteRedirectURL   string        `mapstructure:"COMPLETE_REDIRECT_URL"`
	CompleteRedirectDelay time.Duration `mapstructure:"COMPLETE_REDIRECT_DELAY"`
	RelayPath             string        `mapstructure:"RELAY_PATH"`
	SessionCookieSecure   bool          `mapstructure:"SESSION_COOKIE_SECURE"`
	FlowTTL               time.Duration `mapstructure:"FLOW_TTL"`

	KafkaBrokers      string `mapstructure:"KAFKA_BROKERS"`
	KafkaOutcomeTopic string `mapstructure:"KAFKA_OUTCOME_TOPIC"`
}

var defaults = map[string]any{
	"SERVICE_NAME":                "dumende-payments",
	"PORT":                        "8081",
	"LOG_LEVEL":                   "info",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4317",
	"BACKEND_URL":                 "http://localhost:8080/api",
	"BACKEND_TIMEOUT":             "10s",
	"LEDGER_DRIVER":               "sqlite",
	"LEDGER_DSN":                  "./data/ledger.db",
	"LEDGER_RETENTION":            "24h",
	"POLL_MAX_RETRIES":            3,
	"POLL_RETRY_INTERVAL":         "4s",
	"POLL_GRACE_DELAY":            "2s",
	"COMPLETE_REDIRECT_URL":       "/my-bookings",
	"COMPLETE_REDIRECT_DELAY":     "3s",
	"RELAY_PATH":                  "/payments/3ds/relay",
	"SESSION_COOKIE_SECURE":       true,
	"FLOW_TTL":                    "30m",
	"KAFKA_BROKERS":               "",
	"KAFKA_OUTCOME_TOPIC":         "booking_payment_outcomes",
}

// Load loads configuration from defaults, an optional YAML file named by
// PAYMENTS_CONFIG_FILE, and environment variables, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := v.GetString("PAYMENTS_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid LEDGER_DRIVER %q: want memory, sqlite or postgres", c.LedgerDriver)
	}
	if c.PollMaxRetries < 1 {
		return fmt.Errorf("invalid POLL_MAX_RETRIES %d: must be at least 1", c.PollMaxRetries)
	}
	if c.LedgerRetention <= 0 || c.FlowTTL <= 0 {
		return fmt.Errorf("LEDGER_RETENTION and FLOW_TTL must be positive")
	}
	if c.PollRetryInterval < 0 || c.PollGraceDelay < 0 {
		return fmt.Errorf("poll intervals must not be negative")
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("invalid RELAY_PATH %q: must be an absolute path", c.RelayPath)
	}
	return nil
}

// GetKafkaBrokers splits the comma separated broker list
func (c *Config) GetKafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
