// Package config loads the request gate server's configuration from the
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every server environment variable.
const EnvPrefix = "REQUEST_GATE"

// Settings backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the server's process configuration.
type Config struct {
	Port            string
	LogLevel        string
	MetricsAddr     string // empty disables the metrics listener
	SettingsDriver  string
	SettingsDSN     string
	PostgresDSN     string
	ClickHouseDSN   string
	AuthCacheTTL    time.Duration
	AuthFailOpen    bool
	DecisionTimeout time.Duration
	AgentKeys       []string
	OperatorKeys    []string
	// DevMode accepts any rgk_ key when no keys or Postgres are configured.
	// rgk_op_ keys become operators, so never enable it where agents run.
	DevMode bool
}

// Load reads configuration. Environment variables win over configFile,
// which wins over defaults. configFile may be empty.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "50054")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("settings_driver", DriverSQLite)
	v.SetDefault("auth_cache_ttl_s", 30)
	v.SetDefault("auth_fail_open", false)
	v.SetDefault("decision_timeout", "0s")
	v.SetDefault("dev_mode", false)

	// Shared with the other palisade services, so unprefixed.
	_ = v.BindEnv("postgres_dsn", "POSTGRES_DSN")
	_ = v.BindEnv("clickhouse_dsn", "CLICKHOUSE_DSN")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config.Load %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Port:            v.GetString("port"),
		LogLevel:        strings.ToLower(v.GetString("log_level")),
		MetricsAddr:     v.GetString("metrics_addr"),
		SettingsDriver:  strings.ToLower(v.GetString("settings_driver")),
		SettingsDSN:     v.GetString("settings_dsn"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		ClickHouseDSN:   v.GetString("clickhouse_dsn"),
		AuthCacheTTL:    time.Duration(v.GetInt("auth_cache_ttl_s")) * time.Second,
		AuthFailOpen:    v.GetBool("auth_fail_open"),
		DecisionTimeout: v.GetDuration("decision_timeout"),
		AgentKeys:       splitKeys(v.GetString("agent_keys")),
		OperatorKeys:    splitKeys(v.GetString("operator_keys")),
		DevMode:         v.GetBool("dev_mode"),
	}
	if cfg.SettingsDSN == "" {
		switch cfg.SettingsDriver {
		case DriverSQLite:
			cfg.SettingsDSN = "request_gate.db"
		case DriverPostgres:
			cfg.SettingsDSN = cfg.PostgresDSN
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.SettingsDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown settings_driver %q", c.SettingsDriver))
	}
	if c.SettingsDriver != DriverMemory && c.SettingsDSN == "" {
		errs = append(errs, errors.New("settings_dsn is required for "+c.SettingsDriver))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if !c.HasCredentials() && !c.DevMode {
		errs = append(errs, errors.New("no API keys configured: set POSTGRES_DSN, "+
			EnvPrefix+"_AGENT_KEYS and "+EnvPrefix+"_OPERATOR_KEYS, or "+EnvPrefix+"_DEV_MODE=true"))
	}
	if c.DecisionTimeout < 0 {
		errs = append(errs, errors.New("decision_timeout must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

// HasCredentials reports whether callers can be authenticated without
// development mode.
func (c Config) HasCredentials() bool {
	return c.PostgresDSN != "" || len(c.AgentKeys) > 0 || len(c.OperatorKeys) > 0
}

func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
