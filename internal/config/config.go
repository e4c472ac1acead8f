// Package config handles configuration loading and validation for the
// Stratum proxy.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the proxy process.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Local     LocalConfig     `mapstructure:"local"`
	Vardiff   VardiffConfig   `mapstructure:"vardiff"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Log       LogConfig       `mapstructure:"log"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
}

// PoolConfig is the upstream pool connection, used when mode == "pool".
type PoolConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

// NodeConfig is the local CKB full node connection, used when mode == "solo".
type NodeConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Coinbase string `mapstructure:"coinbase"`
}

// LocalConfig is the downstream Stratum listener plus the stats HTTP server.
type LocalConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	StatsPort int    `mapstructure:"statsPort"`
}

// VardiffConfig mirrors stratum.VardiffConfig for the config file's shape;
// the entrypoint converts it to stratum.VardiffConfig after Load.
type VardiffConfig struct {
	TargetShareSec  float64 `mapstructure:"targetShareSec"`
	RetargetSec     float64 `mapstructure:"retargetSec"`
	VariancePercent float64 `mapstructure:"variancePercent"`
	MinDiff         float64 `mapstructure:"minDiff"`
	MaxDiff         float64 `mapstructure:"maxDiff"`
	InitialDiff     float64 `mapstructure:"initialDiff"`
}

// GuardConfig is the connection/malformed-line policy for the Stratum
// listener.
type GuardConfig struct {
	MaxConnectionsPerIP int           `mapstructure:"maxConnectionsPerIP"`
	MalformedLineLimit  int           `mapstructure:"malformedLineLimit"`
	BanDuration         time.Duration `mapstructure:"banDuration"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ProfilingConfig gates the pprof debug server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig gates the optional APM wrapper around the stats server.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LicenseKey string `mapstructure:"licenseKey"`
	AppName    string `mapstructure:"appName"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ckb-stratum-proxy")
	}

	v.SetEnvPrefix("CKB_STRATUM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "pool")

	v.SetDefault("pool.port", 3333)

	v.SetDefault("node.host", "127.0.0.1")
	v.SetDefault("node.port", 8114)

	v.SetDefault("local.host", "0.0.0.0")
	v.SetDefault("local.port", 3333)
	v.SetDefault("local.statsPort", 8080)

	v.SetDefault("vardiff.targetShareSec", 30.0)
	v.SetDefault("vardiff.retargetSec", 60.0)
	v.SetDefault("vardiff.variancePercent", 30.0)
	v.SetDefault("vardiff.minDiff", 0.001)
	v.SetDefault("vardiff.maxDiff", 1e9)
	v.SetDefault("vardiff.initialDiff", 1.0)

	v.SetDefault("guard.maxConnectionsPerIP", 32)
	v.SetDefault("guard.malformedLineLimit", 8)
	v.SetDefault("guard.banDuration", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.appName", "ckb-stratum-proxy")
}

// Validate checks configuration for errors that must be fatal before the
// listener opens.
func (c *Config) Validate() error {
	switch c.Mode {
	case "pool":
		if c.Pool.Host == "" {
			return fmt.Errorf("pool.host is required when mode is \"pool\"")
		}
	case "solo":
		if c.Node.Host == "" {
			return fmt.Errorf("node.host is required when mode is \"solo\"")
		}
	default:
		return fmt.Errorf("mode must be \"pool\" or \"solo\", got %q", c.Mode)
	}

	if c.Local.Port == 0 {
		return fmt.Errorf("local.port is required")
	}

	if c.Vardiff.MinDiff > 0 && c.Vardiff.MaxDiff > 0 && c.Vardiff.MinDiff > c.Vardiff.MaxDiff {
		return fmt.Errorf("vardiff.minDiff must be <= vardiff.maxDiff")
	}
	if c.Vardiff.TargetShareSec < 0 {
		return fmt.Errorf("vardiff.targetShareSec must be positive")
	}

	return nil
}
