package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ratefence/ratefence/pkg/domain/telemetry"
	"github.com/spf13/viper"
)

type Config struct {
	Owner     string              `mapstructure:"owner"`
	Target    TargetConfig        `mapstructure:"target"`
	Store     StoreConfig         `mapstructure:"store"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Limits    []LimitConfig       `mapstructure:"limits"`
	Client    ClientConfig        `mapstructure:"client"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Telemetry telemetry.Telemetry `mapstructure:"telemetry"`
}

// TargetConfig is the endpoint the daemon probes through the rate-limited
// client.
type TargetConfig struct {
	URL                string        `mapstructure:"url"`
	Method             string        `mapstructure:"method"`
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// StoreConfig selects the limit state backend: redis, postgres or memory.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type ClientConfig struct {
	UseRetryAfter bool          `mapstructure:"use_retry_after"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures uint32        `mapstructure:"max_failures"`
}

type MetricsConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Port              int  `mapstructure:"port"`
	EnableLatency     bool `mapstructure:"enable_latency"`
	EnableUtilization bool `mapstructure:"enable_utilization"`
}

var globalConfig Config

// Load reads config.yaml from configPath (falling back to ./config and .) and
// the environment. A missing file is not an error: defaults and environment
// variables still apply.
func Load(configPath string) error {
	// Full reload semantics: drop search paths and keys from any previous
	// Load before reading.
	viper.Reset()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	globalConfig = Config{}
	if err := viper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaultValues()

	return nil
}

func setDefaultValues() {
	if globalConfig.Owner == "" {
		globalConfig.Owner = "ratefence"
	}
	if globalConfig.Target.Method == "" {
		globalConfig.Target.Method = http.MethodGet
	}
	if globalConfig.Target.Interval <= 0 {
		globalConfig.Target.Interval = 5 * time.Second
	}
	if globalConfig.Target.Timeout <= 0 {
		globalConfig.Target.Timeout = 10 * time.Second
	}
	if globalConfig.Store.Driver == "" {
		globalConfig.Store.Driver = "memory"
	}
	if globalConfig.Store.KeyPrefix == "" {
		globalConfig.Store.KeyPrefix = "ratefence"
	}
	if globalConfig.Database.SSLMode == "" {
		globalConfig.Database.SSLMode = "disable"
	}
	if globalConfig.Client.Breaker.Timeout <= 0 {
		globalConfig.Client.Breaker.Timeout = 30 * time.Second
	}
	if globalConfig.Client.Breaker.MaxFailures == 0 {
		globalConfig.Client.Breaker.MaxFailures = 5
	}
	if globalConfig.Metrics.Port == 0 {
		globalConfig.Metrics.Port = 9090
	}
}

func GetConfig() *Config {
	return &globalConfig
}
