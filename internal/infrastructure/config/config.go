package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Trace    TraceConfig    `mapstructure:"trace"`
	Board    BoardConfig    `mapstructure:"board"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// RuntimeConfig holds the engine defaults applied when a task carries no
// budget of its own.
type RuntimeConfig struct {
	MaxSteps            int     `mapstructure:"max_steps"`
	MaxRuntimeSeconds   float64 `mapstructure:"max_runtime_seconds"`
	MaxTokens           int64   `mapstructure:"max_tokens"`
	MaxRecoveriesPerRun int     `mapstructure:"max_recoveries_per_run"`
	MemoryWindow        int     `mapstructure:"memory_window"`
}

// TraceConfig controls trace output.
type TraceConfig struct {
	OutputDir      string `mapstructure:"output_dir"`
	SchemaVersion  string `mapstructure:"schema_version"`
	StrictValidate bool   `mapstructure:"strict_validate"`
}

// BoardConfig controls the trace board server.
type BoardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, production
}

// DatabaseConfig locates the board's run index.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite
	DSN  string `mapstructure:"dsn"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration in layers: defaults, then the global
// ~/.qitos/config.yaml, then a project-local config.yaml, then QITOS_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".qitos")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("QITOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults installs the default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.max_steps", 10)
	v.SetDefault("runtime.max_runtime_seconds", 0)
	v.SetDefault("runtime.max_tokens", 0)
	v.SetDefault("runtime.max_recoveries_per_run", 3)
	v.SetDefault("runtime.memory_window", 256)

	v.SetDefault("trace.output_dir", "./runs")
	v.SetDefault("trace.schema_version", "v1")
	v.SetDefault("trace.strict_validate", true)

	v.SetDefault("board.host", "127.0.0.1")
	v.SetDefault("board.port", 8765)
	v.SetDefault("board.mode", "production")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(os.TempDir(), "qitos-board.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
