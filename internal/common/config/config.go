// Package config loads service configuration from defaults, an optional
// config file, and CREWD_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crewd/crewd/internal/common/logger"
)

// Config is the root configuration for the crewd service.
type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Logging       logger.LoggingConfig `mapstructure:"logging"`
	Storage       StorageConfig        `mapstructure:"storage"`
	History       HistoryConfig        `mapstructure:"history"`
	NATS          NATSConfig           `mapstructure:"nats"`
	Providers     ProvidersConfig      `mapstructure:"providers"`
	Orchestration OrchestrationConfig  `mapstructure:"orchestration"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds filesystem storage settings for session state.
type StorageConfig struct {
	// BaseDir is the root under which per-session inbox and task
	// directories are created.
	BaseDir string `mapstructure:"base_dir"`
	// PresetsDir holds YAML team preset files.
	PresetsDir string `mapstructure:"presets_dir"`
}

// HistoryConfig selects and configures the session history sink.
type HistoryConfig struct {
	// Driver is one of "none", "sqlite", "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file (sqlite driver).
	Path string `mapstructure:"path"`
	// DatabaseURL is the Postgres connection string (postgres driver).
	DatabaseURL string `mapstructure:"database_url"`
}

// NATSConfig configures the optional NATS event mirror.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// ProvidersConfig holds LLM provider endpoint overrides.
type ProvidersConfig struct {
	OllamaBaseURL string `mapstructure:"ollama_base_url"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	KimiBaseURL   string `mapstructure:"kimi_base_url"`
}

// OrchestrationConfig holds scheduler and agent-loop tunables.
type OrchestrationConfig struct {
	MaxToolLoops       int           `mapstructure:"max_tool_loops"`
	MaxHistoryMessages int           `mapstructure:"max_history_messages"`
	CompactionKeep     int           `mapstructure:"compaction_keep"`
	IdleSleep          time.Duration `mapstructure:"idle_sleep"`
	RoundDelay         time.Duration `mapstructure:"round_delay"`
	NudgeInterval      time.Duration `mapstructure:"nudge_interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory or /etc/crewd, and environment variables prefixed
// with CREWD_.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewd")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CREWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("storage.base_dir", "sessions")
	v.SetDefault("storage.presets_dir", "presets")

	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", "crewd_history.db")
	v.SetDefault("history.database_url", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_id", "crewd")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("providers.ollama_base_url", "http://localhost:11434/v1")
	v.SetDefault("providers.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.kimi_base_url", "https://api.moonshot.cn/anthropic")

	v.SetDefault("orchestration.max_tool_loops", 10)
	v.SetDefault("orchestration.max_history_messages", 40)
	v.SetDefault("orchestration.compaction_keep", 20)
	v.SetDefault("orchestration.idle_sleep", time.Second)
	v.SetDefault("orchestration.round_delay", 500*time.Millisecond)
	v.SetDefault("orchestration.nudge_interval", 60*time.Second)
	v.SetDefault("orchestration.idle_timeout", 300*time.Second)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.History.Driver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid history driver: %q", c.History.Driver)
	}
	if c.History.Driver == "postgres" && c.History.DatabaseURL == "" {
		return fmt.Errorf("history driver postgres requires database_url")
	}
	if c.Orchestration.MaxToolLoops < 1 {
		return fmt.Errorf("orchestration.max_tool_loops must be positive")
	}
	if c.Orchestration.CompactionKeep >= c.Orchestration.MaxHistoryMessages {
		return fmt.Errorf("orchestration.compaction_keep must be below max_history_messages")
	}
	return nil
}
