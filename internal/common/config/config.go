// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Bus       BusConfig       `mapstructure:"bus"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Ownership OwnershipConfig `mapstructure:"ownership"`
	History   HistoryConfig   `mapstructure:"history"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// ConfigDir is the directory the config file was loaded from, or ""
	// when no file was found. Identity derivation falls back to its
	// basename for the project segment.
	ConfigDir string `mapstructure:"-"`
}

// BusConfig holds message bus configuration. An empty URL selects the
// in-memory bus (standalone mode).
type BusConfig struct {
	URL        string `mapstructure:"url"`
	Standalone bool   `mapstructure:"standalone"`
}

// AgentConfig holds per-agent identity and state configuration.
type AgentConfig struct {
	// Name is the agent short name; defaults to the working directory basename.
	Name string `mapstructure:"name"`
	// Project groups agents; defaults to the config directory basename.
	Project string `mapstructure:"project"`
	// Model is the model identifier handed to the provider.
	Model string `mapstructure:"model"`
	// WorkDir is the working directory the agent owns.
	WorkDir string `mapstructure:"workDir"`
	// StateDir holds queue/history/prompt files (default: <workDir>/.agentmux).
	StateDir string `mapstructure:"stateDir"`
}

// HeartbeatConfig holds heartbeat timing configuration.
type HeartbeatConfig struct {
	PeriodSeconds int `mapstructure:"periodSeconds"`
	// TTLSeconds must be strictly greater than PeriodSeconds; defaults to 3x.
	TTLSeconds int `mapstructure:"ttlSeconds"`
}

// OwnershipConfig holds exclusive-writer lease configuration.
type OwnershipConfig struct {
	TTLSeconds          int `mapstructure:"ttlSeconds"`
	DefaultGraceSeconds int `mapstructure:"defaultGraceSeconds"`
}

// HistoryConfig holds history and summarization configuration.
type HistoryConfig struct {
	// Strategy is one of token, time, importance, hybrid.
	Strategy           string  `mapstructure:"strategy"`
	TokenThreshold     int     `mapstructure:"tokenThreshold"`
	TimeWindowSeconds  int     `mapstructure:"timeWindowSeconds"`
	ImportanceFraction float64 `mapstructure:"importanceFraction"`
	// RecentWindow is the count of trailing raw turns kept out of summaries.
	RecentWindow int `mapstructure:"recentWindow"`
	// MaxSummaries triggers compaction of the summary chain.
	MaxSummaries int `mapstructure:"maxSummaries"`
}

// MemoryConfig holds the context accounting configuration.
type MemoryConfig struct {
	TokenLimit int `mapstructure:"tokenLimit"`
	// SummarizeThreshold is the usage fraction in [0,1] that triggers
	// summarization.
	SummarizeThreshold float64 `mapstructure:"summarizeThreshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatPeriod returns the heartbeat period as a time.Duration.
func (h *HeartbeatConfig) HeartbeatPeriod() time.Duration {
	return time.Duration(h.PeriodSeconds) * time.Second
}

// TTL returns the heartbeat TTL as a time.Duration.
func (h *HeartbeatConfig) TTL() time.Duration {
	return time.Duration(h.TTLSeconds) * time.Second
}

// TTL returns the ownership lease TTL as a time.Duration.
func (o *OwnershipConfig) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

// TimeWindow returns the time-based summarization window as a time.Duration.
func (h *HistoryConfig) TimeWindow() time.Duration {
	return time.Duration(h.TimeWindowSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Bus defaults - empty URL means in-memory bus (standalone)
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.standalone", false)

	// Agent defaults
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.project", "")
	v.SetDefault("agent.model", "claude-sonnet-4-5")
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.stateDir", "")

	// Heartbeat defaults
	v.SetDefault("heartbeat.periodSeconds", 3)
	v.SetDefault("heartbeat.ttlSeconds", 9)

	// Ownership defaults
	v.SetDefault("ownership.ttlSeconds", 300)
	v.SetDefault("ownership.defaultGraceSeconds", 10)

	// History defaults
	v.SetDefault("history.strategy", "hybrid")
	v.SetDefault("history.tokenThreshold", 8000)
	v.SetDefault("history.timeWindowSeconds", 3600)
	v.SetDefault("history.importanceFraction", 0.5)
	v.SetDefault("history.recentWindow", 10)
	v.SetDefault("history.maxSummaries", 8)

	// Memory defaults
	v.SetDefault("memory.tokenLimit", 100000)
	v.SetDefault("memory.summarizeThreshold", 0.8)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", defaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

func defaultLogFormat() string {
	if f := os.Getenv("AGENTMUX_LOG_FORMAT"); f != "" {
		return f
	}
	return "json"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTMUX_ prefix with snake_case
// naming. The config file is agentmux.yaml in the working directory or
// ~/.agentmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase keys, so bind the ones whose
	// env names differ from their config keys.
	_ = v.BindEnv("bus.url", "AGENTMUX_BUS_URL")
	_ = v.BindEnv("agent.workDir", "AGENTMUX_AGENT_WORK_DIR")
	_ = v.BindEnv("agent.stateDir", "AGENTMUX_AGENT_STATE_DIR")

	v.SetConfigName("agentmux")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentmux"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.ConfigDir = filepath.Dir(v.ConfigFileUsed())
	if v.ConfigFileUsed() == "" {
		cfg.ConfigDir = ""
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks cross-field constraints that viper cannot express.
func validate(cfg *Config) error {
	if cfg.Heartbeat.PeriodSeconds <= 0 {
		return fmt.Errorf("heartbeat.periodSeconds must be positive")
	}
	if cfg.Heartbeat.TTLSeconds <= cfg.Heartbeat.PeriodSeconds {
		return fmt.Errorf("heartbeat.ttlSeconds must be strictly greater than heartbeat.periodSeconds")
	}
	if cfg.Memory.SummarizeThreshold < 0 || cfg.Memory.SummarizeThreshold > 1 {
		return fmt.Errorf("memory.summarizeThreshold must be in [0,1]")
	}
	switch cfg.History.Strategy {
	case "token", "time", "importance", "hybrid":
	default:
		return fmt.Errorf("history.strategy must be one of token, time, importance, hybrid")
	}
	return nil
}
