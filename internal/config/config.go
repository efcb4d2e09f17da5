// Package config loads, validates, and saves relaybot configuration.
// Config files are JSON by default; files ending in .yaml/.yml are
// parsed as YAML. ${VAR} and ${VAR:-default} references are expanded
// from the environment before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	BotName  string `json:"botName" yaml:"botName"`
	LogLevel string `json:"logLevel" yaml:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// UpstreamConfig points at the agent service socket.
type UpstreamConfig struct {
	URL                  string `json:"url" yaml:"url"` // ws:// or wss:// endpoint
	ReconnectBaseMs      int    `json:"reconnectBaseMs,omitempty" yaml:"reconnectBaseMs,omitempty"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"`
}

// RelayConfig tunes the streaming relay.
type RelayConfig struct {
	FlushIntervalMs int `json:"flushIntervalMs,omitempty" yaml:"flushIntervalMs,omitempty"`
	MaxChunkLen     int `json:"maxChunkLen,omitempty" yaml:"maxChunkLen,omitempty"`
	QueueSize       int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	AppToken string `json:"appToken" yaml:"appToken"` // required for Socket Mode
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port,omitempty" yaml:"port,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, expands, parses, and validates a config file.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Upstream.URL == "" {
		errs = append(errs, "upstream.url is required")
	} else if !strings.HasPrefix(cfg.Upstream.URL, "ws://") && !strings.HasPrefix(cfg.Upstream.URL, "wss://") {
		errs = append(errs, "upstream.url must be a ws:// or wss:// endpoint")
	}
	if cfg.Upstream.ReconnectBaseMs < 0 {
		errs = append(errs, "upstream.reconnectBaseMs must be >= 0")
	}
	if cfg.Upstream.MaxReconnectAttempts < 0 {
		errs = append(errs, "upstream.maxReconnectAttempts must be >= 0")
	}

	if cfg.Relay.FlushIntervalMs < 0 {
		errs = append(errs, "relay.flushIntervalMs must be >= 0")
	}
	if cfg.Relay.MaxChunkLen < 0 {
		errs = append(errs, "relay.maxChunkLen must be >= 0")
	}

	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack: botToken and appToken are required when enabled")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram: token is required when enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord: token is required when enabled")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
