package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for printerbot.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Peripherals PeripheralsConfig `json:"peripherals" yaml:"peripherals"`
	Channels    ChannelsConfig    `json:"channels" yaml:"channels"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	CacheRoot string `json:"cacheRoot" yaml:"cacheRoot"`                 // downloads go to <cacheRoot>/print, scans to <cacheRoot>/scan
}

// PeripheralsConfig holds the shell command templates. The file path is
// appended to the template as its last argument.
type PeripheralsConfig struct {
	PrintCommand   string `json:"printCommand" yaml:"printCommand"`
	ScanCommand    string `json:"scanCommand" yaml:"scanCommand"`
	Shell          string `json:"shell,omitempty" yaml:"shell,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"` // 0 = no timeout
}

type ChannelsConfig struct {
	Mattermost MattermostConfig `json:"mattermost" yaml:"mattermost"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
	Slack      SlackConfig      `json:"slack,omitempty" yaml:"slack,omitempty"`
	Discord    DiscordConfig    `json:"discord,omitempty" yaml:"discord,omitempty"`
}

type MattermostConfig struct {
	Enabled            bool           `json:"enabled" yaml:"enabled"`
	URL                string         `json:"url" yaml:"url"`
	Port               int            `json:"port" yaml:"port"`
	Team               string         `json:"team" yaml:"team"`
	Token              string         `json:"token" yaml:"token"`
	AllowFrom          FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	InsecureSkipVerify bool           `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Token       string         `json:"token" yaml:"token"`
	AllowFrom   FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode   string         `json:"parseMode" yaml:"parseMode"`
	APIEndpoint string         `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"` // self-hosted Bot API server
}

type SlackConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	BotToken  string         `json:"botToken" yaml:"botToken"`
	AppToken  string         `json:"appToken" yaml:"appToken"` // required for Socket Mode
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	GuildID   string         `json:"guildId,omitempty" yaml:"guildId,omitempty"` // optional: restrict to specific guild
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Listen   string `json:"listen" yaml:"listen"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML accepts a sequence of scalars of any type.
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: allowFrom must be a list", node.Line)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: allowFrom entries must be scalars", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.printerbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".printerbot"
	}
	return filepath.Join(home, ".printerbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.CacheRoot = ExpandPath(cfg.General.CacheRoot)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
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
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.CacheRoot) == "" {
		errs = append(errs, "general.cacheRoot is required")
	}

	if strings.TrimSpace(cfg.Peripherals.PrintCommand) == "" {
		errs = append(errs, "peripherals.printCommand is required")
	}
	if strings.TrimSpace(cfg.Peripherals.ScanCommand) == "" {
		errs = append(errs, "peripherals.scanCommand is required")
	}
	if cfg.Peripherals.TimeoutSeconds < 0 {
		errs = append(errs, "peripherals.timeoutSeconds must be >= 0")
	}

	mm := cfg.Channels.Mattermost
	if mm.Port < 0 || mm.Port > 65535 {
		errs = append(errs, "channels.mattermost.port must be between 0 and 65535")
	}
	if mm.Enabled {
		if mm.URL == "" {
			errs = append(errs, "channels.mattermost.url is required when mattermost is enabled")
		}
		if mm.Token == "" {
			errs = append(errs, "channels.mattermost.token is required when mattermost is enabled")
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if sl := cfg.Channels.Slack; sl.Enabled && (sl.BotToken == "" || sl.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and channels.slack.appToken are required when slack is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			errs = append(errs, "metrics.listen is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EnabledChannels returns the names of the enabled chat channels.
func (c *Config) EnabledChannels() []string {
	var names []string
	if c.Channels.Mattermost.Enabled {
		names = append(names, "mattermost")
	}
	if c.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if c.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	if c.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	return names
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
