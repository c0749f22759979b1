package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for GlovedBot.
type Config struct {
	Bot     BotConfig     `json:"bot"`
	Gemini  GeminiConfig  `json:"gemini"`
	Respond RespondConfig `json:"respond"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

// BotConfig holds the Discord-side identity and routing settings.
type BotConfig struct {
	Name           string `json:"name"`
	Token          string `json:"token"`
	OwnerID        string `json:"ownerId"`
	GuildID        string `json:"guildId,omitempty"`        // optional: restrict to specific guild
	TriggerChannel string `json:"triggerChannel,omitempty"` // channel name that always triggers a reply
}

// GeminiConfig holds the generative backend settings.
type GeminiConfig struct {
	APIKey      string `json:"apiKey"`
	Model       string `json:"model,omitempty"`
	APIBase     string `json:"apiBase,omitempty"`
	PersonaPath string `json:"personaPath,omitempty"` // YAML persona file (system prompt, sampling, seed history)
}

// RespondConfig tunes the reply pipeline per trigger source.
type RespondConfig struct {
	FetchLimit        int  `json:"fetchLimit"`        // default window size
	MentionFetchLimit int  `json:"mentionFetchLimit"` // window size for bare mentions
	ThreadFetchLimit  int  `json:"threadFetchLimit"`  // window size inside reply threads
	Streaming         bool `json:"streaming"`         // incremental edit-in-place delivery
	BusBuffer         int  `json:"busBuffer,omitempty"`
}

type LogConfig struct {
	Level          string `json:"level"`
	File           string `json:"file,omitempty"`  // optional log file path
	ConversationDB string `json:"conversationDb"`  // append-only conversation log database
}

// MetricsConfig configures the Prometheus-text metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.glovedbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".glovedbot"
	}
	return filepath.Join(home, ".glovedbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
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
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Gemini.PersonaPath = ExpandPath(cfg.Gemini.PersonaPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)
	cfg.Log.ConversationDB = ExpandPath(cfg.Log.ConversationDB)

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

// Validate checks that the config has valid values. Secrets (bot token,
// API key) are checked at gateway startup, not here, so read-only commands
// keep working on a fresh config.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Bot.Name == "" {
		errs = append(errs, "bot.name must not be empty")
	}

	for _, lim := range []struct {
		name  string
		value int
	}{
		{"respond.fetchLimit", cfg.Respond.FetchLimit},
		{"respond.mentionFetchLimit", cfg.Respond.MentionFetchLimit},
		{"respond.threadFetchLimit", cfg.Respond.ThreadFetchLimit},
	} {
		if lim.value < 1 || lim.value > 100 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 100", lim.name))
		}
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
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
