package config

import "path/filepath"

// Defaults returns a Config populated with sensible defaults. Secrets are
// left empty and must come from the config file or environment.
func Defaults() *Config {
	dir := DefaultConfigDir()
	return &Config{
		Bot: BotConfig{
			Name:           "GlovedBot",
			TriggerChannel: "gloved-gpt",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-1.5-flash-8b",
			APIBase:     "https://generativelanguage.googleapis.com/v1beta",
			PersonaPath: filepath.Join(dir, "persona.yaml"),
		},
		Respond: RespondConfig{
			FetchLimit:        25,
			MentionFetchLimit: 10,
			ThreadFetchLimit:  65,
			Streaming:         false,
			BusBuffer:         100,
		},
		Log: LogConfig{
			Level:          "info",
			ConversationDB: filepath.Join(dir, "conversations.db"),
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9091,
			Endpoint: "/metrics",
		},
	}
}
