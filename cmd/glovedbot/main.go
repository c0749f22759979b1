package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"glovedbot/internal/bus"
	"glovedbot/internal/channel"
	"glovedbot/internal/config"
	"glovedbot/internal/convlog"
	"glovedbot/internal/gemini"
	"glovedbot/internal/metrics"
	"glovedbot/internal/persona"
	"glovedbot/internal/respond"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "glovedbot",
		Short: "GlovedBot: a Gemini-backed Discord character bot",
		Long:  "GlovedBot replies in character to Discord messages, spinning up private threads with full conversational context.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.glovedbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and persona files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			// Seed a persona file the operator can edit.
			if _, err := os.Stat(cfg.Gemini.PersonaPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfg.Gemini.PersonaPath, []byte(personaTemplate), 0o644); err != nil {
					return err
				}
			}

			logger.Info("initialized", "config", cfgPath, "persona", cfg.Gemini.PersonaPath)
			logger.Info("next: set bot.token and gemini.apiKey, then run 'glovedbot gateway'")
			return nil
		},
	}
}

const personaTemplate = `# GlovedBot persona. systemPrompt is required.
systemPrompt: |
  You are GlovedBot, a helpful and slightly mischievous Discord character.
  Stay in character. Keep replies conversational and concise.
temperature: 1.4
topP: 0.95
topK: 40
maxOutputTokens: 4096
# seedHistory:
#   - role: user
#     text: "introduce yourself"
#   - role: model
#     text: "*waves* I'm GlovedBot!"
`

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Connect to Discord and start replying",
		Long:  "Starts the Discord gateway, the reply dispatcher, and the optional metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot.token is not configured (run 'glovedbot config set bot.token ...')")
	}
	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.apiKey is not configured")
	}

	logger, err = newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	p, err := persona.Load(cfg.Gemini.PersonaPath)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	triggerBus := bus.New(cfg.Respond.BusBuffer, logger)
	defer triggerBus.Close()

	events := bus.NewEventBus(logger)

	store, err := convlog.NewSQLiteStore(cfg.Log.ConversationDB, logger)
	if err != nil {
		return fmt.Errorf("conversation log: %w", err)
	}
	defer store.Close()

	gen := gemini.New(gemini.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		APIBase: cfg.Gemini.APIBase,
		Persona: p,
		Logger:  logger,
	})
	if err := gen.Healthy(ctx); err != nil {
		return fmt.Errorf("gemini: %w", err)
	}

	session, err := discordgo.New("Bot " + cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	dispatcher := respond.New(respond.Config{
		Service:   session,
		Generator: gen,
		ConvLog:   store,
		Events:    events,
		Logger:    logger,
	})
	go dispatcher.Run(ctx, triggerBus.Subscribe())

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics)
	}

	gateway := channel.NewDiscord(channel.DiscordConfig{
		Session:           session,
		GuildID:           cfg.Bot.GuildID,
		OwnerID:           cfg.Bot.OwnerID,
		BotName:           cfg.Bot.Name,
		TriggerChannel:    cfg.Bot.TriggerChannel,
		FetchLimit:        cfg.Respond.FetchLimit,
		MentionFetchLimit: cfg.Respond.MentionFetchLimit,
		ThreadFetchLimit:  cfg.Respond.ThreadFetchLimit,
		Streaming:         cfg.Respond.Streaming,
		Logger:            logger,
	})

	logger.Info("gateway starting", "version", version, "model", cfg.Gemini.Model)
	return gateway.Start(ctx, triggerBus)
}

// newLogger builds the gateway logger from the log config: level from
// log.level, destination from log.file (stderr when unset).
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	out := io.Writer(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel(cfg.Level)})), nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Endpoint, metrics.Collector.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", srv.Addr, "endpoint", cfg.Endpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. respond.fetchLimit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. respond.streaming true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
