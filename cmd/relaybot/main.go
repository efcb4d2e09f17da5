package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/greet"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/upstream"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: chat platform to streaming agent relay",
		Long:  "relaybot bridges Slack, Telegram, and Discord conversations to a remote streaming agent service over a persistent websocket.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

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
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relaybot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaybot " + version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check config and agent service reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return err
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			manager := upstream.New(upstream.Config{
				Endpoint: cfg.Upstream.URL,
				Logger:   logger,
			})
			defer manager.Close()

			if err := manager.EnsureConnected(ctx); err != nil {
				logger.Info("agent service", "url", cfg.Upstream.URL, "reachable", false, "err", err)
				return nil
			}
			logger.Info("agent service", "url", cfg.Upstream.URL, "reachable", true)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay and all enabled channels",
		Long:  "Connects the relay to the agent service and starts every enabled chat channel. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := upstream.New(upstream.Config{
		Endpoint:    cfg.Upstream.URL,
		BaseDelay:   time.Duration(cfg.Upstream.ReconnectBaseMs) * time.Millisecond,
		MaxAttempts: cfg.Upstream.MaxReconnectAttempts,
		Logger:      logger,
	})

	sessionRelay := relay.New(relay.Config{
		Upstream:      manager,
		Logger:        logger,
		FlushInterval: time.Duration(cfg.Relay.FlushIntervalMs) * time.Millisecond,
		MaxChunkLen:   cfg.Relay.MaxChunkLen,
		QueueSize:     cfg.Relay.QueueSize,
	})

	go sessionRelay.Run(ctx)

	greeter := greet.New(cfg.General.BotName)
	started := 0

	if cfg.Channels.Slack.Enabled {
		slackCh := channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Greeter:  greeter,
			Logger:   logger,
		})
		sessionRelay.RegisterPlatform(slackCh)
		go func() {
			if err := slackCh.Start(ctx, sessionRelay); err != nil {
				logger.Error("slack channel error", "err", err)
			}
		}()
		started++
		logger.Info("slack channel enabled")
	}

	if cfg.Channels.Telegram.Enabled {
		telegramCh := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Greeter:   greeter,
			Logger:    logger,
		})
		sessionRelay.RegisterPlatform(telegramCh)
		go func() {
			if err := telegramCh.Start(ctx, sessionRelay); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		started++
		logger.Info("telegram channel enabled")
	}

	if cfg.Channels.Discord.Enabled {
		discordCh := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			Greeter: greeter,
			Logger:  logger,
		})
		sessionRelay.RegisterPlatform(discordCh)
		go func() {
			if err := discordCh.Start(ctx, sessionRelay); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		started++
		logger.Info("discord channel enabled")
	}

	if started == 0 {
		return fmt.Errorf("no channels enabled; enable at least one in %s", cfgPath)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", "port", cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	logger.Info("relaybot started. Press Ctrl+C to stop.", "upstream", cfg.Upstream.URL)

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Close()
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// setupLogger rebuilds the global logger from config: level from
// general.logLevel, output duplicated to general.logFile when set.
func setupLogger(cfg *config.Config) error {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}
