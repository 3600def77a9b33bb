package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"printerbot/internal/channel"
	"printerbot/internal/config"
	"printerbot/internal/dispatch"
	"printerbot/internal/domain"
	"printerbot/internal/metrics"
	"printerbot/internal/peripheral"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// runOptions are command-line overrides for the config file.
type runOptions struct {
	args         []string // mattermost_url mattermost_team mattermost_token
	port         int
	portSet      bool
	printCommand string
	scanCommand  string
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [mattermost_url mattermost_team mattermost_token]",
		Short: "Connect to the enabled chat platforms and serve print/scan requests",
		Long: `Starts every enabled channel. The three positional arguments enable the
Mattermost channel without a config file. Press Ctrl+C to stop.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected 0 or 3 arguments (mattermost_url mattermost_team mattermost_token), got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.args = args
			opts.portSet = cmd.Flags().Changed("port")

			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			applyRunOptions(cfg, opts)
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if len(cfg.EnabledChannels()) == 0 {
				return errors.New("no chat channel enabled: pass mattermost_url mattermost_team mattermost_token or enable a channel in the config")
			}

			log, closer, err := newLogger(cfg.General, os.Stderr)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger = log

			channels, err := buildChannels(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, channels, logger)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 443, "Mattermost server port")
	cmd.Flags().StringVarP(&opts.printCommand, "print", "P", "", `print command, the file path is appended (default "lp")`)
	cmd.Flags().StringVarP(&opts.scanCommand, "scan", "S", "", `scan command, the output path is appended (default "scanimage -o")`)
	return cmd
}

func consoleCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Print and scan from an interactive terminal session",
		Long:  "Reads messages from stdin. Attach local files with @path; type scan to scan.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			applyRunOptions(cfg, opts)
			if err := config.Validate(cfg); err != nil {
				return err
			}

			log, closer, err := newLogger(cfg.General, os.Stderr)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger = log

			console := channel.NewConsole(channel.ConsoleConfig{
				Logger: logger,
				In:     cmd.InOrStdin(),
				Out:    cmd.OutOrStdout(),
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, []domain.Channel{console}, logger)
		},
	}
	cmd.Flags().StringVarP(&opts.printCommand, "print", "P", "", "print command, the file path is appended")
	cmd.Flags().StringVarP(&opts.scanCommand, "scan", "S", "", "scan command, the output path is appended")
	return cmd
}

// applyRunOptions overlays command-line values on the loaded config.
func applyRunOptions(cfg *config.Config, opts runOptions) {
	if len(opts.args) == 3 {
		mm := &cfg.Channels.Mattermost
		mm.Enabled = true
		mm.URL = opts.args[0]
		mm.Team = opts.args[1]
		mm.Token = opts.args[2]
	}
	if opts.portSet {
		cfg.Channels.Mattermost.Port = opts.port
	}
	if opts.printCommand != "" {
		cfg.Peripherals.PrintCommand = opts.printCommand
	}
	if opts.scanCommand != "" {
		cfg.Peripherals.ScanCommand = opts.scanCommand
	}
}

// buildChannels creates a channel for every enabled platform.
func buildChannels(cfg *config.Config, logger *slog.Logger) ([]domain.Channel, error) {
	var channels []domain.Channel

	if mm := cfg.Channels.Mattermost; mm.Enabled {
		ch, err := channel.NewMattermost(channel.MattermostConfig{
			URL:                mm.URL,
			Port:               mm.Port,
			Team:               mm.Team,
			Token:              mm.Token,
			AllowFrom:          mm.AllowFrom,
			InsecureSkipVerify: mm.InsecureSkipVerify,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mattermost channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if tg := cfg.Channels.Telegram; tg.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:       tg.Token,
			AllowFrom:   tg.AllowFrom,
			ParseMode:   tg.ParseMode,
			APIEndpoint: tg.APIEndpoint,
			Logger:      logger,
		}))
	}
	if sl := cfg.Channels.Slack; sl.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken:  sl.BotToken,
			AppToken:  sl.AppToken,
			AllowFrom: sl.AllowFrom,
			Logger:    logger,
		}))
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:     dc.Token,
			GuildID:   dc.GuildID,
			AllowFrom: dc.AllowFrom,
			Logger:    logger,
		}))
	}
	return channels, nil
}

// newDispatcher wires one dispatcher to a channel. Dispatchers share the
// invoker and the cache filesystem.
func newDispatcher(cfg *config.Config, client domain.Client, invoker dispatch.Invoker, fs afero.Fs, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		CacheRoot:    cfg.General.CacheRoot,
		PrintCommand: cfg.Peripherals.PrintCommand,
		ScanCommand:  cfg.Peripherals.ScanCommand,
		Client:       client,
		Invoker:      invoker,
		Fs:           fs,
		Logger:       logger,
	})
}

// serve runs every channel until ctx is cancelled or all channels have
// stopped. The metrics endpoint runs alongside when enabled.
func serve(ctx context.Context, cfg *config.Config, channels []domain.Channel, logger *slog.Logger) error {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.General.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

	invoker := peripheral.New(peripheral.Config{
		Shell:          cfg.Peripherals.Shell,
		TimeoutSeconds: cfg.Peripherals.TimeoutSeconds,
		Logger:         logger,
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Endpoint)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	for _, ch := range channels {
		chLogger := logger.With("channel", ch.Name())
		d := newDispatcher(cfg, ch, invoker, fs, chLogger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.ConnectedChannels.Inc()
			defer metrics.ConnectedChannels.Dec()

			chLogger.Info("channel starting")
			if err := ch.Start(ctx, d); err != nil {
				chLogger.Error("channel error", "err", err)
				mu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", ch.Name(), err))
				mu.Unlock()
				return
			}
			chLogger.Info("channel stopped")
		}()
	}

	logger.Info("printerbot started", "channels", len(channels), "cache", cfg.General.CacheRoot,
		"print", cfg.Peripherals.PrintCommand, "scan", cfg.Peripherals.ScanCommand)

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-allDone:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
		}
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	select {
	case <-allDone:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failed) == len(channels) && len(failed) > 0 && ctx.Err() == nil {
		return errors.Join(failed...)
	}
	return nil
}
