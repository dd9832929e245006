package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/config"
	"github.com/goodtune/pomodoro/internal/controller"
	"github.com/goodtune/pomodoro/internal/credential"
	"github.com/goodtune/pomodoro/internal/device"
	"github.com/goodtune/pomodoro/internal/history"
	"github.com/goodtune/pomodoro/internal/metrics"
	"github.com/goodtune/pomodoro/internal/session"
	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/goodtune/pomodoro/internal/storage/bolt"
	"github.com/goodtune/pomodoro/internal/storage/redis"
	"github.com/goodtune/pomodoro/internal/storage/sqlite"
	"github.com/goodtune/pomodoro/internal/systemd"
	"github.com/goodtune/pomodoro/internal/timer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device controller",
	Long:  `Connect to the broker and run the control loop until interrupted.`,
	RunE:  runDevice,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("client_id", cfg.Device.ClientID()).
		Msg("Starting Pomodoro")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	loc, err := time.LoadLocation(cfg.Display.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load display timezone: %w", err)
	}
	clk := clock.Real{}

	// Initialize history storage
	var historyStore storage.HistoryStore
	var retention *history.RetentionScheduler
	if cfg.History.Enabled {
		store, err := openStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close storage")
			}
		}()
		historyStore = store.History()

		logger.Info().
			Str("type", cfg.Storage.Type).
			Msg("Storage initialized")

		retention, err = history.NewRetentionScheduler(historyStore, cfg.History.RetentionDays, cfg.History.PruneTime, loc, clk, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
		retention.Start()
	}
	recorder := history.NewRecorder(historyStore, loc, clk, logger)

	// Initialize credential issuer
	issuer, err := credential.NewIssuer(credential.Config{
		Audience:       cfg.Device.ProjectID,
		PrivateKeyFile: cfg.Credential.PrivateKeyFile,
		Algorithm:      cfg.Credential.Algorithm,
		RefreshWindow:  config.ParseDuration(cfg.Credential.RefreshWindow, credential.DefaultRefreshWindow),
	}, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize credential issuer: %w", err)
	}

	// Initialize session manager
	manager := session.NewManager(session.Config{
		Broker:            fmt.Sprintf("ssl://%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		ClientID:          cfg.Device.ClientID(),
		DeviceID:          cfg.Device.DeviceID,
		CAFile:            cfg.Broker.CACerts,
		ConnectTimeout:    config.ParseDuration(cfg.Broker.ConnectTimeout, 10*time.Second),
		KeepAlive:         config.ParseDuration(cfg.Broker.KeepAlive, 60*time.Second),
		RefreshMargin:     config.ParseDuration(cfg.Credential.RefreshMargin, time.Minute),
		ReconnectInterval: config.ParseDuration(cfg.Broker.ReconnectInterval, 5*time.Second),
		InboxSize:         cfg.Broker.InboxSize,
	}, issuer, session.PahoDialer{}, clk, logger)

	// Initialize hardware
	devices, err := openDevices(cfg, os.Stdout, os.Stdin, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}

	// Start metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddress, manager.IsConnected, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctrlConfig := controller.Config{
		Tick:            config.ParseDuration(cfg.Controller.Tick, time.Second),
		ConnectedNotice: config.ParseDuration(cfg.Controller.ConnectedNotice, 3*time.Second),
		PromptNotice:    config.ParseDuration(cfg.Controller.PromptNotice, 10*time.Second),
		PausedNotice:    config.ParseDuration(cfg.Controller.PausedNotice, 10*time.Second),
		CompleteNotice:  config.ParseDuration(cfg.Controller.CompleteNotice, 10*time.Second),
		Location:        loc,
	}
	if interval := systemd.WatchdogInterval(); interval > 0 {
		if interval < 2*ctrlConfig.Tick {
			logger.Warn().Dur("watchdog", interval).Msg("Watchdog interval is shorter than two ticks")
		}
		ctrlConfig.Watchdog = systemd.NotifyWatchdog
	}

	machine := timer.New(clk, timer.Options{CaptureExternalPause: cfg.Timer.CaptureExternalPause})
	ctrl := controller.New(ctrlConfig, machine, manager, recorder, devices, clk, logger)

	// Wait for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	runErr := ctrl.Run(ctx)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if retention != nil {
		retention.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Pomodoro stopped")

	return runErr
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt, sqlite or redis)", storageType)
	}
}

// openDevices builds the hardware collaborators for the configured driver
func openDevices(cfg *config.Config, out io.Writer, in io.Reader, logger zerolog.Logger) (controller.Devices, error) {
	holdTime := config.ParseDuration(cfg.Hardware.HoldTime, 2*time.Second)
	display := device.NewConsoleDisplay(out, cfg.Display.Rows, cfg.Display.Columns, cfg.Display.Color)

	switch cfg.Hardware.Driver {
	case "gpio":
		pins, err := device.OpenGPIO(device.GPIOConfig{
			ButtonPin:    cfg.Hardware.ButtonPin,
			BuzzerPin:    cfg.Hardware.BuzzerPin,
			BacklightPin: cfg.Hardware.BacklightPin,
			HoldTime:     holdTime,
		}, logger)
		if err != nil {
			return controller.Devices{}, err
		}
		return controller.Devices{
			Display:   device.NewBacklitDisplay(display, pins.Backlight),
			Indicator: pins.Buzzer,
			Button:    pins.Button,
		}, nil

	default:
		logger.Info().Msg("Using console devices; press Enter to simulate the button")
		return controller.Devices{
			Display:   display,
			Indicator: device.NewLogIndicator(logger),
			Button:    device.NewLineButton(in, holdTime),
		}, nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
