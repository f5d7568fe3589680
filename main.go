package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	_ "modernc.org/sqlite"

	"dabba-client/internal/api"
	"dabba-client/internal/app"
	"dabba-client/internal/config"
	"dabba-client/internal/kvstore"
	"dabba-client/internal/logging"
	"dabba-client/internal/metrics"
	"dabba-client/internal/notify"
	"dabba-client/internal/orders"
	"dabba-client/internal/realtime"
	"dabba-client/internal/session"
)

var BuildVersion = "dev"

const (
	logFileMaxBytes = 8 << 20
	httpTimeout     = 15 * time.Second
)

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if saved, loadErr := config.LoadSettings(); loadErr == nil {
		opts = config.MergeOptionsWithSettings(opts, saved)
	}
	if err := config.ValidateRequired(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lock, lockedByOther, lockErr := acquireInstanceLock()
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "dabba client is already running.")
		os.Exit(1)
	}
	defer func() {
		_ = lock.Release()
	}()

	logger := logging.New(opts.Debug)
	if err := logger.EnableFilePersistence(logFileMaxBytes); err != nil {
		logger.Warn("log file persistence unavailable", logging.Field("error", err))
	}
	defer func() {
		_ = logger.Close()
	}()

	if err := run(rootCtx, opts, logger); err != nil && rootCtx.Err() == nil {
		logger.Error("dabba client exited with error", logging.Field("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts config.Options, logger *logging.Logger) error {
	logger.Info("dabba client", logging.Field("version", BuildVersion))

	endpoints, err := config.BuildEndpoints(opts.BaseURL)
	if err != nil {
		return err
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := kvstore.Open(ctx, filepath.Join(dataDir, "dabba.db"))
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	if err := config.SaveSettings(config.SettingsFromOptions(opts)); err != nil {
		logger.Debug("failed to save settings", logging.Field("error", err))
	}
	if err := config.WatchSettings(ctx, logger, func(settings config.ClientSettings) {
		logger.SetDebugEnabled(settings.Debug)
	}); err != nil {
		logger.Warn("settings watcher unavailable", logging.Field("error", err))
	}

	httpClient := &http.Client{Timeout: httpTimeout}
	meters := metrics.New()

	auth := api.NewAuthClient(httpClient, endpoints, logger)
	sessions := session.NewManager(store, auth, logger)
	sessions.SetMetrics(meters)
	apiClient := api.New(httpClient, sessions, logger)

	transport := realtime.NewTransport(realtime.Config{
		Dial: realtime.Dialer(endpoints.RealtimeURL, httpClient, func(ctx context.Context) (string, error) {
			return sessions.AccessToken(ctx)
		}),
		Logger:  logger,
		Metrics: meters,
	})
	dispatcher := notify.NewDispatcher(logger, nil)
	ordersvc := orders.NewService(apiClient, endpoints, transport, logger)

	client := app.New(opts, sessions, auth, transport, dispatcher, ordersvc, logger, app.Callbacks{
		OnStatusChange: func(status string) {
			logger.Info("status", logging.Field("state", status))
		},
		OnNotification: func(n notify.Notification) {
			logger.Info("notification",
				logging.Field("title", n.Title),
				logging.Field("body", n.Body),
				logging.Field("order_id", n.OrderID),
			)
		},
	})
	return client.RunContext(ctx)
}
