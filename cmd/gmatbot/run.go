package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gmatbot/internal/bot"
	"gmatbot/internal/channel"
	"gmatbot/internal/config"
	"gmatbot/internal/eventlog"
	"gmatbot/internal/lifecycle"
	"gmatbot/internal/memory"
	"gmatbot/internal/metrics"
	"gmatbot/internal/notify"
	"gmatbot/internal/objstore"

	"github.com/spf13/cobra"
)

const storagePingTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot (Telegram polling, event shipping, admin notifications)",
		Long:  "Connects to Telegram, notifies the admins, serves chats until SIGINT/SIGTERM, then notifies the admins again and drains the event log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "keep event logs in memory instead of uploading them")
	return cmd
}

func runBot(dryRun bool) error {
	var overrides []func(*config.Config)
	if dryRun {
		overrides = append(overrides, func(c *config.Config) { c.Storage.DryRun = true })
	}
	cfg, closeLog, err := loadConfig(overrides...)
	defer closeLog()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token, err := cfg.BotToken()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	users, err := memory.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	defer users.Close()

	shipper, err := eventlog.NewShipper(eventlog.Config{
		Store:          store,
		Shards:         cfg.EventLog.Shards,
		QueueSize:      cfg.EventLog.QueueSize,
		MaxAttempts:    cfg.EventLog.MaxAttempts,
		AttemptTimeout: time.Duration(cfg.EventLog.AttemptTimeoutSeconds) * time.Second,
		BaseBackoff:    time.Duration(cfg.EventLog.BackoffMillis) * time.Millisecond,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetrics(cfg.Metrics)
	}

	tg := channel.NewTelegram(channel.TelegramConfig{
		Token:          token,
		ParseMode:      cfg.Telegram.ParseMode,
		SendsPerSecond: cfg.Telegram.SendsPerSecond,
		Logger:         logger,
	})
	if err := tg.Connect(); err != nil {
		drainShipper(shipper, cfg.EventLog.DrainTimeoutSeconds)
		return err
	}

	notifier := notify.NewNotifier(notify.Config{
		Messenger:   tg,
		SendTimeout: time.Duration(cfg.Notify.SendTimeoutSeconds) * time.Second,
		Logger:      logger,
	})
	coordinator := lifecycle.NewCoordinator(notifier, cfg.Telegram.Admins, logger)
	handlers := bot.New(bot.Config{
		Messenger: tg,
		Users:     users,
		Recorder:  shipper,
		Logger:    logger,
	})

	coordinator.OnStart(ctx)
	logger.Info("bot started. Press Ctrl+C to stop.", "stand", cfg.General.Stand, "dry_run", cfg.Storage.DryRun)

	runErr := tg.Start(ctx, handlers)
	if runErr != nil {
		logger.Error("telegram channel error", "err", runErr)
	}

	logger.Info("shutting down bot...")
	coordinator.OnStop(context.Background())

	drainShipper(shipper, cfg.EventLog.DrainTimeoutSeconds)
	if mem, ok := store.(*objstore.MemoryStore); ok {
		logger.Info("dry run: events kept in memory", "objects", len(mem.Keys()))
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

// newObjectStore builds the event log destination. The bucket is checked
// once; an unreachable bucket is only a warning since uploads retry.
func newObjectStore(ctx context.Context, cfg config.StorageConfig) (objstore.Store, error) {
	if cfg.DryRun {
		logger.Warn("dry run: event logs are kept in memory and discarded on exit")
		return objstore.NewMemoryStore(), nil
	}

	client, err := objstore.NewS3Client(objstore.S3Config{
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, storagePingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		logger.Warn("log bucket not reachable at startup", "bucket", cfg.Bucket, "err", err)
	} else {
		logger.Info("log bucket reachable", "bucket", cfg.Bucket)
	}
	return client, nil
}

func drainShipper(s *eventlog.Shipper, timeoutSeconds int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("event log drain timed out", "err", err)
	}
	st := s.Stats()
	logger.Info("event log closed",
		"recorded", st.Recorded,
		"shipped", st.Shipped,
		"retried", st.Retried,
		"failed", st.Failed,
		"rejected", st.Rejected,
	)
}

func startMetrics(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics endpoint enabled", "addr", cfg.Addr, "path", cfg.Endpoint)
	return srv
}
