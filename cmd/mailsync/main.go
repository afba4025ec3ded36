package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/mixelka/mailingest/internal/api"
	"github.com/mixelka/mailingest/internal/auth"
	"github.com/mixelka/mailingest/internal/config"
	"github.com/mixelka/mailingest/internal/crypto"
	"github.com/mixelka/mailingest/internal/database"
	"github.com/mixelka/mailingest/internal/email"
	"github.com/mixelka/mailingest/internal/ingest"
	"github.com/mixelka/mailingest/internal/notify"
	"github.com/mixelka/mailingest/internal/parser"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail sync service")

	if err := run(cfg, logger); err != nil {
		logger.Error("mail sync service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mail sync service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("database migrations completed", "driver", cfg.DatabaseDriver)

	// Stored passwords are plaintext unless a key is configured
	var decrypter ingest.Decrypter
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		decrypter = enc
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	transport := email.NewClient(email.ClientConfig{
		DialTimeout:      cfg.IMAPDialTimeout,
		OpTimeout:        cfg.IMAPOpTimeout,
		InitialSyncLimit: cfg.InitialSyncLimit,
	}, logger)

	orchestrator := ingest.NewOrchestrator(ingest.Deps{
		Accounts:   db,
		Store:      db,
		Transport:  transport,
		Normalizer: parser.NewNormalizer(time.Now),
		Decrypter:  decrypter,
		Notifier:   notifier,
	}, ingest.Options{
		AccountPause:  cfg.AccountPause,
		UpsertTimeout: cfg.UpsertTimeout,
		RunTimeout:    cfg.SweepTimeout,
	}, logger)

	scheduler := ingest.NewScheduler(orchestrator, notifier, ingest.SchedulerConfig{
		Interval:           cfg.SyncInterval,
		SweepTimeout:       cfg.SweepTimeout,
		SkipAlertThreshold: cfg.SkipAlertThreshold,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	var server *http.Server
	if cfg.HTTPEnabled() {
		router := api.NewRouter(api.Deps{
			Syncer:    orchestrator,
			Scheduler: scheduler,
			States:    db,
			Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience),
			Logger:    logger,
		})
		server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", "addr", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		// running syncs finish their current message; manual ones may outlive
		// their request, so they are drained before the server and database go
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orchestrator.Shutdown(drainCtx); err != nil {
			logger.Warn("syncs still running at shutdown", "error", err)
		}

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", "error", err)
			}
		}
		return nil
	})

	logger.Info("scheduler is running, press Ctrl+C to stop", "interval", cfg.SyncInterval)
	return g.Wait()
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (ingest.Notifier, error) {
	if !cfg.AlertsEnabled() {
		logger.Info("telegram alerts disabled, alerts go to the log")
		return notify.NewLogNotifier(logger), nil
	}
	n, err := notify.NewTelegramNotifier(notify.TelegramConfig{
		Token:   cfg.TelegramToken,
		ChatID:  cfg.TelegramChatID,
		TopicID: cfg.TelegramTopicID,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("telegram alerts enabled", "chat_id", cfg.TelegramChatID)
	return n, nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
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
