package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chxlky/boardhooks/api"
	"github.com/chxlky/boardhooks/config"
	"github.com/chxlky/boardhooks/database"
	"github.com/chxlky/boardhooks/integrations"
	"github.com/chxlky/boardhooks/internal/actions"
	"github.com/chxlky/boardhooks/internal/automations"
	"github.com/chxlky/boardhooks/internal/dispatcher"
	"github.com/chxlky/boardhooks/internal/maintenance"
	"github.com/chxlky/boardhooks/internal/rules"
	"github.com/chxlky/boardhooks/internal/scheduler"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Finished tasks and audit rows are kept this long.
const taskRetention = 30 * 24 * time.Hour

func main() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if levelStr == "" {
		levelStr = "debug"
	}
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, _ := logConfig.Build()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Invalid configuration", zap.Error(err))
	}
	zap.L().Info("Configuration loaded",
		zap.String("bootID", cfg.Server.BootID),
		zap.Strings("boardIDs", cfg.Monday.BoardIDs),
		zap.Bool("whatsapp", cfg.WhatsApp.Enabled))

	db := database.Init(cfg.Database.Path)
	sqlDB, _ := db.DB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monday := integrations.NewMondayClient(integrations.MondayOptions{
		APIKey:       cfg.Monday.APIKey,
		URL:          cfg.Monday.APIURL,
		APIVersion:   cfg.Monday.APIVersion,
		CallbackURL:  cfg.Monday.CallbackURL,
		WebhookEvent: cfg.Monday.WebhookEvent,
		HTTPClient:   &http.Client{Timeout: cfg.Monday.Timeout},
	})

	table, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		zap.L().Fatal("Failed to load rule table", zap.String("path", cfg.Rules.Path), zap.Error(err))
	}
	store := rules.NewStore(table)
	zap.L().Info("Rule table loaded", zap.Int("version", table.Version), zap.Int("rules", len(table.Rules)))
	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		if err := rules.Watch(ctx, cfg.Rules.Path, store); err != nil {
			zap.L().Error("Rule hot reload disabled", zap.Error(err))
		}
	}

	exec := actions.NewExecutor(monday)
	tasks := database.NewTaskRepository(db)
	runs := database.NewRunRepository(db)

	if n, err := tasks.Prune(ctx, taskRetention); err != nil {
		zap.L().Warn("Failed to prune finished tasks", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("Pruned finished tasks", zap.Int64("count", n))
	}
	if n, err := runs.Prune(ctx, taskRetention); err != nil {
		zap.L().Warn("Failed to prune automation runs", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("Pruned automation runs", zap.Int64("count", n))
	}

	disp := dispatcher.New(monday, exec, store, runs)
	sched := scheduler.New(tasks, disp.RunTask, scheduler.Options{
		Attempts:   cfg.Scheduler.Attempts,
		RetryDelay: cfg.Scheduler.RetryDelay,
	})
	disp.SetScheduler(sched)
	if n, err := sched.Resume(ctx); err != nil {
		zap.L().Error("Failed to resume scheduled tasks", zap.Error(err))
	} else {
		zap.L().Info("Scheduled tasks resumed", zap.Int("count", n))
	}

	documents := automations.NewDocuments(monday, exec, runs, automations.DocumentsOptions{
		Column:       cfg.Documents.Column,
		RequiredFile: cfg.Documents.RequiredFile,
		FileCount:    cfg.Documents.FileCount,
		SubitemName:  cfg.Documents.SubitemName,
		CheckColumn:  cfg.Documents.CheckColumn,
	})

	archiver := maintenance.NewArchiver(monday, runs, maintenance.ArchiveOptions{
		BoardIDs:  cfg.Archive.BoardIDs,
		Days:      cfg.Archive.Days,
		DryRun:    cfg.Archive.DryRun,
		PageSize:  cfg.Archive.PageSize,
		Pause:     cfg.Archive.Pause,
		PagePause: cfg.Archive.PagePause,
	})
	if cfg.Archive.Interval > 0 {
		archiver.Start(ctx, cfg.Archive.Interval)
		zap.L().Info("Archive worker started", zap.Duration("interval", cfg.Archive.Interval))
	}

	apiHandler := &api.Handler{
		BootID:      cfg.Server.BootID,
		Dispatcher:  disp,
		Documents:   documents,
		Preview:     documents,
		ParentLabel: automations.NewParentLabel(monday, exec, runs, cfg.ParentLabel.Column),
		Archiver:    archiver,
		GroupCloser: maintenance.NewGroupCloser(monday, runs, cfg.Archive.Pause),
		Tasks:       sched,
		Runs:        runs,
		Workers:     make(chan struct{}, cfg.Server.MaxWorkers),
		JobTimeout:  cfg.Server.JobTimeout,
	}
	if cfg.WhatsApp.Enabled {
		whatsapp := integrations.NewWhatsAppClient(integrations.WhatsAppOptions{
			BaseURL:        cfg.WhatsApp.BaseURL,
			APIKey:         cfg.WhatsApp.APIKey,
			Session:        cfg.WhatsApp.Session,
			Number:         cfg.WhatsApp.Number,
			RecipientField: cfg.WhatsApp.RecipientField,
		})
		apiHandler.OwnerNotify = automations.NewOwnerNotify(whatsapp, runs, cfg.WhatsApp.TargetPersonID, cfg.WhatsApp.Message)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	apiHandler.Routes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	zap.L().Info("Starting server", zap.String("port", cfg.Server.Port))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("Server error", zap.Error(err))
		}
	}()

	// Give the server a moment to start so the platform's challenge can be answered
	time.Sleep(250 * time.Millisecond)

	webhookIDs := make(map[string]string)
	if cfg.Monday.CallbackURL != "" {
		zap.L().Info("Registering webhooks for boards", zap.Strings("boardIDs", cfg.Monday.BoardIDs))
		for _, boardID := range cfg.Monday.BoardIDs {
			webhookID, err := monday.RegisterWebhook(ctx, boardID)
			if err != nil {
				zap.L().Error("Failed to register webhook for board", zap.String("boardID", boardID), zap.Error(err))
				continue
			}
			webhookIDs[boardID] = webhookID
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var once sync.Once

	cleanup := func(reason string) {
		zap.L().Info("Shutdown initiated", zap.String("reason", reason))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		var errs error
		zap.L().Info("Shutting down HTTP server...")
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		errs = multierr.Append(errs, apiHandler.Shutdown(shutdownCtx))
		sched.Stop()
		cancel()

		for boardID, webhookID := range webhookIDs {
			if err := monday.DeleteWebhook(shutdownCtx, webhookID); err != nil {
				zap.L().Error("Error deleting webhook for board", zap.String("boardID", boardID), zap.Error(err))
			} else {
				zap.L().Info("Successfully deleted webhook for board", zap.String("boardID", boardID))
			}
		}

		if sqlDB != nil {
			errs = multierr.Append(errs, sqlDB.Close())
		}
		if errs != nil {
			zap.L().Error("Shutdown finished with errors", zap.Error(errs))
		} else {
			zap.L().Info("Shut down gracefully.")
		}
		close(done)
	}

	go func() {
		sig := <-sigCh
		once.Do(func() {
			cleanup(sig.String())
		})

		// if a second signal is caught, exit immediately
		go func() {
			<-sigCh
			zap.L().Info("Second interrupt signal received. Exiting immediately.")
			os.Exit(1)
		}()
	}()

	<-done
	zap.L().Info("Exiting...")
}
