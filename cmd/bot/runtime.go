package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"question_escalation_bot/internal/app"
	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
	"question_escalation_bot/internal/domain/question"
	"question_escalation_bot/internal/infra/config"
	idb "question_escalation_bot/internal/infra/database"
	"question_escalation_bot/internal/infra/httpserver"
	"question_escalation_bot/internal/infra/lock"
	"question_escalation_bot/internal/infra/logger"
	"question_escalation_bot/internal/infra/memory"
	"question_escalation_bot/internal/infra/metrics"
	"question_escalation_bot/internal/infra/scheduler"
	"question_escalation_bot/internal/infra/seed"
	"question_escalation_bot/internal/infra/telegram"
	"question_escalation_bot/internal/infra/webhook"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// stores groups the repositories of one backend.
type stores struct {
	questions question.Repository
	configs   escalation.ConfigRepository
	targets   escalation.TargetRepository
	events    escalation.EventRepository
	close     func() error
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("could not load application configuration: %w", err)
	}
	logger.Init(cfg)
	logger.Log.WithFields(logrus.Fields{
		"log_level":   cfg.LogLevel,
		"environment": cfg.Environment,
		"store":       cfg.StoreBackend,
		"notifier":    cfg.Notifier,
		"workspace":   cfg.WorkspaceID,
	}).Info("Configuration loaded")
	return cfg, nil
}

// openStores connects the configured backend. Postgres is migrated before
// use so a fresh database works with a plain `serve`.
func openStores(ctx context.Context, cfg *config.AppConfig, migrate bool) (*stores, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		logger.Log.Warn("Using in-memory store, state is lost on restart")
		st := memory.NewStore()
		return &stores{questions: st, configs: st, targets: st, events: st, close: func() error { return nil }}, nil
	}

	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	logger.Log.Info("Database connection established successfully")

	if migrate {
		if err := applyMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	escalations := idb.NewPostgresEscalationRepository(db)
	return &stores{
		questions: idb.NewPostgresQuestionRepository(db),
		configs:   escalations,
		targets:   escalations,
		events:    escalations,
		close:     db.Close,
	}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	applied, err := idb.Migrate(ctx, db)
	if err != nil {
		return fmt.Errorf("could not apply migrations: %w", err)
	}
	logger.Log.WithField("applied", applied).Info("Database migrations up to date")
	return nil
}

func newBot(cfg *config.AppConfig) (*telebot.Bot, error) {
	botLogger := logger.Component("telebot")
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := botLogger.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithFields(logrus.Fields{"sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
			}
			entry.Error("Unhandled bot error")
		},
	}
	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("could not create Telegram bot: %w", err)
	}
	return b, nil
}

// notifier picks the outbound sender. Telegram sends go through their own
// bot so the HTTP timeout can follow DISPATCH_TIMEOUT without cutting the
// long poll short.
func notifier(cfg *config.AppConfig) (chat.Sender, chat.Directory, error) {
	if cfg.Notifier == config.NotifierWebhook || cfg.TelegramToken == "" {
		return webhook.NewSender(cfg.WebhookURL), webhook.Directory{}, nil
	}
	b, err := telegram.NewSenderBot(cfg.TelegramToken, "", cfg.DispatchTimeout)
	if err != nil {
		return nil, nil, err
	}
	adapter := telegram.NewTelebotAdapter(b)
	return adapter, adapter, nil
}

func newEscalationService(cfg *config.AppConfig, st *stores, sender chat.Sender, resolver app.Resolver) *app.EscalationServiceImpl {
	dispatcher := app.NewDispatcher(sender, cfg.DispatchTimeout, logger.Component("dispatcher"))
	return app.NewEscalationServiceImpl(
		st.questions,
		st.events,
		resolver,
		dispatcher,
		app.SystemClock{},
		app.EscalationOptions{
			DispatchConcurrency: cfg.DispatchConcurrency,
			MaxAttemptsPerLevel: cfg.MaxAttemptsPerLevel,
			ClaimTTL:            cfg.ClaimTTL,
			BatchSize:           cfg.CandidatePageSize,
		},
		logger.Component("escalation"),
	)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer st.close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = st.questions.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("store is not reachable: %w", err)
	}

	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		if bot, err = newBot(cfg); err != nil {
			return err
		}
	}
	sender, directory, err := notifier(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	resolver := app.NewTargetResolver(st.configs, st.targets)
	adminService := app.NewAdminService(st.configs, st.targets, directory, cfg.WorkspaceID, cfg.AdminTelegramID)

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, adminService, cfg.SeedFile); err != nil {
			return err
		}
	}

	escalationService := newEscalationService(cfg, st, sender, resolver).WithObserver(collector)
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		escalationService.WithTickLock(lock.NewRedisTickLock(client, lock.DefaultKey))
		logger.Log.Info("Cross-replica tick lock enabled")
	}

	reconciler := app.NewReconciler(st.questions, resolver, app.SystemClock{}, app.ReconcilerOptions{
		OriginalMarkerPolicy: app.MarkerPolicy(cfg.OriginalMarkerPolicy),
		ConfirmReplyPolicy:   app.MarkerPolicy(cfg.ConfirmReplyPolicy),
		SnoozeMaxMinutes:     cfg.SnoozeMaxMinutes,
	}, logger.Component("reconciler")).WithObserver(collector)
	questionService := app.NewQuestionService(st.questions, app.SystemClock{}, logger.Component("questions"))

	ops := httpserver.New(cfg.HTTPAddr, st.questions, collector.Handler(), logger.Component("http"))
	ops.Start()

	escalationScheduler := scheduler.NewEscalationScheduler(escalationService, logger.Component("scheduler"), cfg.ClaimTTL)
	if err := escalationScheduler.Start(cfg.TickInterval); err != nil {
		return err
	}

	if bot != nil {
		botLogger := logger.Component("telegram")
		telegram.RegisterBotCommands(bot, cfg.AdminTelegramID, botLogger)
		telegram.RegisterAdminHandlers(ctx, bot, adminService, cfg.AdminTelegramID, botLogger)
		telegram.NewQuestionHandlers(questionService, reconciler, cfg.WorkspaceID, botLogger).Register(ctx, bot)
		go bot.Start()
		logger.Log.Info("Telegram bot started")
	}

	logger.Log.Info("Application setup complete")
	<-ctx.Done()

	logger.Log.Info("Shutting down application...")
	if bot != nil {
		bot.Stop()
	}
	escalationScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Warn("Ops HTTP server did not shut down cleanly")
	}
	logger.Log.Info("Application shut down gracefully")
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.StoreBackendPostgres {
		return errors.New("migrate requires STORE_BACKEND=postgres")
	}
	db, err := idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("could not connect to database: %w", err)
	}
	defer db.Close()
	return applyMigrations(ctx, db)
}

func runSeed(ctx context.Context, file string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if file == "" {
		file = cfg.SeedFile
	}
	if file == "" {
		return errors.New("no seed file: pass --file or set SEED_FILE")
	}

	st, err := openStores(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer st.close()

	// Seeding trusts the file, so target existence is not checked against
	// the chat platform.
	adminService := app.NewAdminService(st.configs, st.targets, webhook.Directory{}, cfg.WorkspaceID, cfg.AdminTelegramID)
	if err := applySeed(ctx, adminService, file); err != nil {
		return err
	}
	fmt.Fprintf(out, "seed %s applied to workspace %s\n", file, cfg.WorkspaceID)
	return nil
}

func applySeed(ctx context.Context, adminService *app.AdminService, file string) error {
	scopes, err := seed.LoadFile(file)
	if err != nil {
		return err
	}
	configs, targets, err := adminService.ApplySeed(ctx, scopes)
	if err != nil {
		return fmt.Errorf("could not apply seed file: %w", err)
	}
	logger.Log.WithFields(logrus.Fields{
		"file":    file,
		"configs": configs,
		"targets": targets,
	}).Info("Seed file applied")
	return nil
}

func runTick(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStores(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.close()

	sender, _, err := notifier(cfg)
	if err != nil {
		return err
	}

	service := newEscalationService(cfg, st, sender, app.NewTargetResolver(st.configs, st.targets))
	if cfg.RedisURL != "" {
		var client *redis.Client
		if client, err = lock.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return err
		}
		defer client.Close()
		service.WithTickLock(lock.NewRedisTickLock(client, lock.DefaultKey))
	}

	tickCtx, cancel := context.WithTimeout(ctx, cfg.ClaimTTL)
	defer cancel()
	report, err := service.RunTick(tickCtx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
