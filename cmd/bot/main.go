package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tg_script_gateway_bot/internal/config"
	"tg_script_gateway_bot/internal/dispatch"
	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/feature/broadcast"
	"tg_script_gateway_bot/internal/feature/membership"
	"tg_script_gateway_bot/internal/feature/submission"
	"tg_script_gateway_bot/internal/feature/tier"
	"tg_script_gateway_bot/internal/feature/user"
	"tg_script_gateway_bot/internal/logging"
	"tg_script_gateway_bot/internal/session"
	"tg_script_gateway_bot/internal/store"
	"tg_script_gateway_bot/internal/supervisor"
	"tg_script_gateway_bot/internal/telegram"
	"tg_script_gateway_bot/internal/web"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
	shutdownTimeout        = 10 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":       "startup",
		"mongo_db":    cfg.MongoDB,
		"update_mode": cfg.UpdateMode,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		fatal(logger, "mongo connection error", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		fatal(logger, "mongo index setup error", err)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	scripts, err := supervisor.New(cfg.ScriptsDir, cfg.ScriptInterpreter, logger)
	if err != nil {
		fatal(logger, "script supervisor setup error", err)
	}

	userRepository := domain.NewUserRepository(mongoManager.Users())
	submissionRepository := domain.NewSubmissionRepository(mongoManager.Submissions())
	statsProvider := store.NewStatsProvider(mongoManager.Users(), mongoManager.Submissions())

	dispatcher := dispatch.New(session.NewTracker(), logger)

	tgClient, err := telegram.NewClient(cfg, dispatcher, logger)
	if err != nil {
		fatal(logger, "telegram client setup error", err)
	}
	sender := tgClient.Sender()

	gate := membership.NewGate(sender, user.NewRegistrar(mongoManager.Users(), logger), cfg.RequiredChannels, logger)
	queue := submission.NewQueue(submissionRepository, scripts, userRepository, sender, cfg.ModeratorID, logger)

	routes, err := telegram.NewRoutes(telegram.Deps{
		Gate:        gate,
		Users:       userRepository,
		Submissions: queue,
		Broadcaster: broadcast.NewBroadcaster(userRepository, sender, cfg.ModeratorID, broadcast.DefaultConcurrency, logger),
		Premium:     tier.NewGranter(userRepository, sender, cfg.ModeratorID, logger),
		Processes:   scripts,
		Stats:       statsProvider,
		Reply:       sender,
		ModeratorID: cfg.ModeratorID,
		Logger:      logger,
	})
	if err != nil {
		fatal(logger, "route setup error", err)
	}
	routes.Register(dispatcher)

	var webhook web.Webhook
	if cfg.UsesWebhook() {
		webhook = tgClient
	}
	httpServer := web.NewServer(cfg.HTTPPort, mongoManager, webhook, cfg.WebhookURL, logger)

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, runCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return dispatcher.Run(runCtx)
	})
	group.Go(func() error {
		tgClient.Start(runCtx)
		return nil
	})
	group.Go(func() error {
		return httpServer.ListenAndServe()
	})
	group.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		forwardExits(runCtx, scripts.Events(), queue)
		return nil
	})

	if cfg.UsesWebhook() && cfg.WebhookURL != "" {
		registerCtx, cancelRegister := context.WithTimeout(runCtx, shutdownTimeout)
		if err := tgClient.RegisterWebhook(registerCtx, cfg.WebhookURL+web.WebhookPath); err != nil {
			logger.WithField("event", "webhook_register_failed").WithError(err).Error("webhook registration failed; use /setwebhook to retry")
		}
		cancelRegister()
	}

	<-runCtx.Done()
	if signalCtx.Err() != nil {
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping")
	} else {
		logger.WithField("event", "component_stopped_early").Warn("a component stopped before shutdown signal")
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), shutdownTimeout)
	select {
	case err := <-done:
		if err != nil {
			logger.WithError(err).Error("component error")
		}
	case <-waitCtx.Done():
		logger.WithField("event", "shutdown_timeout").Warn("timed out waiting for components to stop")
	}
	cancelWait()

	// Launched scripts run in their own process groups and outlive the bot.
	logger.WithFields(logging.Fields{
		"event":   "scripts_detached",
		"scripts": len(scripts.List()),
	}).Info("leaving hosted scripts running")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

func forwardExits(ctx context.Context, exits <-chan supervisor.Exit, queue *submission.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case exit := <-exits:
			logging.WithContext(logging.Context{
				SubmissionID: exit.SubmissionID,
				Event:        "script_exited",
			}).WithField("exit_code", exit.ExitCode).Info("hosted script exited")
			queue.ReportExit(ctx, exit)
		}
	}
}

func fatal(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
