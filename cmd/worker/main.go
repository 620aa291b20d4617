package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexavpn/worker/internal/config"
	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/payments"
	"github.com/nexavpn/worker/internal/platform/queue"
	"github.com/nexavpn/worker/internal/platform/storage"
	"github.com/nexavpn/worker/internal/platform/telegram"
	"github.com/nexavpn/worker/internal/producer"
	"github.com/nexavpn/worker/internal/scheduler"
	"github.com/nexavpn/worker/internal/worker"
)

const recoveryInterval = time.Minute

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("Starting NexaVPN worker...")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Connect the broker and data store (fail-fast)
	broker, err := queue.NewRedisBroker(cfg.RedisAddr, cfg.RedisNamespace)
	if err != nil {
		slog.Error("Failed to connect broker", "error", err)
		os.Exit(1)
	}

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to open data store", "error", err)
		os.Exit(1)
	}

	// 3. Build collaborators and handlers
	messenger := telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramSupportChatID)
	if !messenger.Configured() {
		slog.Warn("Telegram not configured, support notifications will be skipped")
	}

	var detector domain.PaymentDetector = payments.NullDetector{}
	if cfg.PaymentDetectURL != "" {
		detector = payments.NewHTTPDetector(cfg.PaymentDetectURL)
	} else {
		slog.Warn("Payment detection not configured, settlements will not be observed")
	}

	jobs := producer.New(broker)
	notify := worker.NewNotifyHandler(store, messenger, worker.LogNotifier{})
	watch := worker.NewPaymentWatchHandler(store, detector, jobs)
	provision := worker.NewProvisionHandler(store, jobs)
	cleanup := worker.NewCleanupHandler(store)

	// 4. Bind one dispatcher per queue
	notifyDispatch := worker.NewDispatcher(domain.QueueNotify, broker)
	notifyDispatch.Register(domain.JobNotifySupport, notify.HandleSupport)
	notifyDispatch.Register(domain.JobNotifyUser, notify.HandleUser)

	watchDispatch := worker.NewDispatcher(domain.QueuePaymentWatch, broker)
	watchDispatch.Register(domain.JobPaymentWatchTick, watch.HandleTick)

	provisionDispatch := worker.NewDispatcher(domain.QueueProvision, broker)
	provisionDispatch.Register(domain.JobProvisionSubscription, provision.Handle)

	cleanupDispatch := worker.NewDispatcher(domain.QueueRetentionCleanup, broker)
	cleanupDispatch.Register(domain.JobRetentionCleanupTick, cleanup.HandleTick)

	ctx, cancel := context.WithCancel(context.Background())

	group := worker.NewGroup(notifyDispatch, watchDispatch, provisionDispatch, cleanupDispatch)
	group.Start(ctx)

	go broker.StartRecoveryRoutine(ctx, domain.Queues(), recoveryInterval, cfg.ProcessingTimeout)

	// 5. Arm the repeating ticks (idempotent across restarts)
	if err := scheduler.Register(ctx, broker); err != nil {
		slog.Error("Failed to register schedules", "error", err)
		cancel()
		os.Exit(1)
	}

	slog.Info("All dispatchers started")

	// 6. Graceful shutdown: stop pulling jobs, let in-flight handlers
	// finish, then release connections.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	slog.Info("Shutting down worker...")
	cancel()
	group.Wait()

	if err := store.Close(); err != nil {
		slog.Warn("Failed to close data store", "error", err)
	}
	if err := broker.Close(); err != nil {
		slog.Warn("Failed to close broker", "error", err)
	}
	slog.Info("Worker stopped")
}
