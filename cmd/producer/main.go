// Manual job injection for operations: trigger ticks or re-run a
// provision without going through the API layer.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/nexavpn/worker/internal/config"
	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/queue"
	"github.com/nexavpn/worker/internal/producer"
)

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	jobType := flag.String("job", "", "job to enqueue: notify_support | payment_watch_tick | provision_subscription | retention_cleanup_tick")
	ticketID := flag.String("ticket", "", "ticket ID (notify_support)")
	kind := flag.String("kind", domain.KindNewTicket, "notification kind (notify_support)")
	invoiceID := flag.String("invoice", "", "invoice ID (provision_subscription, optional for payment_watch_tick)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Connect the broker
	broker, err := queue.NewRedisBroker(cfg.RedisAddr, cfg.RedisNamespace)
	if err != nil {
		slog.Error("Failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	jobs := producer.New(broker)
	ctx := context.Background()

	// 3. Enqueue the requested job
	switch *jobType {
	case domain.JobNotifySupport:
		err = jobs.EnqueueNotifySupport(ctx, domain.NotifySupportPayload{TicketID: *ticketID, Kind: *kind})
	case domain.JobPaymentWatchTick:
		err = jobs.EnqueuePaymentWatch(ctx, domain.PaymentWatchPayload{InvoiceID: *invoiceID})
	case domain.JobProvisionSubscription:
		err = jobs.EnqueueProvision(ctx, domain.ProvisionPayload{InvoiceID: *invoiceID})
	case domain.JobRetentionCleanupTick:
		err = jobs.EnqueueRetentionCleanup(ctx)
	default:
		slog.Error("Unknown or missing -job", "job", *jobType)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Failed to enqueue job", "job", *jobType, "error", err)
		os.Exit(1)
	}

	slog.Info("Job enqueued", "job", *jobType)
}
