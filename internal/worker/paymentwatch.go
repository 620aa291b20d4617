package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/storage"
	"github.com/nexavpn/worker/internal/producer"
)

// PaymentWatchHandler sweeps pending invoices for settled payments.
// The sweep is read-only on invoice state: a settled detection only
// enqueues a provisioning job, whose dedup key collapses duplicates
// from overlapping ticks.
type PaymentWatchHandler struct {
	store    storage.Store
	detector domain.PaymentDetector
	producer *producer.Producer
}

func NewPaymentWatchHandler(store storage.Store, detector domain.PaymentDetector, p *producer.Producer) *PaymentWatchHandler {
	return &PaymentWatchHandler{store: store, detector: detector, producer: p}
}

// HandleTick checks every PENDING invoice whose rate lock is still
// valid (or just the one named in the payload). Per-invoice failures
// are isolated; the tick itself fails only when every check failed.
func (h *PaymentWatchHandler) HandleTick(ctx context.Context, raw json.RawMessage) error {
	var p domain.PaymentWatchPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad payment_watch_tick payload: %w", err)
		}
	}

	now := time.Now()
	invoices, err := h.targets(ctx, p, now)
	if err != nil {
		return err
	}
	if len(invoices) == 0 {
		return nil
	}

	slog.Info("Checking pending invoices", "count", len(invoices))

	var errs []error
	settled := 0
	for _, inv := range invoices {
		if err := h.check(ctx, inv.ID, &settled); err != nil {
			slog.Warn("Invoice check failed", "invoiceID", inv.ID, "error", err)
			errs = append(errs, fmt.Errorf("invoice %s: %w", inv.ID, err))
		}
	}

	if len(errs) == len(invoices) {
		return fmt.Errorf("all %d invoice checks failed: %w", len(invoices), errors.Join(errs...))
	}
	slog.Info("Payment watch tick done", "checked", len(invoices), "settled", settled, "failed", len(errs))
	return nil
}

func (h *PaymentWatchHandler) targets(ctx context.Context, p domain.PaymentWatchPayload, now time.Time) ([]storage.Invoice, error) {
	if p.InvoiceID == "" {
		invoices, err := h.store.PendingInvoices(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending invoices: %w", err)
		}
		return invoices, nil
	}

	inv, err := h.store.InvoiceForProvision(ctx, p.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", p.InvoiceID, err)
	}
	if inv == nil || inv.Status != storage.InvoiceStatusPending || inv.RateLockedUntil.Before(now) {
		return nil, nil
	}
	return []storage.Invoice{*inv}, nil
}

func (h *PaymentWatchHandler) check(ctx context.Context, invoiceID string, settled *int) error {
	ok, err := h.detector.Settled(ctx, invoiceID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	*settled++
	return h.producer.EnqueueProvision(ctx, domain.ProvisionPayload{InvoiceID: invoiceID})
}
