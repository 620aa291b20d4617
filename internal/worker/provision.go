package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/storage"
	"github.com/nexavpn/worker/internal/producer"
)

// ProvisionHandler activates or extends a subscription once an
// invoice's payment has settled. It must never double-charge or
// double-extend: the conditional PENDING->PAID claim on the invoice is
// the authoritative idempotence gate, so redelivered and concurrently
// executing jobs for the same invoice all collapse to one effect.
type ProvisionHandler struct {
	store    storage.Store
	producer *producer.Producer
}

func NewProvisionHandler(store storage.Store, p *producer.Producer) *ProvisionHandler {
	return &ProvisionHandler{store: store, producer: p}
}

func (h *ProvisionHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p domain.ProvisionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("bad provision_subscription payload: %w", err)
	}
	if p.InvoiceID == "" {
		return fmt.Errorf("provision_subscription payload has no invoice ID")
	}

	inv, err := h.store.InvoiceForProvision(ctx, p.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice %s: %w", p.InvoiceID, err)
	}
	if inv == nil {
		slog.Info("Invoice not found, skipping provision", "invoiceID", p.InvoiceID)
		return nil
	}

	if !hasSettledPayment(inv) {
		// Harmless under redelivery: the next attempt re-checks.
		slog.Info("No settled payment yet, skipping provision", "invoiceID", inv.ID)
		return nil
	}
	if inv.Status == storage.InvoiceStatusPaid {
		slog.Info("Invoice already paid, skipping provision", "invoiceID", inv.ID)
		return nil
	}
	if inv.Plan == nil {
		return fmt.Errorf("invoice %s references missing plan %s", inv.ID, inv.PlanID)
	}

	now := time.Now()

	// The claim must precede the subscription write: of any number of
	// concurrent invocations exactly one wins it, so losing means
	// another invocation owns provisioning.
	claimed, err := h.store.ClaimInvoicePaid(ctx, inv.ID, now)
	if err != nil {
		return fmt.Errorf("failed to claim invoice %s: %w", inv.ID, err)
	}
	if !claimed {
		slog.Info("Invoice claimed by a concurrent provision, skipping", "invoiceID", inv.ID)
		return nil
	}

	if err := h.applySubscription(ctx, inv, now); err != nil {
		return err
	}

	notify := domain.NotifyUserPayload{
		UserID:  inv.UserID,
		Kind:    domain.KindSubscriptionActivated,
		Message: fmt.Sprintf("Your %s subscription has been activated!", inv.Plan.Name),
	}
	if err := h.producer.EnqueueNotifyUser(ctx, notify); err != nil {
		// The subscription is committed; failing the job now would
		// only re-run a provision that no-ops on the PAID invoice.
		slog.Warn("Failed to enqueue activation notice", "invoiceID", inv.ID, "error", err)
	}

	slog.Info("Provision complete", "invoiceID", inv.ID, "userID", inv.UserID, "planID", inv.PlanID)
	return nil
}

func (h *ProvisionHandler) applySubscription(ctx context.Context, inv *storage.Invoice, now time.Time) error {
	duration := time.Duration(inv.Plan.DurationDays) * 24 * time.Hour

	sub, err := h.store.ActiveSubscription(ctx, inv.UserID, inv.PlanID)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}

	switch {
	case sub == nil:
		sub = &storage.Subscription{
			ID:        uuid.New().String(),
			UserID:    inv.UserID,
			PlanID:    inv.PlanID,
			Status:    storage.SubscriptionStatusActive,
			StartedAt: now,
			ExpiresAt: now.Add(duration),
			CreatedAt: now,
			UpdatedAt: now,
		}
		slog.Info("Creating subscription", "subscriptionID", sub.ID)

	case sub.ExpiresAt.After(now):
		// Still running: stack the new period onto the current expiry.
		sub.ExpiresAt = sub.ExpiresAt.Add(duration)
		sub.UpdatedAt = now
		slog.Info("Extending subscription", "subscriptionID", sub.ID, "expiresAt", sub.ExpiresAt)

	default:
		// Lapsed but not yet swept to EXPIRED: restart the period.
		sub.Status = storage.SubscriptionStatusActive
		sub.StartedAt = now
		sub.ExpiresAt = now.Add(duration)
		sub.UpdatedAt = now
		slog.Info("Reactivating subscription", "subscriptionID", sub.ID, "expiresAt", sub.ExpiresAt)
	}

	if err := h.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func hasSettledPayment(inv *storage.Invoice) bool {
	for _, p := range inv.Payments {
		if p.Status == storage.PaymentStatusSettled {
			return true
		}
	}
	return false
}
