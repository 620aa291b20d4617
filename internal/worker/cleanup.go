package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexavpn/worker/internal/platform/storage"
)

// CleanupHandler runs the hourly retention tick: four independent
// sweeps against the data store. A failing sweep never blocks the
// others; the tick fails only when every sweep failed.
type CleanupHandler struct {
	store storage.Store
}

func NewCleanupHandler(store storage.Store) *CleanupHandler {
	return &CleanupHandler{store: store}
}

func (h *CleanupHandler) HandleTick(ctx context.Context, _ json.RawMessage) error {
	now := time.Now()

	sweeps := []struct {
		name string
		run  func() (int64, error)
	}{
		{"expired sessions", func() (int64, error) {
			return h.store.DeleteExpiredSessions(ctx, now)
		}},
		{"stale idempotency keys", func() (int64, error) {
			return h.store.DeleteStaleIdempotencyKeys(ctx, now.Add(-storage.IdempotencyKeyRetention))
		}},
		{"lapsed subscriptions", func() (int64, error) {
			return h.store.ExpireLapsedSubscriptions(ctx, now)
		}},
		{"lapsed invoices", func() (int64, error) {
			return h.store.ExpireLapsedInvoices(ctx, now)
		}},
	}

	var errs []error
	for _, s := range sweeps {
		n, err := s.run()
		if err != nil {
			slog.Error("Retention sweep failed", "sweep", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		slog.Info("Retention sweep done", "sweep", s.name, "affected", n)
	}

	if len(errs) == len(sweeps) {
		return fmt.Errorf("all retention sweeps failed: %w", errors.Join(errs...))
	}
	return nil
}
