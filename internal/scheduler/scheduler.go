// Package scheduler registers the fixed-interval repeating jobs at
// process startup. Ongoing firing and re-arming is the broker's
// responsibility; registration is idempotent, so restarting the worker
// never creates a second concurrent repeater.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/producer"
)

const (
	PaymentWatchInterval     = 30 * time.Second
	RetentionCleanupInterval = time.Hour
)

// Register arms the payment-watch and retention-cleanup ticks.
func Register(ctx context.Context, broker domain.Broker) error {
	schedules := []struct {
		jobType  string
		interval time.Duration
	}{
		{domain.JobPaymentWatchTick, PaymentWatchInterval},
		{domain.JobRetentionCleanupTick, RetentionCleanupInterval},
	}

	for _, s := range schedules {
		policy, ok := producer.PolicyFor(s.jobType)
		if !ok {
			return fmt.Errorf("no policy for job type %q", s.jobType)
		}
		err := broker.EnsureRepeat(ctx, domain.RepeatSchedule{
			Queue:       policy.Queue,
			Type:        s.jobType,
			Interval:    s.interval,
			MaxAttempts: policy.MaxAttempts,
			Backoff:     policy.Backoff,
			Retention:   policy.Retention,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s schedule: %w", s.jobType, err)
		}
		slog.Info("Repeating job registered", "type", s.jobType, "interval", s.interval)
	}
	return nil
}
