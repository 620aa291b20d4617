// Package producer is the typed enqueue API consumed by the HTTP layer
// and by handlers that emit follow-up jobs. Each job type carries a
// fixed retry/backoff/dedup/retention policy.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexavpn/worker/internal/domain"
)

// Policy is the per-job-type queueing policy.
type Policy struct {
	Queue       string
	MaxAttempts int
	Backoff     domain.Backoff
	Retention   domain.Retention
}

var policies = map[string]Policy{
	domain.JobNotifySupport: {
		Queue:       domain.QueueNotify,
		MaxAttempts: 5,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 2 * time.Second},
		Retention:   domain.Retention{Completed: 2000, Failed: 5000},
	},
	domain.JobNotifyUser: {
		Queue:       domain.QueueNotify,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 2 * time.Second},
		Retention:   domain.Retention{Completed: 2000, Failed: 5000},
	},
	domain.JobPaymentWatchTick: {
		Queue:       domain.QueuePaymentWatch,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 5 * time.Second},
		Retention:   domain.Retention{Completed: 1000, Failed: 3000},
	},
	domain.JobProvisionSubscription: {
		Queue:       domain.QueueProvision,
		MaxAttempts: 5,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 3 * time.Second},
		Retention:   domain.Retention{Completed: 5000, Failed: 10000},
	},
	domain.JobRetentionCleanupTick: {
		Queue:       domain.QueueRetentionCleanup,
		MaxAttempts: 1,
		Backoff:     domain.Backoff{Kind: domain.BackoffNone},
		Retention:   domain.Retention{Completed: 100, Failed: 500},
	},
}

// PolicyFor returns the queueing policy of a job type.
func PolicyFor(jobType string) (Policy, bool) {
	p, ok := policies[jobType]
	return p, ok
}

// ProvisionDedupID derives the stable provisioning job identity for an
// invoice: two enqueues for the same invoice collapse into at most one
// pending/active job.
func ProvisionDedupID(invoiceID string) string {
	return "provision_" + invoiceID
}

// Producer submits typed jobs to the broker. Enqueue failures
// propagate to the caller and are never retried here.
type Producer struct {
	broker domain.Broker
}

func New(broker domain.Broker) *Producer {
	return &Producer{broker: broker}
}

func (p *Producer) EnqueueNotifySupport(ctx context.Context, payload domain.NotifySupportPayload) error {
	return p.enqueue(ctx, domain.JobNotifySupport, payload, "")
}

func (p *Producer) EnqueueNotifyUser(ctx context.Context, payload domain.NotifyUserPayload) error {
	return p.enqueue(ctx, domain.JobNotifyUser, payload, "")
}

func (p *Producer) EnqueuePaymentWatch(ctx context.Context, payload domain.PaymentWatchPayload) error {
	return p.enqueue(ctx, domain.JobPaymentWatchTick, payload, "")
}

func (p *Producer) EnqueueProvision(ctx context.Context, payload domain.ProvisionPayload) error {
	if payload.InvoiceID == "" {
		return fmt.Errorf("provision enqueue requires an invoice ID")
	}
	return p.enqueue(ctx, domain.JobProvisionSubscription, payload, ProvisionDedupID(payload.InvoiceID))
}

func (p *Producer) EnqueueRetentionCleanup(ctx context.Context) error {
	return p.enqueue(ctx, domain.JobRetentionCleanupTick, struct{}{}, "")
}

func (p *Producer) enqueue(ctx context.Context, jobType string, payload any, dedupID string) error {
	policy, ok := policies[jobType]
	if !ok {
		return fmt.Errorf("unknown job type %q", jobType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	job := domain.Job{
		ID:          uuid.New().String(),
		DedupID:     dedupID,
		Queue:       policy.Queue,
		Type:        jobType,
		Payload:     data,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		Retention:   policy.Retention,
		EnqueuedAt:  time.Now(),
	}
	if dedupID != "" {
		job.ID = dedupID
	}

	if err := p.broker.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}
	return nil
}
