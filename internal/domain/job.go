package domain

import (
	"encoding/json"
	"time"
)

// Queue names. Each queue is bound to exactly one dispatcher in the
// worker process.
const (
	QueueNotify           = "notify"
	QueuePaymentWatch     = "payment_watch"
	QueueProvision        = "provision"
	QueueRetentionCleanup = "retention_cleanup"
)

// Job type names, routed within their queue by the dispatcher.
const (
	JobNotifySupport         = "notify_support"
	JobNotifyUser            = "notify_user"
	JobPaymentWatchTick      = "payment_watch_tick"
	JobProvisionSubscription = "provision_subscription"
	JobRetentionCleanupTick  = "retention_cleanup_tick"
)

// Queues lists every known queue, in no particular order.
func Queues() []string {
	return []string{QueueNotify, QueuePaymentWatch, QueueProvision, QueueRetentionCleanup}
}

// BackoffKind selects the retry delay strategy for a job.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff describes how retry delays grow between attempts.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Retention controls how many terminal job records the broker keeps
// per queue before trimming the oldest.
type Retention struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job is a unit of background work submitted to the broker.
// Payload is opaque to the queueing layer; handlers unmarshal it.
type Job struct {
	// ID identifies the job. When DedupID is set it doubles as the
	// deduplication key: the broker collapses a second enqueue with
	// the same DedupID while the first is still pending or active.
	ID      string `json:"id"`
	DedupID string `json:"dedup_id,omitempty"`

	Queue string `json:"queue"`
	Type  string `json:"type"`

	Payload json.RawMessage `json:"payload"`

	// AttemptsMade counts finished executions. A job whose execution
	// fails with AttemptsMade+1 >= MaxAttempts is terminally failed.
	AttemptsMade int `json:"attempts_made"`
	MaxAttempts  int `json:"max_attempts"`

	Backoff   Backoff   `json:"backoff"`
	Retention Retention `json:"retention"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a single at-least-once delivery of a job to a consumer.
// Tag is the broker-internal receipt (e.g. a Redis stream entry ID)
// needed to acknowledge or fail the delivery.
type Delivery struct {
	Job Job
	Tag string
}

// RepeatSchedule arms a fixed-interval repeating job. Registering an
// identical schedule twice must not create a second repeater; the
// broker re-arms the next occurrence after each firing. The policy
// fields are stamped onto every job the schedule emits.
type RepeatSchedule struct {
	Queue    string        `json:"queue"`
	Type     string        `json:"type"`
	Interval time.Duration `json:"interval"`

	MaxAttempts int       `json:"max_attempts"`
	Backoff     Backoff   `json:"backoff"`
	Retention   Retention `json:"retention"`
}

// Support notification kinds.
const (
	KindNewTicket  = "NEW_TICKET"
	KindNewMessage = "NEW_MESSAGE"
)

// User notification kinds.
const (
	KindSubscriptionActivated = "SUBSCRIPTION_ACTIVATED"
)

// NotifySupportPayload asks the notify queue to alert the support chat
// about a ticket.
type NotifySupportPayload struct {
	TicketID string `json:"ticketId"`
	Kind     string `json:"kind"`
}

// NotifyUserPayload carries a user-facing notification.
type NotifyUserPayload struct {
	UserID  string `json:"userId"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PaymentWatchPayload optionally narrows a watch tick to one invoice.
type PaymentWatchPayload struct {
	InvoiceID string `json:"invoiceId,omitempty"`
}

// ProvisionPayload identifies the invoice to provision.
type ProvisionPayload struct {
	InvoiceID string `json:"invoiceId"`
}
