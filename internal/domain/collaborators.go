package domain

import "context"

// Messenger defines the contract for the outbound support messaging
// collaborator (a Telegram chat in production). The network call is
// fallible; a non-2xx response must surface as an error so the job is
// retried.
type Messenger interface {
	// Configured reports whether delivery is possible. Handlers treat
	// an unconfigured messenger as a no-op, not a failure.
	Configured() bool

	// SendSupport posts a message to the support chat.
	SendSupport(ctx context.Context, text string) error
}

// UserNotifier delivers user-facing notifications. Delivery is
// pluggable with an explicit success/failure signal; the default
// implementation only logs.
type UserNotifier interface {
	Notify(ctx context.Context, userID, kind, message string) error
}

// PaymentDetector checks whether an invoice's payment has settled on
// the external payment network. The check must be idempotent and free
// of side effects on the invoice record; settlement transitions belong
// to the provisioning path.
type PaymentDetector interface {
	Settled(ctx context.Context, invoiceID string) (bool, error)
}
