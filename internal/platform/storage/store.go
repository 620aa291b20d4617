package storage

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the job handlers.
// Records are owned by the external data layer: every read must
// tolerate the record being absent, and every state-dependent write is
// conditional so concurrent mutation by another handler invocation or
// by the HTTP layer cannot produce duplicate effects.
//
// Lookups return (nil, nil) when the record does not exist; handlers
// treat that as a business no-op, not an error.
type Store interface {
	// TicketForNotify loads a ticket with its owning user and most
	// recent message.
	TicketForNotify(ctx context.Context, ticketID string) (*Ticket, error)

	// PendingInvoices lists PENDING invoices whose rate lock has not
	// yet expired at now.
	PendingInvoices(ctx context.Context, now time.Time) ([]Invoice, error)

	// InvoiceForProvision loads an invoice with its plan, user and
	// payments.
	InvoiceForProvision(ctx context.Context, invoiceID string) (*Invoice, error)

	// ClaimInvoicePaid transitions the invoice PENDING -> PAID as a
	// compare-and-swap. It reports whether this caller won the claim;
	// false means the invoice was already paid, expired or absent.
	ClaimInvoicePaid(ctx context.Context, invoiceID string, now time.Time) (bool, error)

	// ActiveSubscription finds the ACTIVE subscription for (user,
	// plan), expired-by-time or not.
	ActiveSubscription(ctx context.Context, userID, planID string) (*Subscription, error)

	// SaveSubscription creates the subscription or updates it in
	// place by primary key.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// Retention sweeps. Each is a bulk conditional operation returning
	// the number of affected rows.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteStaleIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ExpireLapsedInvoices(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
