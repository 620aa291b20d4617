package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// GormStore implements Store on Postgres via gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*GormStore, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(
		&User{},
		&Plan{},
		&Invoice{},
		&Payment{},
		&Subscription{},
		&Ticket{},
		&TicketMessage{},
		&Session{},
		&IdempotencyKey{},
	); err != nil {
		return nil, err
	}

	// Sweep and lookup paths used by the handlers.
	stmts := []string{
		`create index if not exists idx_invoices_pending_lock on invoices(status, rate_locked_until);`,
		`create index if not exists idx_subscriptions_active_expiry on subscriptions(status, expires_at);`,
		`create index if not exists idx_subscriptions_user_plan on subscriptions(user_id, plan_id, status);`,
		`create index if not exists idx_ticket_messages_latest on ticket_messages(ticket_id, created_at desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return nil, err
		}
	}

	return &GormStore{db: gdb}, nil
}

func (s *GormStore) TicketForNotify(ctx context.Context, ticketID string) (*Ticket, error) {
	var t Ticket
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at desc").Limit(1)
		}).
		First(&t, "id = ?", ticketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) PendingInvoices(ctx context.Context, now time.Time) ([]Invoice, error) {
	var invoices []Invoice
	err := s.db.WithContext(ctx).
		Where("status = ? AND rate_locked_until >= ?", InvoiceStatusPending, now).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *GormStore) InvoiceForProvision(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	err := s.db.WithContext(ctx).
		Preload("Plan").
		Preload("User").
		Preload("Payments").
		First(&inv, "id = ?", invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ClaimInvoicePaid relies on the conditional WHERE status='PENDING':
// of any number of concurrent claimers exactly one sees RowsAffected=1.
func (s *GormStore) ClaimInvoicePaid(ctx context.Context, invoiceID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Invoice{}).
		Where("id = ? AND status = ?", invoiceID, InvoiceStatusPending).
		Updates(map[string]any{"status": InvoiceStatusPaid, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ActiveSubscription(ctx context.Context, userID, planID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, SubscriptionStatusActive).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	return s.db.WithContext(ctx).Save(sub).Error
}

func (s *GormStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&Session{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteStaleIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&IdempotencyKey{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("status = ? AND expires_at < ?", SubscriptionStatusActive, now).
		Updates(map[string]any{"status": SubscriptionStatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (s *GormStore) ExpireLapsedInvoices(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Invoice{}).
		Where("status = ? AND rate_locked_until < ?", InvoiceStatusPending, now).
		Updates(map[string]any{"status": InvoiceStatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
