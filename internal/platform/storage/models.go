package storage

import "time"

// Record statuses, mirroring the values written by the API layer.
const (
	InvoiceStatusPending   = "PENDING"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusExpired   = "EXPIRED"
	InvoiceStatusCancelled = "CANCELLED"

	PaymentStatusPending = "PENDING"
	PaymentStatusSettled = "SETTLED"
	PaymentStatusFailed  = "FAILED"

	SubscriptionStatusActive    = "ACTIVE"
	SubscriptionStatusExpired   = "EXPIRED"
	SubscriptionStatusCancelled = "CANCELLED"

	TicketStatusOpen   = "OPEN"
	TicketStatusClosed = "CLOSED"
)

// IdempotencyKeyRetention is how long idempotency-key records are kept
// before the retention sweep purges them.
const IdempotencyKeyRetention = 90 * 24 * time.Hour

type User struct {
	ID    string  `gorm:"primaryKey;type:text"`
	Email *string `gorm:"uniqueIndex"`
	Phone *string

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type Plan struct {
	ID           string `gorm:"primaryKey;type:text"`
	Name         string `gorm:"not null"`
	DurationDays int    `gorm:"not null"`
	PriceCents   int64  `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type Invoice struct {
	ID     string `gorm:"primaryKey;type:text"`
	UserID string `gorm:"index;not null"`
	PlanID string `gorm:"not null"`

	Status          string    `gorm:"index;not null;default:'PENDING'"`
	AmountCents     int64     `gorm:"not null;default:0"`
	RateLockedUntil time.Time `gorm:"index;not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	User     *User     `gorm:"foreignKey:UserID"`
	Plan     *Plan     `gorm:"foreignKey:PlanID"`
	Payments []Payment `gorm:"foreignKey:InvoiceID"`
}

type Payment struct {
	ID        string  `gorm:"primaryKey;type:text"`
	InvoiceID string  `gorm:"index;not null"`
	Status    string  `gorm:"index;not null;default:'PENDING'"`
	TxID      *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type Subscription struct {
	ID     string `gorm:"primaryKey;type:text"`
	UserID string `gorm:"index;not null"`
	PlanID string `gorm:"index;not null"`

	Status    string    `gorm:"index;not null;default:'ACTIVE'"`
	StartedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type Ticket struct {
	ID      string  `gorm:"primaryKey;type:text"`
	UserID  *string `gorm:"index"`
	Subject string  `gorm:"not null"`
	Status  string  `gorm:"index;not null;default:'OPEN'"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	User     *User           `gorm:"foreignKey:UserID"`
	Messages []TicketMessage `gorm:"foreignKey:TicketID"`
}

type TicketMessage struct {
	ID       string `gorm:"primaryKey;type:text"`
	TicketID string `gorm:"index;not null"`
	Body     string `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"index;not null"`
}

type Session struct {
	ID     string `gorm:"primaryKey;type:text"`
	UserID string `gorm:"index;not null"`

	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type IdempotencyKey struct {
	Key   string `gorm:"primaryKey;type:text"`
	Scope string `gorm:"not null;default:''"`

	CreatedAt time.Time `gorm:"index;not null"`
}
