package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development.
// It honors the same conditional-update semantics as the Postgres
// implementation, including the PENDING->PAID compare-and-swap.
type Memory struct {
	mu sync.Mutex

	users          map[string]User
	plans          map[string]Plan
	invoices       map[string]Invoice
	payments       map[string]Payment
	subscriptions  map[string]Subscription
	tickets        map[string]Ticket
	ticketMessages map[string]TicketMessage
	sessions       map[string]Session
	idemKeys       map[string]IdempotencyKey
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:          make(map[string]User),
		plans:          make(map[string]Plan),
		invoices:       make(map[string]Invoice),
		payments:       make(map[string]Payment),
		subscriptions:  make(map[string]Subscription),
		tickets:        make(map[string]Ticket),
		ticketMessages: make(map[string]TicketMessage),
		sessions:       make(map[string]Session),
		idemKeys:       make(map[string]IdempotencyKey),
	}
}

// Seeding helpers.

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

func (m *Memory) PutInvoice(inv Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.Payments = nil
	inv.User = nil
	inv.Plan = nil
	m.invoices[inv.ID] = inv
}

func (m *Memory) PutPayment(p Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

func (m *Memory) PutSubscription(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s
}

func (m *Memory) PutTicket(t Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.User = nil
	t.Messages = nil
	m.tickets[t.ID] = t
}

func (m *Memory) PutTicketMessage(msg TicketMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticketMessages[msg.ID] = msg
}

func (m *Memory) PutSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Memory) PutIdempotencyKey(k IdempotencyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idemKeys[k.Key] = k
}

// Inspection helpers.

func (m *Memory) GetInvoice(id string) (Invoice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	return inv, ok
}

func (m *Memory) GetSubscription(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	return s, ok
}

func (m *Memory) SubscriptionsFor(userID, planID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subscriptions {
		if s.UserID == userID && s.PlanID == planID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) IdempotencyKeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idemKeys)
}

// Store implementation.

func (m *Memory) TicketForNotify(_ context.Context, ticketID string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, nil
	}
	if t.UserID != nil {
		if u, ok := m.users[*t.UserID]; ok {
			t.User = &u
		}
	}

	var latest *TicketMessage
	for _, msg := range m.ticketMessages {
		if msg.TicketID != ticketID {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			cp := msg
			latest = &cp
		}
	}
	if latest != nil {
		t.Messages = []TicketMessage{*latest}
	}
	return &t, nil
}

func (m *Memory) PendingInvoices(_ context.Context, now time.Time) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Invoice
	for _, inv := range m.invoices {
		if inv.Status == InvoiceStatusPending && !inv.RateLockedUntil.Before(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InvoiceForProvision(_ context.Context, invoiceID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, nil
	}
	if u, ok := m.users[inv.UserID]; ok {
		inv.User = &u
	}
	if p, ok := m.plans[inv.PlanID]; ok {
		inv.Plan = &p
	}
	for _, pay := range m.payments {
		if pay.InvoiceID == invoiceID {
			inv.Payments = append(inv.Payments, pay)
		}
	}
	return &inv, nil
}

func (m *Memory) ClaimInvoicePaid(_ context.Context, invoiceID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok || inv.Status != InvoiceStatusPending {
		return false, nil
	}
	inv.Status = InvoiceStatusPaid
	inv.UpdatedAt = now
	m.invoices[invoiceID] = inv
	return true, nil
}

func (m *Memory) ActiveSubscription(_ context.Context, userID, planID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subscriptions {
		if s.UserID == userID && s.PlanID == planID && s.Status == SubscriptionStatusActive {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteStaleIdempotencyKeys(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, k := range m.idemKeys {
		if k.CreatedAt.Before(cutoff) {
			delete(m.idemKeys, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireLapsedSubscriptions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.subscriptions {
		if s.Status == SubscriptionStatusActive && s.ExpiresAt.Before(now) {
			s.Status = SubscriptionStatusExpired
			s.UpdatedAt = now
			m.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireLapsedInvoices(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, inv := range m.invoices {
		if inv.Status == InvoiceStatusPending && inv.RateLockedUntil.Before(now) {
			inv.Status = InvoiceStatusExpired
			inv.UpdatedAt = now
			m.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
