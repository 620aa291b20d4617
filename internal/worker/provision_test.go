package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/queue"
	"github.com/nexavpn/worker/internal/platform/storage"
	"github.com/nexavpn/worker/internal/producer"
)

func provisionPayload(t *testing.T, invoiceID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(domain.ProvisionPayload{InvoiceID: invoiceID})
	require.NoError(t, err)
	return raw
}

func seedPaidInvoice(store *storage.Memory, invoiceID string, durationDays int) {
	store.PutUser(storage.User{ID: "u_1"})
	store.PutPlan(storage.Plan{ID: "p_1", Name: "Pro", DurationDays: durationDays})
	store.PutInvoice(storage.Invoice{
		ID:              invoiceID,
		UserID:          "u_1",
		PlanID:          "p_1",
		Status:          storage.InvoiceStatusPending,
		RateLockedUntil: time.Now().Add(30 * time.Minute),
	})
	store.PutPayment(storage.Payment{ID: "pay_1", InvoiceID: invoiceID, Status: storage.PaymentStatusSettled})
}

func TestProvision_CreatesSubscriptionAndMarksPaid(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))

	inv, ok := store.GetInvoice("inv_1")
	require.True(t, ok)
	require.Equal(t, storage.InvoiceStatusPaid, inv.Status)

	subs := store.SubscriptionsFor("u_1", "p_1")
	require.Len(t, subs, 1)
	require.Equal(t, storage.SubscriptionStatusActive, subs[0].Status)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), subs[0].ExpiresAt, time.Minute)

	// Activation notice enqueued for the user.
	require.Equal(t, 1, broker.Pending(domain.QueueNotify))
}

func TestProvision_RedeliveryIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))

	inv, _ := store.GetInvoice("inv_1")
	require.Equal(t, storage.InvoiceStatusPaid, inv.Status)

	subs := store.SubscriptionsFor("u_1", "p_1")
	require.Len(t, subs, 1)
	// One period, not two: expires ~now+30d, never now+60d.
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), subs[0].ExpiresAt, time.Minute)
}

func TestProvision_StacksOntoActiveSubscription(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	currentExpiry := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	store.PutSubscription(storage.Subscription{
		ID:        "sub_1",
		UserID:    "u_1",
		PlanID:    "p_1",
		Status:    storage.SubscriptionStatusActive,
		StartedAt: time.Now().Add(-20 * 24 * time.Hour),
		ExpiresAt: currentExpiry,
	})

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))

	subs := store.SubscriptionsFor("u_1", "p_1")
	require.Len(t, subs, 1)
	require.Equal(t, "sub_1", subs[0].ID)
	require.Equal(t, currentExpiry.Add(30*24*time.Hour), subs[0].ExpiresAt)
}

func TestProvision_ReactivatesLapsedSubscription(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	store.PutSubscription(storage.Subscription{
		ID:        "sub_1",
		UserID:    "u_1",
		PlanID:    "p_1",
		Status:    storage.SubscriptionStatusActive,
		StartedAt: time.Now().Add(-40 * 24 * time.Hour),
		ExpiresAt: time.Now().Add(-5 * 24 * time.Hour),
	})

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))

	subs := store.SubscriptionsFor("u_1", "p_1")
	require.Len(t, subs, 1)
	require.Equal(t, storage.SubscriptionStatusActive, subs[0].Status)
	require.WithinDuration(t, time.Now(), subs[0].StartedAt, time.Minute)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), subs[0].ExpiresAt, time.Minute)
}

func TestProvision_NoSettledPaymentLeavesStateUntouched(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)
	store.PutPayment(storage.Payment{ID: "pay_1", InvoiceID: "inv_1", Status: storage.PaymentStatusPending})

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))

	inv, _ := store.GetInvoice("inv_1")
	require.Equal(t, storage.InvoiceStatusPending, inv.Status)
	require.Empty(t, store.SubscriptionsFor("u_1", "p_1"))
	require.Zero(t, broker.Pending(domain.QueueNotify))
}

func TestProvision_MissingInvoiceIsNoOp(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_missing")))
	require.Zero(t, broker.Pending(domain.QueueNotify))
}

func TestProvision_AlreadyPaidIsNoOp(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	inv, _ := store.GetInvoice("inv_1")
	inv.Status = storage.InvoiceStatusPaid
	store.PutInvoice(inv)

	h := NewProvisionHandler(store, producer.New(broker))
	require.NoError(t, h.Handle(context.Background(), provisionPayload(t, "inv_1")))
	require.Empty(t, store.SubscriptionsFor("u_1", "p_1"))
}

func TestProvision_ConcurrentInvocationsProvisionOnce(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	seedPaidInvoice(store, "inv_1", 30)

	h := NewProvisionHandler(store, producer.New(broker))

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- h.Handle(context.Background(), provisionPayload(t, "inv_1"))
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	subs := store.SubscriptionsFor("u_1", "p_1")
	require.Len(t, subs, 1)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), subs[0].ExpiresAt, time.Minute)
}

func TestProvision_BadPayloadFails(t *testing.T) {
	store := storage.NewMemory()
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	h := NewProvisionHandler(store, producer.New(broker))
	require.Error(t, h.Handle(context.Background(), json.RawMessage(`{`)))
	require.Error(t, h.Handle(context.Background(), json.RawMessage(`{}`)))
}
