package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexavpn/worker/internal/platform/storage"
)

// brokenStore overrides selected sweeps with failures.
type brokenStore struct {
	storage.Store
	sessionsErr error
	idemErr     error
	subsErr     error
	invoicesErr error
}

func (b *brokenStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	if b.sessionsErr != nil {
		return 0, b.sessionsErr
	}
	return b.Store.DeleteExpiredSessions(ctx, now)
}

func (b *brokenStore) DeleteStaleIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	if b.idemErr != nil {
		return 0, b.idemErr
	}
	return b.Store.DeleteStaleIdempotencyKeys(ctx, cutoff)
}

func (b *brokenStore) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	if b.subsErr != nil {
		return 0, b.subsErr
	}
	return b.Store.ExpireLapsedSubscriptions(ctx, now)
}

func (b *brokenStore) ExpireLapsedInvoices(ctx context.Context, now time.Time) (int64, error) {
	if b.invoicesErr != nil {
		return 0, b.invoicesErr
	}
	return b.Store.ExpireLapsedInvoices(ctx, now)
}

func TestCleanup_SweepsExpiredRecords(t *testing.T) {
	store := storage.NewMemory()

	for _, s := range []storage.Session{
		{ID: "s_1", UserID: "u_1", ExpiresAt: time.Now().Add(-time.Hour)},
		{ID: "s_2", UserID: "u_1", ExpiresAt: time.Now().Add(-time.Minute)},
		{ID: "s_3", UserID: "u_2", ExpiresAt: time.Now().Add(-time.Second)},
		{ID: "s_4", UserID: "u_2", ExpiresAt: time.Now().Add(time.Hour)},
		{ID: "s_5", UserID: "u_3", ExpiresAt: time.Now().Add(24 * time.Hour)},
	} {
		store.PutSession(s)
	}

	store.PutIdempotencyKey(storage.IdempotencyKey{Key: "old", CreatedAt: time.Now().Add(-100 * 24 * time.Hour)})
	store.PutIdempotencyKey(storage.IdempotencyKey{Key: "young", CreatedAt: time.Now().Add(-24 * time.Hour)})

	store.PutSubscription(storage.Subscription{
		ID: "sub_lapsed", UserID: "u_1", PlanID: "p_1",
		Status: storage.SubscriptionStatusActive, ExpiresAt: time.Now().Add(-time.Hour),
	})
	store.PutSubscription(storage.Subscription{
		ID: "sub_live", UserID: "u_2", PlanID: "p_1",
		Status: storage.SubscriptionStatusActive, ExpiresAt: time.Now().Add(time.Hour),
	})

	store.PutInvoice(storage.Invoice{
		ID: "inv_lapsed", Status: storage.InvoiceStatusPending, RateLockedUntil: time.Now().Add(-time.Minute),
	})
	store.PutInvoice(storage.Invoice{
		ID: "inv_live", Status: storage.InvoiceStatusPending, RateLockedUntil: time.Now().Add(time.Hour),
	})

	h := NewCleanupHandler(store)
	require.NoError(t, h.HandleTick(context.Background(), nil))

	require.Equal(t, 2, store.SessionCount())
	require.Equal(t, 1, store.IdempotencyKeyCount())

	lapsed, _ := store.GetSubscription("sub_lapsed")
	require.Equal(t, storage.SubscriptionStatusExpired, lapsed.Status)
	live, _ := store.GetSubscription("sub_live")
	require.Equal(t, storage.SubscriptionStatusActive, live.Status)

	invLapsed, _ := store.GetInvoice("inv_lapsed")
	require.Equal(t, storage.InvoiceStatusExpired, invLapsed.Status)
	invLive, _ := store.GetInvoice("inv_live")
	require.Equal(t, storage.InvoiceStatusPending, invLive.Status)
}

func TestCleanup_EmptyStoreIsFine(t *testing.T) {
	h := NewCleanupHandler(storage.NewMemory())
	require.NoError(t, h.HandleTick(context.Background(), nil))
}

func TestCleanup_FailingSweepDoesNotBlockOthers(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutSubscription(storage.Subscription{
		ID: "sub_lapsed", UserID: "u_1", PlanID: "p_1",
		Status: storage.SubscriptionStatusActive, ExpiresAt: time.Now().Add(-time.Hour),
	})

	h := NewCleanupHandler(&brokenStore{Store: mem, sessionsErr: errors.New("db gone")})
	require.NoError(t, h.HandleTick(context.Background(), nil))

	lapsed, _ := mem.GetSubscription("sub_lapsed")
	require.Equal(t, storage.SubscriptionStatusExpired, lapsed.Status)
}

func TestCleanup_AllSweepsFailedFailsTick(t *testing.T) {
	cause := errors.New("db gone")
	h := NewCleanupHandler(&brokenStore{
		Store:       storage.NewMemory(),
		sessionsErr: cause,
		idemErr:     cause,
		subsErr:     cause,
		invoicesErr: cause,
	})

	err := h.HandleTick(context.Background(), nil)
	require.ErrorContains(t, err, "all retention sweeps failed")
}
