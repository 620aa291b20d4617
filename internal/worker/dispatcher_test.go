package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/queue"
)

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return cancel
}

func TestDispatcher_RoutesByJobType(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	var mu sync.Mutex
	var seen []string

	d := NewDispatcher("q", broker)
	d.Register("a", func(_ context.Context, raw json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "a:"+string(raw))
		return nil
	})
	d.Register("b", func(_ context.Context, raw json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "b:"+string(raw))
		return nil
	})
	runDispatcher(t, d)

	ctx := context.Background()
	require.NoError(t, broker.Enqueue(ctx, domain.Job{ID: "j1", Queue: "q", Type: "a", Payload: []byte(`1`), MaxAttempts: 1}))
	require.NoError(t, broker.Enqueue(ctx, domain.Job{ID: "j2", Queue: "q", Type: "b", Payload: []byte(`2`), MaxAttempts: 1}))

	require.Eventually(t, func() bool {
		return len(broker.Completed("q")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"a:1", "b:2"}, seen)
}

func TestDispatcher_UnknownTypeIsAckedAsNoOp(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	d := NewDispatcher("q", broker)
	d.Register("known", func(context.Context, json.RawMessage) error {
		t.Error("handler for wrong type invoked")
		return nil
	})
	runDispatcher(t, d)

	job := domain.Job{ID: "j1", Queue: "q", Type: "mystery", Payload: []byte(`{}`), MaxAttempts: 3}
	require.NoError(t, broker.Enqueue(context.Background(), job))

	require.Eventually(t, func() bool {
		done := broker.Completed("q")
		return len(done) == 1 && done[0].ID == "j1"
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, broker.Failed("q"))
}

func TestDispatcher_FailuresRetryUntilTerminal(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	var mu sync.Mutex
	attempts := 0

	d := NewDispatcher("q", broker)
	d.Register("flaky", func(context.Context, json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("downstream unavailable")
	})
	runDispatcher(t, d)

	job := domain.Job{
		ID: "j1", Queue: "q", Type: "flaky", Payload: []byte(`{}`),
		MaxAttempts: 2,
		Backoff:     domain.Backoff{Kind: domain.BackoffNone},
	}
	require.NoError(t, broker.Enqueue(context.Background(), job))

	require.Eventually(t, func() bool {
		return len(broker.Failed("q")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := broker.Failed("q")[0]
	require.Equal(t, "j1", failed.Job.ID)
	require.Equal(t, 2, failed.Job.AttemptsMade)
	require.Contains(t, failed.Error, "downstream unavailable")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestDispatcher_RecoveryAfterRetry(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	var mu sync.Mutex
	attempts := 0

	d := NewDispatcher("q", broker)
	d.Register("flaky", func(context.Context, json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})
	runDispatcher(t, d)

	job := domain.Job{
		ID: "j1", Queue: "q", Type: "flaky", Payload: []byte(`{}`),
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffNone},
	}
	require.NoError(t, broker.Enqueue(context.Background(), job))

	require.Eventually(t, func() bool {
		return len(broker.Completed("q")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, broker.Failed("q"))
}
