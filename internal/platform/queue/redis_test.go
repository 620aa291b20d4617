package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nexavpn/worker/internal/domain"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	srv := miniredis.RunT(t)
	broker, err := NewRedisBroker(srv.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })
	return broker
}

// firstDelivery pulls the single stream entry into a Delivery without
// going through the Subscribe loop.
func firstDelivery(t *testing.T, r *RedisBroker, queue string, job domain.Job) domain.Delivery {
	t.Helper()
	ctx := context.Background()
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey(queue), r.group, "0").Err()
	require.NoError(t, err)

	msgs, err := r.client.XRange(ctx, r.streamKey(queue), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return domain.Delivery{Job: job, Tag: msgs[0].ID}
}

func TestRedisBroker_EnqueueDedupCollapses(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	job := newJob("j1", "dedup_1")
	require.NoError(t, r.Enqueue(ctx, job))
	require.NoError(t, r.Enqueue(ctx, job))

	n, err := r.client.XLen(ctx, r.streamKey("q")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, int64(1), r.client.Exists(ctx, r.dedupKey("q", "dedup_1")).Val())
}

func TestRedisBroker_FailSchedulesRetryAndKeepsDedup(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	job := newJob("j1", "dedup_1")
	job.Backoff = domain.Backoff{Kind: domain.BackoffExponential, Delay: 2 * time.Second}
	require.NoError(t, r.Enqueue(ctx, job))
	d := firstDelivery(t, r, "q", job)

	require.NoError(t, r.Fail(ctx, d, errors.New("downstream unavailable")))

	// The retry is durably in the delayed set, attempts advanced.
	members, err := r.client.ZRange(ctx, r.delayedKey("q"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	var retried domain.Job
	require.NoError(t, json.Unmarshal([]byte(members[0]), &retried))
	require.Equal(t, "j1", retried.ID)
	require.Equal(t, 1, retried.AttemptsMade)

	// Still active: no terminal record, dedup identity still held.
	require.Equal(t, int64(0), r.client.LLen(ctx, r.failedKey("q")).Val())
	require.Equal(t, int64(1), r.client.Exists(ctx, r.dedupKey("q", "dedup_1")).Val())
}

func TestRedisBroker_TerminalFailRecordsAndReleasesDedup(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	job := newJob("j1", "dedup_1")
	job.MaxAttempts = 1
	require.NoError(t, r.Enqueue(ctx, job))
	d := firstDelivery(t, r, "q", job)

	require.NoError(t, r.Fail(ctx, d, errors.New("boom")))

	require.Equal(t, int64(0), r.client.ZCard(ctx, r.delayedKey("q")).Val())
	require.Equal(t, int64(1), r.client.LLen(ctx, r.failedKey("q")).Val())

	// The identity is free again, so the invoice (or whatever owns the
	// dedup key) can be re-enqueued.
	require.Equal(t, int64(0), r.client.Exists(ctx, r.dedupKey("q", "dedup_1")).Val())
	require.NoError(t, r.Enqueue(ctx, newJob("j1", "dedup_1")))
	require.Equal(t, int64(2), r.client.XLen(ctx, r.streamKey("q")).Val())
}

func TestRedisBroker_AckRecordsAndReleasesDedup(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	job := newJob("j1", "dedup_1")
	require.NoError(t, r.Enqueue(ctx, job))
	d := firstDelivery(t, r, "q", job)

	require.NoError(t, r.Ack(ctx, d))

	require.Equal(t, int64(1), r.client.LLen(ctx, r.doneKey("q")).Val())
	require.Equal(t, int64(0), r.client.Exists(ctx, r.dedupKey("q", "dedup_1")).Val())
}

func TestRedisBroker_EnsureRepeatUpdatesScheduleInPlace(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	schedule := domain.RepeatSchedule{
		Queue:       "q",
		Type:        "tick",
		Interval:    30 * time.Second,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 5 * time.Second},
	}
	require.NoError(t, r.EnsureRepeat(ctx, schedule))

	// A changed interval must replace the schedule, not fire alongside it.
	schedule.Interval = time.Hour
	require.NoError(t, r.EnsureRepeat(ctx, schedule))

	require.Equal(t, int64(1), r.client.ZCard(ctx, r.repeatKey("q")).Val())

	raw, err := r.client.HGet(ctx, r.repeatSpecKey("q"), "tick").Result()
	require.NoError(t, err)
	var stored domain.RepeatSchedule
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Equal(t, time.Hour, stored.Interval)
}

func TestRedisBroker_FireRepeatsClaimsAndRearms(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	schedule := domain.RepeatSchedule{
		Queue:       "q",
		Type:        "tick",
		Interval:    time.Hour,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: 5 * time.Second},
		Retention:   domain.Retention{Completed: 100, Failed: 100},
	}
	require.NoError(t, r.EnsureRepeat(ctx, schedule))

	// Force the schedule due.
	require.NoError(t, r.client.ZAdd(ctx, r.repeatKey("q"), redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "tick",
	}).Err())

	require.NoError(t, r.fireRepeats(ctx, "q"))

	msgs, err := r.client.XRange(ctx, r.streamKey("q"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	tick, ok := decodeJob(msgs[0])
	require.True(t, ok)
	require.Equal(t, "tick", tick.Type)
	require.Equal(t, 3, tick.MaxAttempts)

	// Re-armed for the next occurrence, so an immediate second pass
	// (another promoter in another process) emits nothing.
	score, err := r.client.ZScore(ctx, r.repeatKey("q"), "tick").Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(time.Now().UnixMilli()))

	require.NoError(t, r.fireRepeats(ctx, "q"))
	require.Equal(t, int64(1), r.client.XLen(ctx, r.streamKey("q")).Val())
}

func TestRedisBroker_FireRepeatsDropsStaleMember(t *testing.T) {
	r := newTestBroker(t)
	ctx := context.Background()

	// A due member with no schedule body behind it must not emit and
	// must not be re-armed.
	require.NoError(t, r.client.ZAdd(ctx, r.repeatKey("q"), redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "ghost",
	}).Err())

	require.NoError(t, r.fireRepeats(ctx, "q"))

	require.Equal(t, int64(0), r.client.XLen(ctx, r.streamKey("q")).Val())
	require.Equal(t, int64(0), r.client.ZCard(ctx, r.repeatKey("q")).Val())
}
