package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the pending entry list of every queue for
// deliveries that stayed unacked past maxAge (a worker crashed or hung
// mid-job) and re-enqueues them for another delivery. Runs until ctx
// is cancelled.
func (r *RedisBroker) StartRecoveryRoutine(ctx context.Context, queues []string, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Unique consumer ID for the recovery agent
	consumerName := "recovery-agent"

	slog.Info("Starting recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				r.reclaimQueue(ctx, q, consumerName, maxAge)
			}
		}
	}
}

func (r *RedisBroker) reclaimQueue(ctx context.Context, queue, consumerName string, maxAge time.Duration) {
	start := "-"

	for {
		// XAUTOCLAIM finds messages pending for > maxAge and claims
		// them to the recovery agent.
		messages, nextStart, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.streamKey(queue),
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: consumerName,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Recovery routine failed", "queue", queue, "error", err)
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		slog.Info("Recovered stale deliveries", "queue", queue, "count", len(messages))

		// Re-enqueue the job before acking the stale entry; losing the
		// ack only means the entry is reclaimed again, while losing
		// the job would break at-least-once.
		for _, msg := range messages {
			job, ok := decodeJob(msg)
			if ok {
				if err := r.add(ctx, job); err != nil {
					slog.Error("Failed to re-enqueue stale job", "queue", queue, "jobID", job.ID, "error", err)
					continue
				}
				slog.Warn("Stale delivery re-enqueued", "queue", queue, "jobID", job.ID, "msgID", msg.ID)
			}
			r.client.XAck(ctx, r.streamKey(queue), r.group, msg.ID)
		}

		start = nextStart
		if start == "0-0" {
			return
		}
	}
}
