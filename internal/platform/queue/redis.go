package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexavpn/worker/internal/backoff"
	"github.com/nexavpn/worker/internal/domain"
)

// RedisBroker implements domain.Broker on Redis.
//
// Per queue it keeps:
//   - a stream (XADD/XREADGROUP/XACK) of ready jobs, consumed through
//     a consumer group for at-least-once delivery,
//   - a sorted set of delayed jobs (retries) scored by due time,
//   - a sorted set of repeating job types scored by next firing, with
//     the schedule bodies in a companion hash,
//   - capped lists of recently completed/failed job records,
//   - one string key per in-flight dedup ID.
//
// A promoter goroutine per subscribed queue moves due delayed jobs and
// due repeat firings into the stream.
type RedisBroker struct {
	client *redis.Client
	ns     string
	group  string
}

var _ domain.Broker = (*RedisBroker)(nil)

const promoteInterval = time.Second

// NewRedisBroker returns a Redis-backed broker adapter.
func NewRedisBroker(addr, namespace string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroker{
		client: rdb,
		ns:     namespace,
		group:  namespace + ":workers",
	}, nil
}

func (r *RedisBroker) streamKey(queue string) string  { return r.ns + ":" + queue + ":stream" }
func (r *RedisBroker) delayedKey(queue string) string { return r.ns + ":" + queue + ":delayed" }
func (r *RedisBroker) repeatKey(queue string) string  { return r.ns + ":" + queue + ":repeat" }
func (r *RedisBroker) repeatSpecKey(queue string) string {
	return r.ns + ":" + queue + ":repeat:spec"
}
func (r *RedisBroker) dedupKey(queue, id string) string {
	return r.ns + ":" + queue + ":dedup:" + id
}
func (r *RedisBroker) doneKey(queue string) string   { return r.ns + ":" + queue + ":completed" }
func (r *RedisBroker) failedKey(queue string) string { return r.ns + ":" + queue + ":failed" }
func (r *RedisBroker) eventsChannel() string         { return r.ns + ":events" }

// Enqueue submits a job to its queue's stream. When the job carries a
// dedup ID and another job with the same ID is still pending or
// active, the enqueue collapses into it and no new job is created.
func (r *RedisBroker) Enqueue(ctx context.Context, job domain.Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	if job.DedupID != "" {
		acquired, err := r.client.SetNX(ctx, r.dedupKey(job.Queue, job.DedupID), job.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("dedup check failed: %w", err)
		}
		if !acquired {
			slog.Debug("Duplicate enqueue collapsed", "queue", job.Queue, "dedupID", job.DedupID)
			return nil
		}
	}

	if err := r.add(ctx, job); err != nil {
		// The dedup key must not outlive a failed enqueue.
		if job.DedupID != "" {
			r.client.Del(ctx, r.dedupKey(job.Queue, job.DedupID))
		}
		return err
	}
	return nil
}

func (r *RedisBroker) add(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(job.Queue),
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of deliveries for one queue using
// XREADGROUP, and starts the promoter that feeds due delayed jobs and
// repeat firings into the stream.
func (r *RedisBroker) Subscribe(ctx context.Context, queue string) (<-chan domain.Delivery, error) {
	// Ensure the consumer group exists. MkStream guarantees the stream
	// exists even if empty.
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey(queue), r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	go r.promoteLoop(ctx, queue)

	outCh := make(chan domain.Delivery)

	consumerID, _ := os.Hostname()
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	go func() {
		defer close(outCh)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Block briefly instead of forever so ctx cancellation
				// is observed.
				streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
					Group:    r.group,
					Consumer: consumerID,
					Streams:  []string{r.streamKey(queue), ">"},
					Count:    1,
					Block:    2 * time.Second,
				}).Result()
				if err != nil {
					if err == redis.Nil {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					slog.Error("Redis read error", "queue", queue, "error", err)
					time.Sleep(time.Second)
					continue
				}

				for _, stream := range streams {
					for _, msg := range stream.Messages {
						job, ok := decodeJob(msg)
						if !ok {
							// Unparseable entries are acked away so they
							// cannot wedge the queue.
							r.client.XAck(ctx, r.streamKey(queue), r.group, msg.ID)
							continue
						}
						select {
						case outCh <- domain.Delivery{Job: job, Tag: msg.ID}:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, bool) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		slog.Error("Invalid message format", "msgID", msg.ID)
		return domain.Job{}, false
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		slog.Error("Failed to unmarshal job", "msgID", msg.ID, "error", err)
		return domain.Job{}, false
	}
	return job, true
}

// promoteLoop moves due delayed jobs and due repeat schedules into the
// queue's stream.
func (r *RedisBroker) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.promoteDelayed(ctx, queue); err != nil && ctx.Err() == nil {
				slog.Error("Delayed promotion failed", "queue", queue, "error", err)
			}
			if err := r.fireRepeats(ctx, queue); err != nil && ctx.Err() == nil {
				slog.Error("Repeat firing failed", "queue", queue, "error", err)
			}
		}
	}
}

func (r *RedisBroker) promoteDelayed(ctx context.Context, queue string) error {
	members, err := r.client.ZRangeByScore(ctx, r.delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", time.Now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		// ZREM before XADD: only the promoter that removes the member
		// re-enqueues it, so concurrent promoters never double-deliver.
		removed, err := r.client.ZRem(ctx, r.delayedKey(queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamKey(queue),
			Values: map[string]interface{}{"job": member},
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisBroker) fireRepeats(ctx context.Context, queue string) error {
	now := time.Now()
	due, err := r.client.ZRangeByScore(ctx, r.repeatKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}

	for _, jobType := range due {
		// ZREM is the cross-process claim, like promoteDelayed: of the
		// promoters in concurrently running workers, only the one that
		// removes the member fires this occurrence. A crash before the
		// re-arm below disarms the schedule until the next EnsureRepeat
		// at worker startup.
		removed, err := r.client.ZRem(ctx, r.repeatKey(queue), jobType).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		raw, err := r.client.HGet(ctx, r.repeatSpecKey(queue), jobType).Result()
		if err == redis.Nil {
			// Stale member with no schedule behind it; stays removed.
			continue
		}
		if err != nil {
			return err
		}
		var s domain.RepeatSchedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			slog.Error("Dropping unparseable repeat schedule", "queue", queue, "type", jobType, "error", err)
			r.client.HDel(ctx, r.repeatSpecKey(queue), jobType)
			continue
		}

		if err := r.client.ZAdd(ctx, r.repeatKey(queue), redis.Z{
			Score:  float64(now.Add(s.Interval).UnixMilli()),
			Member: jobType,
		}).Err(); err != nil {
			return err
		}

		tick := domain.Job{
			ID:          fmt.Sprintf("repeat:%s:%d", s.Type, now.UnixMilli()),
			Queue:       s.Queue,
			Type:        s.Type,
			Payload:     json.RawMessage(`{}`),
			MaxAttempts: s.MaxAttempts,
			Backoff:     s.Backoff,
			Retention:   s.Retention,
			EnqueuedAt:  now,
		}
		if err := r.add(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}

// Ack confirms processing: it records the job in the completed list,
// releases its dedup key and then acknowledges the delivery with XACK.
//
// Outcome state is written before the XACK, same order as the recovery
// routine: if the ack is lost the entry is reclaimed and the handler
// reruns (at-least-once), whereas acking first could strand the dedup
// key forever when the release after it is lost.
func (r *RedisBroker) Ack(ctx context.Context, d domain.Delivery) error {
	r.retire(ctx, d.Job, r.doneKey(d.Job.Queue), d.Job.Retention.Completed, "")
	r.publishEvent(ctx, domain.JobEvent{
		Queue:    d.Job.Queue,
		Type:     d.Job.Type,
		JobID:    d.Job.ID,
		Status:   domain.EventCompleted,
		Attempts: d.Job.AttemptsMade + 1,
		At:       time.Now(),
	})
	if err := r.client.XAck(ctx, r.streamKey(d.Job.Queue), r.group, d.Tag).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Fail reports a handler failure. With attempts remaining the job goes
// to the delayed set with its backoff delay; with attempts exhausted
// it is terminally failed, recorded and surfaced via log and event.
//
// The retry (or terminal record plus dedup release) is written BEFORE
// the XACK. Acking first opens a window where neither the pending-entry
// list nor the delayed set holds the job, so a crash there loses it for
// good; with this order a lost ack only means the recovery routine
// redelivers a job that is also scheduled for retry, which at-least-once
// already permits.
func (r *RedisBroker) Fail(ctx context.Context, d domain.Delivery, cause error) error {
	job := d.Job
	job.AttemptsMade++

	if job.AttemptsMade >= job.MaxAttempts {
		slog.Error("Job terminally failed",
			"queue", job.Queue, "type", job.Type, "jobID", job.ID,
			"attempts", job.AttemptsMade, "error", cause)
		r.retire(ctx, job, r.failedKey(job.Queue), job.Retention.Failed, cause.Error())
		r.publishEvent(ctx, domain.JobEvent{
			Queue:    job.Queue,
			Type:     job.Type,
			JobID:    job.ID,
			Status:   domain.EventFailed,
			Attempts: job.AttemptsMade,
			Error:    cause.Error(),
			At:       time.Now(),
		})
		if err := r.client.XAck(ctx, r.streamKey(job.Queue), r.group, d.Tag).Err(); err != nil {
			return fmt.Errorf("redis ack failed: %w", err)
		}
		return nil
	}

	delay := backoff.ForJob(job.Backoff).Delay(job.AttemptsMade)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.client.ZAdd(ctx, r.delayedKey(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		// Unacked, so the entry stays in the pending-entry list and the
		// recovery routine redelivers it after the processing timeout.
		return fmt.Errorf("redis retry schedule failed: %w", err)
	}

	slog.Warn("Job failed, retry scheduled",
		"queue", job.Queue, "type", job.Type, "jobID", job.ID,
		"attempt", job.AttemptsMade, "delay", delay, "error", cause)
	r.publishEvent(ctx, domain.JobEvent{
		Queue:    job.Queue,
		Type:     job.Type,
		JobID:    job.ID,
		Status:   domain.EventRetried,
		Attempts: job.AttemptsMade,
		Error:    cause.Error(),
		At:       time.Now(),
	})
	if err := r.client.XAck(ctx, r.streamKey(job.Queue), r.group, d.Tag).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// retiredJob is what the completed/failed retention lists hold.
type retiredJob struct {
	domain.Job
	Error     string    `json:"error,omitempty"`
	RetiredAt time.Time `json:"retired_at"`
}

func (r *RedisBroker) retire(ctx context.Context, job domain.Job, key string, keep int, cause string) {
	if job.DedupID != "" {
		r.client.Del(ctx, r.dedupKey(job.Queue, job.DedupID))
	}
	if keep <= 0 {
		return
	}
	data, err := json.Marshal(retiredJob{Job: job, Error: cause, RetiredAt: time.Now()})
	if err != nil {
		return
	}
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(keep)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to record retired job", "queue", job.Queue, "jobID", job.ID, "error", err)
	}
}

// EnsureRepeat registers a repeat schedule. The zset member is the job
// type alone, with the schedule body in a side hash: re-registering
// with a changed interval or policy updates the one existing schedule
// in place, and ZADD NX keeps the already-armed next firing.
func (r *RedisBroker) EnsureRepeat(ctx context.Context, s domain.RepeatSchedule) error {
	spec, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	if err := r.client.HSet(ctx, r.repeatSpecKey(s.Queue), s.Type, spec).Err(); err != nil {
		return fmt.Errorf("redis repeat registration failed: %w", err)
	}
	err = r.client.ZAddNX(ctx, r.repeatKey(s.Queue), redis.Z{
		Score:  float64(time.Now().Add(s.Interval).UnixMilli()),
		Member: s.Type,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis repeat registration failed: %w", err)
	}
	return nil
}

func (r *RedisBroker) publishEvent(ctx context.Context, ev domain.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Best-effort: the event feed is operator tooling, never a reason
	// to fail a job outcome.
	if err := r.client.Publish(ctx, r.eventsChannel(), data).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Failed to publish job event", "jobID", ev.JobID, "error", err)
	}
}

// SubscribeEvents streams job lifecycle events from all queues via
// Redis Pub/Sub.
func (r *RedisBroker) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.eventsChannel())

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.JobEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Error("Failed to unmarshal job event", "error", err)
					continue
				}
				select {
				case outCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}
