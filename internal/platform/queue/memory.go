package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexavpn/worker/internal/backoff"
	"github.com/nexavpn/worker/internal/domain"
)

// MemoryBroker is an in-process domain.Broker for tests and local
// development. It mirrors the Redis adapter's semantics: at-least-once
// delivery, dedup-key collapsing, backoff retries, terminal failure
// after MaxAttempts, idempotent repeat registration and a job event
// feed.
type MemoryBroker struct {
	mu sync.Mutex

	queues    map[string]chan domain.Delivery
	dedup     map[string]string
	repeats   map[string]domain.RepeatSchedule
	completed map[string][]domain.Job
	failed    map[string][]FailedJob

	subscribers []chan domain.JobEvent

	done   chan struct{}
	closed bool
}

// FailedJob is a terminally failed job with its final error.
type FailedJob struct {
	Job   domain.Job
	Error string
}

var _ domain.Broker = (*MemoryBroker)(nil)

const memoryQueueDepth = 1024

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:    make(map[string]chan domain.Delivery),
		dedup:     make(map[string]string),
		repeats:   make(map[string]domain.RepeatSchedule),
		completed: make(map[string][]domain.Job),
		failed:    make(map[string][]FailedJob),
		done:      make(chan struct{}),
	}
}

func (m *MemoryBroker) queueChan(queue string) chan domain.Delivery {
	if ch, ok := m.queues[queue]; ok {
		return ch
	}
	ch := make(chan domain.Delivery, memoryQueueDepth)
	m.queues[queue] = ch
	return ch
}

func (m *MemoryBroker) Enqueue(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker closed")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	if job.DedupID != "" {
		key := job.Queue + ":" + job.DedupID
		if _, held := m.dedup[key]; held {
			return nil
		}
		m.dedup[key] = job.ID
	}

	return m.deliverLocked(job)
}

func (m *MemoryBroker) deliverLocked(job domain.Job) error {
	select {
	case m.queueChan(job.Queue) <- domain.Delivery{Job: job, Tag: fmt.Sprintf("%s#%d", job.ID, job.AttemptsMade)}:
		return nil
	default:
		return fmt.Errorf("queue %s full", job.Queue)
	}
}

func (m *MemoryBroker) Subscribe(ctx context.Context, queue string) (<-chan domain.Delivery, error) {
	m.mu.Lock()
	src := m.queueChan(queue)
	m.mu.Unlock()

	outCh := make(chan domain.Delivery)
	go func() {
		defer close(outCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case d := <-src:
				select {
				case outCh <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

func (m *MemoryBroker) Ack(_ context.Context, d domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseDedupLocked(d.Job)
	records := append(m.completed[d.Job.Queue], d.Job)
	if keep := d.Job.Retention.Completed; keep > 0 && len(records) > keep {
		records = records[len(records)-keep:]
	}
	m.completed[d.Job.Queue] = records

	m.publishLocked(domain.JobEvent{
		Queue:    d.Job.Queue,
		Type:     d.Job.Type,
		JobID:    d.Job.ID,
		Status:   domain.EventCompleted,
		Attempts: d.Job.AttemptsMade + 1,
		At:       time.Now(),
	})
	return nil
}

func (m *MemoryBroker) Fail(_ context.Context, d domain.Delivery, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := d.Job
	job.AttemptsMade++

	if job.AttemptsMade >= job.MaxAttempts {
		m.releaseDedupLocked(job)
		records := append(m.failed[job.Queue], FailedJob{Job: job, Error: cause.Error()})
		if keep := job.Retention.Failed; keep > 0 && len(records) > keep {
			records = records[len(records)-keep:]
		}
		m.failed[job.Queue] = records

		m.publishLocked(domain.JobEvent{
			Queue:    job.Queue,
			Type:     job.Type,
			JobID:    job.ID,
			Status:   domain.EventFailed,
			Attempts: job.AttemptsMade,
			Error:    cause.Error(),
			At:       time.Now(),
		})
		return nil
	}

	delay := backoff.ForJob(job.Backoff).Delay(job.AttemptsMade)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		_ = m.deliverLocked(job)
	})

	m.publishLocked(domain.JobEvent{
		Queue:    job.Queue,
		Type:     job.Type,
		JobID:    job.ID,
		Status:   domain.EventRetried,
		Attempts: job.AttemptsMade,
		Error:    cause.Error(),
		At:       time.Now(),
	})
	return nil
}

func (m *MemoryBroker) releaseDedupLocked(job domain.Job) {
	if job.DedupID != "" {
		delete(m.dedup, job.Queue+":"+job.DedupID)
	}
}

// EnsureRepeat arms a repeating job. Re-registering the same
// (queue, type) pair updates the stored schedule without starting a
// second repeater.
func (m *MemoryBroker) EnsureRepeat(_ context.Context, s domain.RepeatSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("broker closed")
	}
	key := s.Queue + "/" + s.Type
	_, armed := m.repeats[key]
	m.repeats[key] = s
	if armed {
		return nil
	}

	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case now := <-ticker.C:
				m.mu.Lock()
				if m.closed {
					m.mu.Unlock()
					return
				}
				_ = m.deliverLocked(domain.Job{
					ID:          fmt.Sprintf("repeat:%s:%d", s.Type, now.UnixMilli()),
					Queue:       s.Queue,
					Type:        s.Type,
					Payload:     []byte(`{}`),
					MaxAttempts: s.MaxAttempts,
					Backoff:     s.Backoff,
					Retention:   s.Retention,
					EnqueuedAt:  now,
				})
				m.mu.Unlock()
			}
		}
	}()
	return nil
}

func (m *MemoryBroker) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	ch := make(chan domain.JobEvent, 64)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		for i, sub := range m.subscribers {
			if sub == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryBroker) publishLocked(ev domain.JobEvent) {
	for _, sub := range m.subscribers {
		select {
		case sub <- ev:
		default:
			// Slow subscribers drop events rather than block outcomes.
		}
	}
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Inspection helpers for tests.

func (m *MemoryBroker) Completed(queue string) []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Job(nil), m.completed[queue]...)
}

func (m *MemoryBroker) Failed(queue string) []FailedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailedJob(nil), m.failed[queue]...)
}

func (m *MemoryBroker) Repeats() []domain.RepeatSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RepeatSchedule, 0, len(m.repeats))
	for _, s := range m.repeats {
		out = append(out, s)
	}
	return out
}

func (m *MemoryBroker) DedupHeld(queue, dedupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.dedup[queue+":"+dedupID]
	return held
}

// Pending reports how many deliveries are waiting in a queue's buffer.
func (m *MemoryBroker) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queueChan(queue))
}
