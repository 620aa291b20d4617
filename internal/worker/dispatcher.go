package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nexavpn/worker/internal/domain"
)

// HandlerFunc processes one job payload. A nil return completes the
// job; an error hands the retry decision to the broker.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// reportTimeout bounds outcome reporting so a shutdown-cancelled run
// context cannot strand an Ack/Fail.
const reportTimeout = 10 * time.Second

// Dispatcher is the consumer loop for one queue. It pulls the next
// ready delivery, routes it by job type and reports the outcome back
// to the broker. One job is in flight at a time per dispatcher.
type Dispatcher struct {
	queue    string
	broker   domain.Broker
	handlers map[string]HandlerFunc
}

func NewDispatcher(queue string, broker domain.Broker) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		broker:   broker,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a job type to its handler. Later registrations for
// the same type win; registration happens once at startup.
func (d *Dispatcher) Register(jobType string, h HandlerFunc) {
	d.handlers[jobType] = h
}

// Run consumes the queue until ctx is cancelled. The in-flight job, if
// any, finishes and has its outcome reported before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	deliveries, err := d.broker.Subscribe(ctx, d.queue)
	if err != nil {
		return err
	}

	slog.Info("Dispatcher started", "queue", d.queue)
	for delivery := range deliveries {
		d.handle(ctx, delivery)
	}
	slog.Info("Dispatcher stopped", "queue", d.queue)
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, delivery domain.Delivery) {
	job := delivery.Job

	handler, ok := d.handlers[job.Type]
	if !ok {
		// Unknown job types within a known queue are acknowledged as
		// no-ops, not failed; failing them would poison the queue
		// during mixed-version deploys.
		slog.Warn("No handler for job type, acking as no-op",
			"queue", d.queue, "type", job.Type, "jobID", job.ID)
		d.report(func(rctx context.Context) error {
			return d.broker.Ack(rctx, delivery)
		})
		return
	}

	slog.Debug("Processing job", "queue", d.queue, "type", job.Type, "jobID", job.ID, "attempt", job.AttemptsMade+1)

	if err := handler(ctx, job.Payload); err != nil {
		d.report(func(rctx context.Context) error {
			return d.broker.Fail(rctx, delivery, err)
		})
		return
	}
	d.report(func(rctx context.Context) error {
		return d.broker.Ack(rctx, delivery)
	})
}

func (d *Dispatcher) report(fn func(ctx context.Context) error) {
	// Outcome reporting runs on its own context: during shutdown the
	// run context is already cancelled but the finished job's outcome
	// must still reach the broker.
	rctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		// The broker redelivers unreported jobs after the processing
		// timeout, so this is loud but not fatal.
		slog.Error("Failed to report job outcome", "queue", d.queue, "error", err)
	}
}
