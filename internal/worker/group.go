package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Group runs one dispatcher per queue concurrently and waits for all
// of them to drain on shutdown.
type Group struct {
	dispatchers []*Dispatcher
	wg          sync.WaitGroup
}

func NewGroup(dispatchers ...*Dispatcher) *Group {
	return &Group{dispatchers: dispatchers}
}

// Start spawns one goroutine per dispatcher. It returns immediately.
func (g *Group) Start(ctx context.Context) {
	slog.Info("Starting dispatcher group", "queues", len(g.dispatchers))

	for _, d := range g.dispatchers {
		g.wg.Add(1)
		go func(d *Dispatcher) {
			defer g.wg.Done()
			if err := d.Run(ctx); err != nil {
				slog.Error("Dispatcher exited with error", "queue", d.queue, "error", err)
			}
		}(d)
	}
}

// Wait blocks until every dispatcher has stopped. Cancel the context
// passed to Start to initiate shutdown; in-flight jobs finish first.
func (g *Group) Wait() {
	g.wg.Wait()
	slog.Info("Dispatcher group stopped")
}
