package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Fanout decouples slow sinks from the registry. Observe only enqueues;
// a single worker delivers events to every sink in commit order.
type Fanout struct {
	sinks  []registry.Observer
	queue  chan delivery
	logger *slog.Logger

	mu      sync.Mutex
	dropped uint64
	closed  bool
	done    chan struct{}
}

type delivery struct {
	ctx   context.Context
	event registry.Event
}

// NewFanout creates a fan-out with the given queue capacity.
func NewFanout(capacity int, logger *slog.Logger, sinks ...registry.Observer) *Fanout {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sinks:  sinks,
		queue:  make(chan delivery, capacity),
		logger: logger.With("component", "events"),
		done:   make(chan struct{}),
	}
}

// Observe enqueues e. When the queue is full the event is dropped and
// counted; the registry call never blocks on sinks.
func (f *Fanout) Observe(ctx context.Context, e registry.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	select {
	case f.queue <- delivery{ctx: context.WithoutCancel(ctx), event: e}:
	default:
		f.dropped++
		f.logger.WarnContext(ctx, "event queue full, dropping event", "kind", e.Kind, "subject", e.Subject())
	}
	return nil
}

// Run delivers queued events until Close is called and the queue drains.
func (f *Fanout) Run() {
	defer close(f.done)
	for d := range f.queue {
		for _, s := range f.sinks {
			if err := s.Observe(d.ctx, d.event); err != nil {
				f.logger.WarnContext(d.ctx, "event sink failed", "kind", d.event.Kind, "error", err)
			}
		}
	}
}

// Close stops accepting events and waits for Run to drain the queue.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (f *Fanout) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
