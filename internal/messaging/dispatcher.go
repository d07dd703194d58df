package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// HandlerFunc processes one inbound event, normally flow.Engine.Handle.
type HandlerFunc func(ctx context.Context, ev models.InboundEvent) error

// Dispatcher feeds inbound events to a handler. Events of one contact are handled in arrival
// order by a single goroutine; different contacts run in parallel. A contact's goroutine exits
// once its queue drains.
type Dispatcher struct {
	handler HandlerFunc
	dedup   store.DedupRepo
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues map[string][]models.InboundEvent
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops events whose message id was already seen.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) { d.dedup = repo }
}

// WithDispatcherMetrics records duplicate deliveries.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher calling handler.
func NewDispatcher(handler HandlerFunc, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{handler: handler, queues: make(map[string][]models.InboundEvent)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit queues ev for its contact. It returns false when the event was a duplicate.
func (d *Dispatcher) Submit(ctx context.Context, ev models.InboundEvent) bool {
	if d.dedup != nil && ev.MessageID != "" {
		fresh, err := d.dedup.RecordInbound(ev.MessageID, ev.ContactID)
		if err != nil {
			slog.Warn("Dispatcher.Submit: dedup check failed, processing anyway", "messageID", ev.MessageID, "error", err)
		} else if !fresh {
			d.metrics.ObserveDuplicateInbound()
			slog.Info("Dispatcher.Submit: duplicate delivery dropped", "contactID", ev.ContactID, "messageID", ev.MessageID)
			return false
		}
	}

	d.mu.Lock()
	q, running := d.queues[ev.ContactID]
	d.queues[ev.ContactID] = append(q, ev)
	if !running {
		d.wg.Add(1)
		go d.drain(ctx, ev.ContactID)
	}
	d.mu.Unlock()
	return true
}

// drain handles the contact's queue until it is empty. Handlers see a context that survives
// cancellation of ctx so an in-flight event finishes; queued events are dropped once ctx is done.
func (d *Dispatcher) drain(ctx context.Context, contactID string) {
	defer d.wg.Done()
	handlerCtx := context.WithoutCancel(ctx)
	for {
		d.mu.Lock()
		q := d.queues[contactID]
		if len(q) == 0 {
			delete(d.queues, contactID)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[contactID] = q[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			slog.Warn("Dispatcher.drain: shutting down, dropping queued event", "contactID", contactID, "messageID", ev.MessageID)
			continue
		}
		d.handle(handlerCtx, ev)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.handle: handler panicked", "contactID", ev.ContactID, "messageID", ev.MessageID, "panic", r)
		}
	}()
	if err := d.handler(ctx, ev); err != nil {
		slog.Error("Dispatcher.handle: event failed", "contactID", ev.ContactID, "messageID", ev.MessageID, "error", err)
		return
	}
	if d.dedup != nil && ev.MessageID != "" {
		if err := d.dedup.MarkProcessed(ev.MessageID); err != nil {
			slog.Warn("Dispatcher.handle: mark processed failed", "messageID", ev.MessageID, "error", err)
		}
	}
}

// Run submits events from the channel until it closes or ctx is done, then waits for the
// contact goroutines to finish.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.InboundEvent) {
	slog.Info("Dispatcher.Run: started")
	defer func() {
		d.Wait()
		slog.Info("Dispatcher.Run: stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Submit(ctx, ev)
		}
	}
}

// Wait blocks until every contact queue has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns the number of contacts with a running goroutine.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
