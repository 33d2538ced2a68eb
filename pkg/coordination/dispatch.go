package coordination

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"clusterkeeper/pkg/metrics"
)

// HandlerFunc processes one watch notification.
type HandlerFunc func(ctx context.Context, ev Event)

// Dispatcher serializes the one-shot watch notifications of a single component.
// Watches are forwarded into a queue and handed to one handler at a time, in the
// order they fired. Each component owns its own Dispatcher, so there is no
// ordering between components.
type Dispatcher struct {
	name   string
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher whose queue buffers up to size events.
func NewDispatcher(name string, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		name:   name,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger.Named("dispatch").With(zap.String("component", name)),
	}
}

// Forward pipes the single event of watch into the queue. It never blocks the
// caller.
func (d *Dispatcher) Forward(watch <-chan Event) {
	go func() {
		var ev Event
		var ok bool
		select {
		case ev, ok = <-watch:
			if !ok {
				return
			}
		case <-d.done:
			return
		}
		select {
		case d.queue <- ev:
		case <-d.done:
		}
	}()
}

// Run delivers queued events to handler until ctx is done. Events are handled
// synchronously, so a slow handler delays the ones behind it.
func (d *Dispatcher) Run(ctx context.Context, handler HandlerFunc) {
	defer d.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.logger.Debug("dispatching watch event",
				zap.Stringer("type", ev.Type),
				zap.String("path", ev.Path),
			)
			metrics.WatchEvents.WithLabelValues(d.name, ev.Type.String()).Inc()
			handler(ctx, ev)
		}
	}
}

// Close stops pending forwarders. Run calls it on exit.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}
