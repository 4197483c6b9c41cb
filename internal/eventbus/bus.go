package eventbus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"pkt.systems/browserwatch/internal/logx"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

type route struct {
	watchdog string
	handler  Handler
}

// Bus routes typed events to registered watchdogs. Events are taken off a
// single FIFO queue in dispatch order. The handlers of one event are started
// in registration order, which is also the order of Routes and of the result
// slots, and then run concurrently with each other and with later events, so
// a handler may dispatch and await child events without stalling the queue.
// Completion order is not defined; a watchdog that must not apply an older
// event after a newer one compares event creation times.
type Bus struct {
	mu     sync.Mutex
	routes map[schema.EventKind][]route
	names  map[string]struct{}
	queue  []*Handle
	closed bool

	wake chan struct{}
	done chan struct{}
	log  pslog.Logger
}

// New constructs a Bus and starts its dispatch loop.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		routes: make(map[schema.EventKind][]route),
		names:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    logger,
	}
	go b.loop()
	return b
}

// Register attaches a watchdog. Its handlers are appended to the routing
// table for each listened kind.
func (b *Bus) Register(w Watchdog) error {
	handlers, err := validateWatchdog(w)
	if err != nil {
		return err
	}
	name := w.Name()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schema.ErrBusClosed
	}
	if _, exists := b.names[name]; exists {
		return fmt.Errorf("%w: watchdog %q already registered", schema.ErrHandlerMismatch, name)
	}
	b.names[name] = struct{}{}
	for _, kind := range w.Listens() {
		b.routes[kind] = append(b.routes[kind], route{watchdog: name, handler: handlers[kind]})
	}
	if b.log != nil {
		b.log.Debug("eventbus register", "watchdog", name, "listens", len(w.Listens()))
	}
	return nil
}

// Routes returns the watchdog names bound to kind in invocation order.
func (b *Bus) Routes(kind schema.EventKind) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.routes[kind]))
	for _, r := range b.routes[kind] {
		names = append(names, r.watchdog)
	}
	return names
}

// Dispatch enqueues ev and returns a handle to await its handlers.
func (b *Bus) Dispatch(ctx context.Context, ev schema.Event) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	h, ok := b.prepare(ctx, ev)
	if !ok {
		return h
	}
	b.enqueue(h)
	return h
}

// DispatchAfter is Dispatch for use from inside a handler: the event is
// enqueued only after every handler of the current event has returned, and
// whoever awaits the current event also awaits this one. Called outside a
// handler it behaves like Dispatch.
func (b *Bus) DispatchAfter(ctx context.Context, ev schema.Event) *Handle {
	parent := handleFromContext(ctx)
	if parent == nil {
		return b.Dispatch(ctx, ev)
	}
	h, ok := b.prepare(context.WithoutCancel(ctx), ev)
	if !ok {
		return h
	}
	parent.addDeferred(h)
	go func() {
		<-parent.handlersDone
		b.enqueue(h)
	}()
	return h
}

// Close stops the dispatch loop. Queued events that have not started are
// failed with ErrBusClosed; running handlers are not interrupted.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.signal()
	<-b.done
}

func (b *Bus) prepare(ctx context.Context, ev schema.Event) (*Handle, bool) {
	if !ev.Kind.Valid() {
		return completedHandle(ev, fmt.Errorf("%q: %w", ev.Kind, schema.ErrUnknownEvent)), false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return completedHandle(ev, schema.ErrBusClosed), false
	}
	routes := append([]route(nil), b.routes[ev.Kind]...)
	return newHandle(ctx, ev, routes), true
}

func (b *Bus) enqueue(h *Handle) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		h.finish(schema.ErrBusClosed)
		return
	}
	b.queue = append(b.queue, h)
	b.mu.Unlock()
	b.signal()
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		if b.closed {
			pending := b.queue
			b.queue = nil
			b.mu.Unlock()
			for _, h := range pending {
				h.finish(schema.ErrBusClosed)
			}
			return
		}
		h := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.start(h)
	}
}

func (b *Bus) start(h *Handle) {
	if b.log != nil {
		logx.WithEvent(b.log, h.event).Trace("eventbus dispatch", "handlers", len(h.routes))
	}
	if len(h.routes) == 0 {
		h.finish(nil)
		return
	}
	ctx := context.WithValue(h.ctx, handleKey{}, h)
	var g errgroup.Group
	for i, r := range h.routes {
		g.Go(func() error {
			value, err := b.call(ctx, r, h.event)
			h.setResult(i, Result{Watchdog: r.watchdog, Value: value, Err: err})
			return err
		})
	}
	go func() {
		h.finish(g.Wait())
	}()
}

func (b *Bus) call(ctx context.Context, r route, ev schema.Event) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("watchdog %s panicked on %s: %v", r.watchdog, ev.Kind, rec)
		}
		if err != nil && b.log != nil {
			logx.WithEvent(logx.WithWatchdog(b.log, r.watchdog), ev).Warn("eventbus handler failed", "err", err)
		}
	}()
	return r.handler(ctx, ev)
}
