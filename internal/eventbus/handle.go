package eventbus

import (
	"context"
	"sync"

	"pkt.systems/browserwatch/schema"
)

// Result is the outcome of one handler for one dispatched event.
type Result struct {
	Watchdog string
	Value    any
	Err      error
}

// Handle tracks the handlers of one dispatched event.
type Handle struct {
	event  schema.Event
	ctx    context.Context
	routes []route

	handlersDone chan struct{}

	mu       sync.Mutex
	results  []Result
	err      error
	deferred []*Handle
}

type handleKey struct{}

func newHandle(ctx context.Context, ev schema.Event, routes []route) *Handle {
	return &Handle{
		event:        ev,
		ctx:          ctx,
		routes:       routes,
		handlersDone: make(chan struct{}),
		results:      make([]Result, len(routes)),
	}
}

func completedHandle(ev schema.Event, err error) *Handle {
	h := newHandle(context.Background(), ev, nil)
	h.err = err
	close(h.handlersDone)
	return h
}

func handleFromContext(ctx context.Context) *Handle {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// Event returns the dispatched event.
func (h *Handle) Event() schema.Event {
	return h.event
}

// Done is closed once every handler of the event has returned. Deferred
// follow-ups are not covered; use Wait for those.
func (h *Handle) Done() <-chan struct{} {
	return h.handlersDone
}

// Wait blocks until every handler has returned and every follow-up deferred
// from those handlers has completed. It returns the per-handler results in
// registration order and the first failure raised by a handler.
func (h *Handle) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-h.handlersDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	results := append([]Result(nil), h.results...)
	err := h.err
	deferred := append([]*Handle(nil), h.deferred...)
	h.mu.Unlock()
	for _, child := range deferred {
		if _, werr := child.Wait(ctx); werr != nil && ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, err
}

// Value waits like Wait and returns the first non-nil handler value, or the
// first failure.
func (h *Handle) Value(ctx context.Context) (any, error) {
	results, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Value != nil {
			return res.Value, nil
		}
	}
	return nil, nil
}

func (h *Handle) setResult(i int, res Result) {
	h.mu.Lock()
	h.results[i] = res
	h.mu.Unlock()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	close(h.handlersDone)
}

func (h *Handle) addDeferred(child *Handle) {
	h.mu.Lock()
	h.deferred = append(h.deferred, child)
	h.mu.Unlock()
}
