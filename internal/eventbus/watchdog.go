package eventbus

import (
	"context"
	"fmt"

	"pkt.systems/browserwatch/schema"
)

// Handler reacts to one event kind. The returned value becomes the handler's
// result slot on the dispatch handle.
type Handler func(ctx context.Context, ev schema.Event) (any, error)

// Watchdog is a unit of reactive behavior bound to specific event kinds.
// Listens and Emits are fixed for the lifetime of the watchdog; Handlers must
// provide exactly one handler per listened kind.
type Watchdog interface {
	Name() string
	Listens() []schema.EventKind
	Emits() []schema.EventKind
	Handlers() map[schema.EventKind]Handler
}

func validateWatchdog(w Watchdog) (map[schema.EventKind]Handler, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil watchdog", schema.ErrHandlerMismatch)
	}
	name := w.Name()
	if name == "" {
		return nil, fmt.Errorf("%w: watchdog name is required", schema.ErrHandlerMismatch)
	}
	handlers := w.Handlers()
	listens := make(map[schema.EventKind]struct{}, len(w.Listens()))
	for _, kind := range w.Listens() {
		if !kind.Valid() {
			return nil, fmt.Errorf("%s listens to %q: %w", name, kind, schema.ErrUnknownEvent)
		}
		if _, dup := listens[kind]; dup {
			return nil, fmt.Errorf("%w: %s listens to %q twice", schema.ErrHandlerMismatch, name, kind)
		}
		listens[kind] = struct{}{}
		if handlers[kind] == nil {
			return nil, fmt.Errorf("%w: %s has no handler for %q", schema.ErrHandlerMismatch, name, kind)
		}
	}
	for kind := range handlers {
		if _, ok := listens[kind]; !ok {
			return nil, fmt.Errorf("%w: %s handles unlisted %q", schema.ErrHandlerMismatch, name, kind)
		}
	}
	for _, kind := range w.Emits() {
		if !kind.Valid() {
			return nil, fmt.Errorf("%s emits %q: %w", name, kind, schema.ErrUnknownEvent)
		}
	}
	return handlers, nil
}
