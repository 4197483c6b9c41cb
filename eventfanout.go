package browserwatch

import (
	"context"

	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/schema"
)

// EventSink receives a copy of every routed bus event. OnEvent runs on a
// handler goroutine and should return quickly.
type EventSink interface {
	OnEvent(ev schema.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev schema.Event)

// OnEvent implements EventSink.
func (f EventSinkFunc) OnEvent(ev schema.Event) { f(ev) }

const fanoutName = "event-fanout"

// eventFanout is a passive watchdog that forwards every event to the sinks.
type eventFanout struct {
	sinks []EventSink
}

func (f eventFanout) Name() string { return fanoutName }

func (f eventFanout) Listens() []schema.EventKind { return schema.EventKinds() }

func (f eventFanout) Emits() []schema.EventKind { return nil }

func (f eventFanout) Handlers() map[schema.EventKind]eventbus.Handler {
	handlers := make(map[schema.EventKind]eventbus.Handler)
	for _, kind := range f.Listens() {
		handlers[kind] = f.forward
	}
	return handlers
}

func (f eventFanout) forward(_ context.Context, ev schema.Event) (any, error) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnEvent(ev)
	}
	return nil, nil
}
