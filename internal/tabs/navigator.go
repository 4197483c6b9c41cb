package tabs

import (
	"context"
	"fmt"

	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/internal/logx"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// NavigatorName is the watchdog name of the Navigator.
const NavigatorName = "navigator"

// Navigator carries out navigate and close_target requests against the
// transport.
type Navigator struct {
	bus       *eventbus.Bus
	transport core.Transport
	log       pslog.Logger

	closeFailed func(schema.TargetID)
}

// NewNavigator constructs a Navigator.
func NewNavigator(bus *eventbus.Bus, transport core.Transport, logger pslog.Logger) *Navigator {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Navigator{bus: bus, transport: transport, log: logx.WithWatchdog(logger, NavigatorName)}
}

// OnCloseFailed registers fn to run when a target announced as closing could
// not be closed. Call before the navigator is registered.
func (n *Navigator) OnCloseFailed(fn func(schema.TargetID)) {
	n.closeFailed = fn
}

// Name implements eventbus.Watchdog.
func (n *Navigator) Name() string { return NavigatorName }

// Listens implements eventbus.Watchdog.
func (n *Navigator) Listens() []schema.EventKind {
	return []schema.EventKind{schema.EventNavigate, schema.EventCloseTarget}
}

// Emits implements eventbus.Watchdog.
func (n *Navigator) Emits() []schema.EventKind {
	return []schema.EventKind{schema.EventTabClosing}
}

// Handlers implements eventbus.Watchdog.
func (n *Navigator) Handlers() map[schema.EventKind]eventbus.Handler {
	return map[schema.EventKind]eventbus.Handler{
		schema.EventNavigate:    n.onNavigate,
		schema.EventCloseTarget: n.onCloseTarget,
	}
}

// onNavigate returns the schema.TargetID that was navigated or created.
func (n *Navigator) onNavigate(ctx context.Context, ev schema.Event) (any, error) {
	req := ev.Navigate
	url := req.URL
	if url == "" {
		url = schema.BlankURL
	}
	if req.NewTab {
		id, err := n.transport.CreateTarget(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("create target: %w", err)
		}
		n.log.Debug("navigator created target", "target", id, "url", url)
		return id, nil
	}
	id := req.TargetID
	if id == "" {
		targets, err := n.transport.ListTargets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list targets: %w", err)
		}
		pages := pageTargets(targets)
		if len(pages) == 0 {
			created, err := n.transport.CreateTarget(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("create target: %w", err)
			}
			return created, nil
		}
		id = pages[0].ID
	}
	if err := n.transport.NavigateTarget(ctx, id, url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", id, err)
	}
	n.log.Debug("navigator navigated target", "target", id, "url", url)
	return id, nil
}

// onCloseTarget announces the close, waits for every tab_closing reaction,
// then closes the target.
func (n *Navigator) onCloseTarget(ctx context.Context, ev schema.Event) (any, error) {
	id := ev.Target.ID
	url := ev.Target.URL
	if url == "" {
		if targets, err := n.transport.ListTargets(ctx); err == nil {
			for _, t := range targets {
				if t.ID == id {
					url = t.URL
					break
				}
			}
		}
	}
	if _, err := n.bus.Dispatch(ctx, schema.NewTabClosing(id, url)).Wait(ctx); err != nil {
		n.log.Warn("navigator tab closing reactions failed", "target", id, "err", err)
	}
	if err := n.transport.CloseTarget(ctx, id); err != nil {
		if n.closeFailed != nil {
			n.closeFailed(id)
		}
		return nil, fmt.Errorf("close %s: %w", id, err)
	}
	n.log.Debug("navigator closed target", "target", id)
	return nil, nil
}
