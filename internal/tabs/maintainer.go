// Package tabs keeps the browser's tab set usable: at least one tab while the
// session runs, and an idle overlay on every blank tab.
package tabs

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/internal/logx"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// MaintainerName is the watchdog name of the Maintainer.
const MaintainerName = "tabs"

// Maintainer enforces the tab invariants. It never returns errors from its
// handlers; failures are logged.
type Maintainer struct {
	bus       *eventbus.Bus
	transport core.Transport
	label     string
	log       pslog.Logger

	stopping atomic.Bool

	// closing serializes closing reactions and guards closingIDs.
	closing    sync.Mutex
	closingIDs map[schema.TargetID]struct{}
}

// NewMaintainer constructs a Maintainer. label is shown in the idle overlay.
func NewMaintainer(bus *eventbus.Bus, transport core.Transport, label string, logger pslog.Logger) *Maintainer {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Maintainer{
		bus:        bus,
		transport:  transport,
		label:      label,
		log:        logx.WithWatchdog(logger, MaintainerName),
		closingIDs: make(map[schema.TargetID]struct{}),
	}
}

// Name implements eventbus.Watchdog.
func (m *Maintainer) Name() string { return MaintainerName }

// Listens implements eventbus.Watchdog.
func (m *Maintainer) Listens() []schema.EventKind {
	return []schema.EventKind{
		schema.EventStopRequested,
		schema.EventStopped,
		schema.EventTabCreated,
		schema.EventTabClosing,
	}
}

// Emits implements eventbus.Watchdog.
func (m *Maintainer) Emits() []schema.EventKind {
	return []schema.EventKind{schema.EventNavigate, schema.EventCloseTarget, schema.EventOverlayShown}
}

// Handlers implements eventbus.Watchdog.
func (m *Maintainer) Handlers() map[schema.EventKind]eventbus.Handler {
	return map[schema.EventKind]eventbus.Handler{
		schema.EventStopRequested: m.onStopping,
		schema.EventStopped:       m.onStopping,
		schema.EventTabCreated:    m.onTabCreated,
		schema.EventTabClosing:    m.onTabClosing,
	}
}

// Stopping reports whether the session is shutting down.
func (m *Maintainer) Stopping() bool {
	return m.stopping.Load()
}

func (m *Maintainer) onStopping(_ context.Context, ev schema.Event) (any, error) {
	if !m.stopping.Swap(true) {
		m.log.Debug("tabs entering stopping mode", "event", ev.Kind)
	}
	return nil, nil
}

func (m *Maintainer) onTabCreated(ctx context.Context, ev schema.Event) (any, error) {
	if ev.Target.URL != schema.BlankURL || m.Stopping() {
		return nil, nil
	}
	m.showOverlays(ctx)
	return nil, nil
}

func (m *Maintainer) onTabClosing(ctx context.Context, ev schema.Event) (any, error) {
	if m.Stopping() {
		return nil, nil
	}
	m.closing.Lock()
	defer m.closing.Unlock()

	log := logx.WithEvent(m.log, ev)
	targets, err := m.transport.ListTargets(ctx)
	if err != nil {
		log.Warn("tabs list targets failed", "err", err)
		return nil, nil
	}
	pages := pageTargets(targets)
	m.closingIDs[ev.Target.ID] = struct{}{}
	remaining := m.remaining(pages)

	if len(pages) <= 1 {
		log.Info("tabs last tab closing, opening placeholder")
		m.openPlaceholder(ctx, log)
		return nil, nil
	}
	if len(remaining) == 0 {
		log.Info("tabs no tab survives pending closes, opening placeholder", "pages", len(pages))
		m.openPlaceholder(ctx, log)
	}
	return nil, nil
}

// ForgetClosing clears id from the pending closes, for a close that did not
// happen. The target counts as a surviving tab again.
func (m *Maintainer) ForgetClosing(id schema.TargetID) {
	m.closing.Lock()
	defer m.closing.Unlock()
	if _, ok := m.closingIDs[id]; ok {
		delete(m.closingIDs, id)
		m.log.Debug("tabs close abandoned", "target", id)
	}
}

// remaining drops closing ids that are no longer listed and returns the pages
// not announced as closing. Caller holds m.closing.
func (m *Maintainer) remaining(pages []schema.TargetInfo) []schema.TargetInfo {
	listed := make(map[schema.TargetID]struct{}, len(pages))
	for _, p := range pages {
		listed[p.ID] = struct{}{}
	}
	for id := range m.closingIDs {
		if _, ok := listed[id]; !ok {
			delete(m.closingIDs, id)
		}
	}
	out := make([]schema.TargetInfo, 0, len(pages))
	for _, p := range pages {
		if _, closing := m.closingIDs[p.ID]; !closing {
			out = append(out, p)
		}
	}
	return out
}

func (m *Maintainer) openPlaceholder(ctx context.Context, log pslog.Logger) {
	value, err := m.bus.Dispatch(ctx, schema.NewNavigate(schema.BlankURL, true)).Value(ctx)
	if err != nil {
		log.Warn("tabs placeholder create failed", "err", err)
		return
	}
	if id, ok := value.(schema.TargetID); ok {
		log.Debug("tabs placeholder created", "placeholder", id)
	}
	m.showOverlays(ctx)
}

// showOverlays re-lists targets and injects the overlay into every blank page.
func (m *Maintainer) showOverlays(ctx context.Context) {
	targets, err := m.transport.ListTargets(ctx)
	if err != nil {
		m.log.Warn("tabs list targets failed", "err", err)
		return
	}
	script := OverlayScript(m.label)
	for _, t := range pageTargets(targets) {
		if t.URL != schema.BlankURL {
			continue
		}
		if err := m.transport.EvaluateScript(ctx, t.ID, script); err != nil {
			m.log.Warn("tabs overlay inject failed", "target", t.ID, "err", err)
			continue
		}
		m.bus.Dispatch(ctx, schema.NewOverlayShown(t.ID))
	}
}

func pageTargets(targets []schema.TargetInfo) []schema.TargetInfo {
	out := make([]schema.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.IsPage() {
			out = append(out, t)
		}
	}
	return out
}
