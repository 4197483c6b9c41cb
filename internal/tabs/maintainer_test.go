package tabs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu      sync.Mutex
	targets []schema.TargetInfo
	ops     []string
	evals   map[schema.TargetID][]string
	nextID  int
	listErr error
	evalErr error
	// closeErr fails CloseTarget for the listed ids.
	closeErr map[schema.TargetID]error
}

func newFakeTransport(targets ...schema.TargetInfo) *fakeTransport {
	return &fakeTransport{targets: targets, evals: make(map[schema.TargetID][]string)}
}

func (f *fakeTransport) ListTargets(context.Context) ([]schema.TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]schema.TargetInfo(nil), f.targets...), nil
}

func (f *fakeTransport) CreateTarget(_ context.Context, url string) (schema.TargetID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := schema.TargetID(fmt.Sprintf("N%d", f.nextID))
	f.targets = append(f.targets, schema.TargetInfo{ID: id, URL: url, Type: "page"})
	f.ops = append(f.ops, "create:"+string(id))
	return id, nil
}

func (f *fakeTransport) NavigateTarget(_ context.Context, id schema.TargetID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.targets {
		if f.targets[i].ID == id {
			f.targets[i].URL = url
			f.ops = append(f.ops, "navigate:"+string(id))
			return nil
		}
	}
	return schema.ErrTargetNotFound
}

func (f *fakeTransport) CloseTarget(_ context.Context, id schema.TargetID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.closeErr[id]; err != nil {
		return err
	}
	for i := range f.targets {
		if f.targets[i].ID == id {
			f.targets = append(f.targets[:i], f.targets[i+1:]...)
			f.ops = append(f.ops, "close:"+string(id))
			return nil
		}
	}
	return schema.ErrTargetNotFound
}

func (f *fakeTransport) EvaluateScript(_ context.Context, id schema.TargetID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return f.evalErr
	}
	f.evals[id] = append(f.evals[id], source)
	return nil
}

func (f *fakeTransport) snapshot() ([]schema.TargetInfo, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.TargetInfo(nil), f.targets...), append([]string(nil), f.ops...)
}

func (f *fakeTransport) evalCount(id schema.TargetID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evals[id])
}

type overlayRecorder struct {
	shown chan schema.TargetID
}

func (r *overlayRecorder) Name() string                { return "overlay-recorder" }
func (r *overlayRecorder) Listens() []schema.EventKind { return []schema.EventKind{schema.EventOverlayShown} }
func (r *overlayRecorder) Emits() []schema.EventKind   { return nil }
func (r *overlayRecorder) Handlers() map[schema.EventKind]eventbus.Handler {
	return map[schema.EventKind]eventbus.Handler{
		schema.EventOverlayShown: func(_ context.Context, ev schema.Event) (any, error) {
			r.shown <- ev.Target.ID
			return nil, nil
		},
	}
}

func setup(t *testing.T, transport *fakeTransport) (*eventbus.Bus, *Maintainer, *overlayRecorder) {
	t.Helper()
	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	m := NewMaintainer(bus, transport, "ab12", nil)
	nav := NewNavigator(bus, transport, nil)
	nav.OnCloseFailed(m.ForgetClosing)
	rec := &overlayRecorder{shown: make(chan schema.TargetID, 16)}
	for _, w := range []eventbus.Watchdog{m, nav, rec} {
		if err := bus.Register(w); err != nil {
			t.Fatalf("register %s: %v", w.Name(), err)
		}
	}
	return bus, m, rec
}

func await(t *testing.T, h *eventbus.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("wait %s: %v", h.Event().Kind, err)
	}
}

func TestClosingLastTabOpensPlaceholderFirst(t *testing.T) {
	transport := newFakeTransport(schema.TargetInfo{ID: "T1", URL: "https://example.com", Type: "page"})
	bus, _, rec := setup(t, transport)

	await(t, bus.Dispatch(context.Background(), schema.NewCloseTarget("T1")))

	targets, ops := transport.snapshot()
	if len(targets) != 1 || targets[0].URL != schema.BlankURL {
		t.Fatalf("expected one blank tab left, got %+v", targets)
	}
	if len(ops) != 2 || ops[0] != "create:N1" || ops[1] != "close:T1" {
		t.Fatalf("expected create before close, got %v", ops)
	}
	select {
	case id := <-rec.shown:
		if id != "N1" {
			t.Fatalf("expected overlay on placeholder, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected overlay_shown for placeholder")
	}
}

func TestClosingOneOfManyTabsCreatesNothing(t *testing.T) {
	transport := newFakeTransport(
		schema.TargetInfo{ID: "T1", URL: "https://a.example", Type: "page"},
		schema.TargetInfo{ID: "T2", URL: "https://b.example", Type: "page"},
	)
	bus, _, _ := setup(t, transport)
	await(t, bus.Dispatch(context.Background(), schema.NewCloseTarget("T1")))
	targets, ops := transport.snapshot()
	if len(targets) != 1 || targets[0].ID != "T2" {
		t.Fatalf("expected T2 left, got %+v", targets)
	}
	if len(ops) != 1 {
		t.Fatalf("expected only the close, got %v", ops)
	}
}

func TestFailedCloseStillCountsAsSurvivor(t *testing.T) {
	transport := newFakeTransport(
		schema.TargetInfo{ID: "T1", URL: "https://a.example", Type: "page"},
		schema.TargetInfo{ID: "T2", URL: "https://b.example", Type: "page"},
	)
	transport.closeErr = map[schema.TargetID]error{"T1": errors.New("target busy")}
	bus, _, _ := setup(t, transport)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := bus.Dispatch(ctx, schema.NewCloseTarget("T1")).Wait(ctx); err == nil {
		t.Fatalf("expected close of T1 to fail")
	}

	transport.mu.Lock()
	transport.closeErr = nil
	transport.mu.Unlock()
	await(t, bus.Dispatch(ctx, schema.NewCloseTarget("T2")))

	targets, ops := transport.snapshot()
	if len(targets) != 1 || targets[0].ID != "T1" {
		t.Fatalf("expected T1 left, got %+v", targets)
	}
	for _, op := range ops {
		if strings.HasPrefix(op, "create:") {
			t.Fatalf("expected no placeholder while T1 survives, got %v", ops)
		}
	}
}

func TestConcurrentClosesCreateSinglePlaceholder(t *testing.T) {
	transport := newFakeTransport(
		schema.TargetInfo{ID: "T1", URL: "https://a.example", Type: "page"},
		schema.TargetInfo{ID: "T2", URL: "https://b.example", Type: "page"},
		schema.TargetInfo{ID: "W1", URL: "https://a.example/sw.js", Type: "service_worker"},
	)
	bus, _, _ := setup(t, transport)
	h1 := bus.Dispatch(context.Background(), schema.NewCloseTarget("T1"))
	h2 := bus.Dispatch(context.Background(), schema.NewCloseTarget("T2"))
	await(t, h1)
	await(t, h2)

	targets, _ := transport.snapshot()
	pages := pageTargets(targets)
	if len(pages) != 1 || pages[0].URL != schema.BlankURL {
		t.Fatalf("expected exactly one placeholder page, got %+v", pages)
	}
}

func TestStoppingSuppressesPlaceholder(t *testing.T) {
	transport := newFakeTransport(schema.TargetInfo{ID: "T1", URL: "https://example.com", Type: "page"})
	bus, m, _ := setup(t, transport)
	await(t, bus.Dispatch(context.Background(), schema.NewStopRequested()))
	if !m.Stopping() {
		t.Fatalf("expected stopping mode")
	}
	await(t, bus.Dispatch(context.Background(), schema.NewCloseTarget("T1")))
	targets, _ := transport.snapshot()
	if len(targets) != 0 {
		t.Fatalf("expected no placeholder while stopping, got %+v", targets)
	}
}

func TestTabCreatedOverlaysEveryBlankTab(t *testing.T) {
	transport := newFakeTransport(
		schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"},
		schema.TargetInfo{ID: "T2", URL: "https://example.com", Type: "page"},
		schema.TargetInfo{ID: "T3", URL: schema.BlankURL, Type: "page"},
	)
	bus, _, rec := setup(t, transport)
	// The event snapshot is stale on purpose; the live list decides.
	await(t, bus.Dispatch(context.Background(), schema.NewTabCreated("T3", schema.BlankURL)))

	if transport.evalCount("T1") != 1 || transport.evalCount("T3") != 1 || transport.evalCount("T2") != 0 {
		t.Fatalf("expected overlays on blank tabs only")
	}
	got := map[schema.TargetID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-rec.shown:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("expected two overlay_shown events, got %v", got)
		}
	}
	if !got["T1"] || !got["T3"] {
		t.Fatalf("unexpected overlay targets %v", got)
	}
}

func TestTabCreatedIgnoresNonBlank(t *testing.T) {
	transport := newFakeTransport(schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"})
	bus, _, _ := setup(t, transport)
	await(t, bus.Dispatch(context.Background(), schema.NewTabCreated("T2", "https://example.com")))
	if transport.evalCount("T1") != 0 {
		t.Fatalf("expected no overlay for non-blank creation")
	}
}

func TestOverlayInjectionIsIdempotent(t *testing.T) {
	transport := newFakeTransport(schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"})
	_, m, _ := setup(t, transport)
	m.showOverlays(context.Background())
	m.showOverlays(context.Background())
	transport.mu.Lock()
	scripts := append([]string(nil), transport.evals["T1"]...)
	transport.mu.Unlock()
	if len(scripts) != 2 || scripts[0] != scripts[1] {
		t.Fatalf("expected identical scripts, got %d", len(scripts))
	}
	guard := "if (window." + overlayMarker + ") { return; }"
	if !strings.Contains(scripts[0], guard) {
		t.Fatalf("expected script to guard on its window marker")
	}
	if strings.Index(scripts[0], guard) > strings.Index(scripts[0], "appendChild") {
		t.Fatalf("expected guard before any DOM change")
	}
	if !strings.Contains(scripts[0], `document.getElementById("`+overlayElementID+`")`) {
		t.Fatalf("expected script to check for an existing overlay element")
	}
}

func TestMaintainerSwallowsTransportErrors(t *testing.T) {
	transport := newFakeTransport(schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"})
	transport.listErr = errors.New("connection reset")
	bus, _, _ := setup(t, transport)
	await(t, bus.Dispatch(context.Background(), schema.NewTabCreated("T1", schema.BlankURL)))
	await(t, bus.Dispatch(context.Background(), schema.NewTabClosing("T1", schema.BlankURL)))

	transport.mu.Lock()
	transport.listErr = nil
	transport.evalErr = errors.New("target crashed")
	transport.mu.Unlock()
	await(t, bus.Dispatch(context.Background(), schema.NewTabCreated("T1", schema.BlankURL)))
}

func TestOverlayMarkerSetOnlyAfterDraw(t *testing.T) {
	script := OverlayScript("ab12")
	mark := "window." + overlayMarker + " = true;"
	at := strings.Index(script, mark)
	if at < 0 {
		t.Fatalf("expected script to set its window marker")
	}
	if at < strings.Index(script, "appendChild") {
		t.Fatalf("expected marker set after the overlay element is appended")
	}
	if at < strings.Index(script, "if (!document.body) { return; }") {
		t.Fatalf("expected a missing body to return before the marker is set")
	}
	if strings.Index(script, "document.title = ") < strings.Index(script, "var draw") {
		t.Fatalf("expected title sentinel written by draw, not before it")
	}
}

func TestOverlayScriptCarriesLabel(t *testing.T) {
	script := OverlayScript(`x"y`)
	if !strings.Contains(script, `"browserwatch:x\"y"`) {
		t.Fatalf("expected quoted title sentinel, got %s", script)
	}
}
