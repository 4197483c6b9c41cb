package browserwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcess struct {
	pid    int
	once   sync.Once
	exited chan struct{}

	mu         sync.Mutex
	terminated int
	killed     int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Running(context.Context) (bool, error) {
	select {
	case <-p.exited:
		return false, nil
	default:
		return true, nil
	}
}

func (p *fakeProcess) Terminate(context.Context) error {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Kill(context.Context) error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.exited) }) }

func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) Err() error { return nil }

func (p *fakeProcess) terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated + p.killed
}

type fakeStarter struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (s *fakeStarter) Start(context.Context, string, []string) (core.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProcess(4000 + len(s.procs))
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeStarter) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

type readyProber struct{}

func (readyProber) WaitForEndpointReady(_ context.Context, port int, _ time.Duration) (string, error) {
	return fmt.Sprintf("http://localhost:%d/", port), nil
}

// fakeBrowser is a transport and connector over an in-memory target list.
type fakeBrowser struct {
	mu         sync.Mutex
	targets    []schema.TargetInfo
	evals      map[schema.TargetID]int
	endpoint   string
	emitFn     func(schema.Event)
	connectErr error
	closed     int
	nextID     int
}

func newFakeBrowser(targets ...schema.TargetInfo) *fakeBrowser {
	return &fakeBrowser{targets: targets, evals: make(map[schema.TargetID]int)}
}

func (b *fakeBrowser) Connect(_ context.Context, endpoint string, emit func(schema.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.endpoint = endpoint
	b.emitFn = emit
	return nil
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	b.closed++
	b.emitFn = nil
	b.mu.Unlock()
}

func (b *fakeBrowser) emit(ev schema.Event) {
	b.mu.Lock()
	fn := b.emitFn
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (b *fakeBrowser) ListTargets(context.Context) ([]schema.TargetInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.TargetInfo(nil), b.targets...), nil
}

func (b *fakeBrowser) CreateTarget(_ context.Context, url string) (schema.TargetID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := schema.TargetID(fmt.Sprintf("N%d", b.nextID))
	b.targets = append(b.targets, schema.TargetInfo{ID: id, URL: url, Type: "page"})
	return id, nil
}

func (b *fakeBrowser) NavigateTarget(_ context.Context, id schema.TargetID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.targets {
		if b.targets[i].ID == id {
			b.targets[i].URL = url
			return nil
		}
	}
	return schema.ErrTargetNotFound
}

func (b *fakeBrowser) CloseTarget(_ context.Context, id schema.TargetID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.targets {
		if b.targets[i].ID == id {
			b.targets = append(b.targets[:i], b.targets[i+1:]...)
			return nil
		}
	}
	return schema.ErrTargetNotFound
}

func (b *fakeBrowser) EvaluateScript(_ context.Context, id schema.TargetID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evals[id]++
	return nil
}

func (b *fakeBrowser) evalCount(id schema.TargetID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evals[id]
}

// gatedProber reports readiness only once release is closed.
type gatedProber struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProber) WaitForEndpointReady(ctx context.Context, port int, _ time.Duration) (string, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return fmt.Sprintf("http://localhost:%d/", port), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestSession(t *testing.T, browser *fakeBrowser, starter *fakeStarter, opts ...SessionOption) *Session {
	t.Helper()
	return newTestSessionWithProber(t, browser, starter, readyProber{}, opts...)
}

func newTestSessionWithProber(t *testing.T, browser *fakeBrowser, starter *fakeStarter, prober core.EndpointProber, opts ...SessionOption) *Session {
	t.Helper()
	cfg := SessionConfig{
		Profile: schema.BrowserProfile{
			ExecutablePath: "/usr/bin/chromium",
			UserDataDir:    t.TempDir(),
			Headless:       true,
		},
		Launch: LaunchConfig{
			TerminateTimeout: 50 * time.Millisecond,
			TempDir:          t.TempDir(),
		},
	}
	s, err := New(cfg, core.SessionDeps{Transport: browser, Prober: prober, Starter: starter}, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycle(t *testing.T) {
	browser := newFakeBrowser(schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"})
	starter := &fakeStarter{}
	s := newTestSession(t, browser, starter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.HasPrefix(result.CDPURL, "http://localhost:") || result.PID != 4000 {
		t.Fatalf("unexpected result %+v", result)
	}
	if browser.endpoint != result.CDPURL {
		t.Fatalf("expected transport connected to %s, got %s", result.CDPURL, browser.endpoint)
	}
	if s.BrowserState() != "running" {
		t.Fatalf("expected running state, got %s", s.BrowserState())
	}

	browser.emit(schema.NewTabCreated("T1", schema.BlankURL))
	eventually(t, "overlay on blank tab", func() bool { return browser.evalCount("T1") == 1 })

	browser.emit(schema.NewNetworkEvent(schema.EventRequestStarted, schema.NetworkRequest{
		TargetID: "T1", RequestID: "r1", URL: "https://example.com/app.js",
	}))
	eventually(t, "pending request", func() bool { return len(s.PendingRequests("T1")) == 1 })
	browser.emit(schema.NewNetworkEvent(schema.EventRequestFinished, schema.NetworkRequest{TargetID: "T1", RequestID: "r1"}))
	pending, err := s.WaitForStable(ctx, "T1", 2*time.Second)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected stable page, got %v %v", pending, err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := starter.last().terminations(); got == 0 {
		t.Fatalf("expected browser terminated on stop")
	}
	if !s.Stopping() {
		t.Fatalf("expected stopping mode after stop")
	}
	if browser.closed != 1 {
		t.Fatalf("expected transport closed once, got %d", browser.closed)
	}
	if _, err := s.Navigate(ctx, "https://example.com", false); !errors.Is(err, schema.ErrBusClosed) {
		t.Fatalf("expected closed bus after stop, got %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSessionStartTwiceRejected(t *testing.T) {
	browser := newFakeBrowser()
	s := newTestSession(t, browser, &fakeStarter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Start(ctx); !errors.Is(err, schema.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSessionConnectFailureKillsBrowser(t *testing.T) {
	browser := newFakeBrowser()
	browser.connectErr = errors.New("handshake refused")
	starter := &fakeStarter{}
	s := newTestSession(t, browser, starter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Start(ctx); err == nil || !strings.Contains(err.Error(), "handshake refused") {
		t.Fatalf("expected connect error, got %v", err)
	}
	if starter.last().terminations() == 0 {
		t.Fatalf("expected browser killed after connect failure")
	}
	if s.BrowserState() != "absent" {
		t.Fatalf("expected absent state, got %s", s.BrowserState())
	}
}

func TestSessionNavigateAndCloseTab(t *testing.T) {
	browser := newFakeBrowser(schema.TargetInfo{ID: "T1", URL: schema.BlankURL, Type: "page"})
	s := newTestSession(t, browser, &fakeStarter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	id, err := s.Navigate(ctx, "https://example.com/", false)
	if err != nil || id != "T1" {
		t.Fatalf("expected navigation in T1, got %q %v", id, err)
	}
	if err := s.CloseTab(ctx, "T1"); err != nil {
		t.Fatalf("close tab: %v", err)
	}
	targets, err := s.Targets(ctx)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 1 || targets[0].URL != schema.BlankURL || targets[0].ID == "T1" {
		t.Fatalf("expected a single blank placeholder, got %+v", targets)
	}
}

func TestSessionWaitReportsBrowserExit(t *testing.T) {
	browser := newFakeBrowser()
	starter := &fakeStarter{}
	s := newTestSession(t, browser, starter)
	if err := s.Wait(context.Background()); !errors.Is(err, schema.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before start, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	starter.last().exit()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "browser exited") {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func TestSessionEventSinkSeesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var kinds []schema.EventKind
	sink := EventSinkFunc(func(ev schema.Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	s := newTestSession(t, newFakeBrowser(), &fakeStarter{}, WithEventSink(sink))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	seen := map[schema.EventKind]bool{}
	for _, kind := range kinds {
		seen[kind] = true
	}
	for _, want := range []schema.EventKind{schema.EventLaunchRequested, schema.EventStopRequested, schema.EventKillRequested, schema.EventStopped} {
		if !seen[want] {
			t.Fatalf("expected sink to see %s, got %v", want, kinds)
		}
	}
	if routes := s.Routes(schema.EventTabClosing); len(routes) != 3 {
		t.Fatalf("expected tabs, netstable and fanout on tab_closing, got %v", routes)
	}
}

func TestStopWithoutStartClosesBus(t *testing.T) {
	s := newTestSession(t, newFakeBrowser(), &fakeStarter{})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.Start(context.Background()); !errors.Is(err, schema.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestStopDuringStartTerminatesBrowser(t *testing.T) {
	browser := newFakeBrowser()
	starter := &fakeStarter{}
	prober := &gatedProber{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestSessionWithProber(t, browser, starter, prober)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		startErr <- err
	}()
	select {
	case <-prober.entered:
	case <-ctx.Done():
		t.Fatalf("start never reached readiness")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(prober.release)

	select {
	case err := <-startErr:
		if !errors.Is(err, schema.ErrStopped) {
			t.Fatalf("expected start to fail with ErrStopped, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("start did not return")
	}
	eventually(t, "browser terminated", func() bool {
		p := starter.last()
		return p != nil && p.terminations() > 0
	})
	if s.BrowserState() != "absent" {
		t.Fatalf("expected absent state, got %s", s.BrowserState())
	}
	browser.mu.Lock()
	endpoint := browser.endpoint
	browser.mu.Unlock()
	if endpoint != "" {
		t.Fatalf("expected no transport connection after stop, got %s", endpoint)
	}
}
