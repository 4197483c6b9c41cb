// Package cdp implements the browser transport over the Chrome DevTools
// Protocol using chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

var (
	_ core.Transport = (*Transport)(nil)
	_ core.Connector = (*Transport)(nil)
	_ core.EndpointProber = (*HTTPProber)(nil)
)

// Transport is a core.Transport and core.Connector backed by a remote
// chromedp allocator.
type Transport struct {
	prober *HTTPProber
	log    pslog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	emit          func(schema.Event)
	tabs          map[schema.TargetID]*tab
	pages         map[schema.TargetID]string
	closing       map[schema.TargetID]struct{}
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	root   bool
	once   sync.Once
	err    error
}

// NewTransport returns an unconnected transport.
func NewTransport(prober *HTTPProber, logger pslog.Logger) *Transport {
	if prober == nil {
		prober = NewHTTPProber()
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{
		prober:  prober,
		log:     logger.With("component", "cdp"),
		tabs:    make(map[schema.TargetID]*tab),
		pages:   make(map[schema.TargetID]string),
		closing: make(map[schema.TargetID]struct{}),
	}
}

// Connect attaches to the browser behind endpoint and starts translating
// protocol events into emit. The first existing page is attached instead of
// opening a new one.
func (t *Transport) Connect(ctx context.Context, endpoint string, emit func(schema.Event)) error {
	t.mu.Lock()
	if t.browserCtx != nil {
		t.mu.Unlock()
		return errors.New("cdp already connected")
	}
	t.mu.Unlock()

	pages, err := t.prober.Pages(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	var rootID schema.TargetID
	for _, p := range pages {
		if p.Type == pageType {
			rootID = schema.TargetID(p.ID)
			break
		}
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint)
	opts := []chromedp.ContextOption{
		chromedp.WithErrorf(func(format string, args ...any) {
			t.log.Debug("cdp protocol error", "detail", fmt.Sprintf(format, args...))
		}),
	}
	if rootID != "" {
		opts = append(opts, chromedp.WithTargetID(target.ID(rootID)))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, opts...)

	// the first Run allocates the connection and must not carry a deadline
	attached := make(chan error, 1)
	go func() { attached <- chromedp.Run(browserCtx) }()
	select {
	case err = <-attached:
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		<-attached
		return ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("attach browser: %w", err)
	}
	if rootID == "" {
		rootID = schema.TargetID(chromedp.FromContext(browserCtx).Target.TargetID)
	}

	root := &tab{ctx: browserCtx, cancel: browserCancel, root: true}
	root.once.Do(func() {})
	t.mu.Lock()
	t.allocCancel = allocCancel
	t.browserCtx = browserCtx
	t.browserCancel = browserCancel
	t.emit = emit
	t.tabs[rootID] = root
	t.mu.Unlock()

	chromedp.ListenBrowser(browserCtx, t.onBrowserEvent)
	t.listenTarget(rootID, browserCtx)
	err = t.run(ctx, browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	if err != nil {
		t.Close()
		return fmt.Errorf("discover targets: %w", err)
	}
	t.log.Info("cdp connected", "endpoint", endpoint, "target", rootID)
	return nil
}

// Close detaches from the browser. The browser process is left alone.
func (t *Transport) Close() {
	t.mu.Lock()
	tabs := t.tabs
	browserCancel, allocCancel := t.browserCancel, t.allocCancel
	t.tabs = make(map[schema.TargetID]*tab)
	t.pages = make(map[schema.TargetID]string)
	t.browserCtx = nil
	t.browserCancel = nil
	t.allocCancel = nil
	t.emit = nil
	t.mu.Unlock()
	for _, tb := range tabs {
		if !tb.root {
			tb.cancel()
		}
	}
	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

// ListTargets implements core.Transport.
func (t *Transport) ListTargets(ctx context.Context) ([]schema.TargetInfo, error) {
	browserCtx, err := t.browser()
	if err != nil {
		return nil, err
	}
	var infos []*target.Info
	err = t.run(ctx, browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		infos, err = chromedp.Targets(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return targetInfos(infos), nil
}

// CreateTarget implements core.Transport.
func (t *Transport) CreateTarget(ctx context.Context, url string) (schema.TargetID, error) {
	browserCtx, err := t.browser()
	if err != nil {
		return "", err
	}
	var id target.ID
	err = t.run(ctx, browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = target.CreateTarget(url).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
		return err
	}))
	if err != nil {
		return "", err
	}
	return schema.TargetID(id), nil
}

// NavigateTarget implements core.Transport.
func (t *Transport) NavigateTarget(ctx context.Context, id schema.TargetID, url string) error {
	tabCtx, err := t.tabContext(id)
	if err != nil {
		return err
	}
	return t.run(ctx, tabCtx, chromedp.Navigate(url))
}

// CloseTarget implements core.Transport.
func (t *Transport) CloseTarget(ctx context.Context, id schema.TargetID) error {
	browserCtx, err := t.browser()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.closing[id] = struct{}{}
	t.mu.Unlock()
	err = t.run(ctx, browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.CloseTarget(target.ID(id)).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	t.release(id)
	if err != nil {
		t.mu.Lock()
		delete(t.closing, id)
		t.mu.Unlock()
		if isTargetNotFound(err) {
			return fmt.Errorf("%w: %s", schema.ErrTargetNotFound, id)
		}
		return err
	}
	return nil
}

// EvaluateScript implements core.Transport.
func (t *Transport) EvaluateScript(ctx context.Context, id schema.TargetID, source string) error {
	tabCtx, err := t.tabContext(id)
	if err != nil {
		return err
	}
	return t.run(ctx, tabCtx, chromedp.Evaluate(source, nil))
}

func (t *Transport) browser() (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browserCtx == nil {
		return nil, schema.ErrNotConnected
	}
	return t.browserCtx, nil
}

// tabContext returns the cached chromedp context attached to id.
func (t *Transport) tabContext(id schema.TargetID) (context.Context, error) {
	t.mu.Lock()
	if t.browserCtx == nil {
		t.mu.Unlock()
		return nil, schema.ErrNotConnected
	}
	tb := t.tabs[id]
	if tb == nil {
		ctx, cancel := chromedp.NewContext(t.browserCtx, chromedp.WithTargetID(target.ID(id)))
		tb = &tab{ctx: ctx, cancel: cancel}
		t.tabs[id] = tb
	}
	t.mu.Unlock()
	tb.once.Do(func() { tb.err = chromedp.Run(tb.ctx) })
	if tb.err != nil {
		t.release(id)
		if isTargetNotFound(tb.err) {
			return nil, fmt.Errorf("%w: %s", schema.ErrTargetNotFound, id)
		}
		return nil, tb.err
	}
	return tb.ctx, nil
}

func (t *Transport) release(id schema.TargetID) {
	t.mu.Lock()
	tb := t.tabs[id]
	if tb != nil && !tb.root {
		delete(t.tabs, id)
	}
	t.mu.Unlock()
	if tb != nil && !tb.root {
		tb.cancel()
	}
}

// run executes actions on chromeCtx, bounded by ctx.
func (t *Transport) run(ctx, chromeCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(chromeCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *Transport) dispatch(ev schema.Event) {
	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// onBrowserEvent runs on the chromedp reader goroutine and must not block.
func (t *Transport) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		created, ok := tabCreated(e)
		if !ok {
			return
		}
		id := created.Target.ID
		t.mu.Lock()
		_, seen := t.pages[id]
		t.pages[id] = created.Target.URL
		t.mu.Unlock()
		if seen {
			return
		}
		t.dispatch(created)
		go t.watch(id)
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil {
			return
		}
		id := schema.TargetID(e.TargetInfo.TargetID)
		t.mu.Lock()
		if _, ok := t.pages[id]; ok {
			t.pages[id] = e.TargetInfo.URL
		}
		t.mu.Unlock()
	case *target.EventTargetDestroyed:
		id := schema.TargetID(e.TargetID)
		t.mu.Lock()
		url, known := t.pages[id]
		delete(t.pages, id)
		_, requested := t.closing[id]
		delete(t.closing, id)
		t.mu.Unlock()
		t.release(id)
		if known && !requested {
			t.dispatch(schema.NewTabClosing(id, url))
		}
	}
}

// watch attaches to a new page and enables network events on it.
func (t *Transport) watch(id schema.TargetID) {
	t.mu.Lock()
	existing := t.tabs[id]
	t.mu.Unlock()
	if existing != nil && existing.root {
		return
	}
	tabCtx, err := t.tabContext(id)
	if err != nil {
		t.log.Debug("cdp attach failed", "target", id, "err", err)
		return
	}
	t.listenTarget(id, tabCtx)
}

func (t *Transport) listenTarget(id schema.TargetID, tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if out, ok := translateTargetEvent(id, ev); ok {
			t.dispatch(out)
		}
	})
	go func() {
		if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
			t.log.Debug("cdp network enable failed", "target", id, "err", err)
		}
	}()
}

func isTargetNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no target with given id") || strings.Contains(msg, "target not found")
}
