// Package browserwatch runs a supervised local browser behind an event bus of
// watchdogs: process supervision, tab invariants and network stability.
package browserwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/internal/cdp"
	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/internal/netstable"
	"pkt.systems/browserwatch/internal/session"
	"pkt.systems/browserwatch/internal/supervisor"
	"pkt.systems/browserwatch/internal/tabs"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// SessionConfig configures a browser session.
type SessionConfig struct {
	Profile schema.BrowserProfile
	Launch  LaunchConfig
	Network NetworkConfig
	// OverlayLabel is shown on blank tabs; empty uses the session label.
	OverlayLabel string
}

// LaunchConfig controls process supervision. Zero values use defaults.
type LaunchConfig struct {
	MaxAttempts      int
	RetryBackoff     time.Duration
	StartupTimeout   time.Duration
	TerminateTimeout time.Duration
	InstallCommand   []string
	InstallTimeout   time.Duration
	BrowsersPath     string
	TempDir          string
}

// NetworkConfig controls network stability tracking.
type NetworkConfig struct {
	StaleAfter time.Duration
	// DenyDomains replaces the built-in deny list when non-nil.
	DenyDomains []string
}

// DefaultDenyDomains returns a copy of the built-in advertising deny list.
func DefaultDenyDomains() []string {
	return append([]string(nil), netstable.DefaultDenyDomains...)
}

// SessionOption toggles optional session components.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	sinks []EventSink
}

// WithEventSink forwards a copy of every bus event to sink.
func WithEventSink(sink EventSink) SessionOption {
	return func(o *sessionOptions) { o.sinks = append(o.sinks, sink) }
}

// Session owns one browser process and the watchdogs around it.
type Session struct {
	cfg        SessionConfig
	sess       *session.Context
	bus        *eventbus.Bus
	transport  core.Transport
	connector  core.Connector
	supervisor *supervisor.Supervisor
	maintainer *tabs.Maintainer
	tracker    *netstable.Tracker
	log        pslog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	result  schema.LaunchResult
	started bool
	stopped bool
}

// New wires a session. Nil deps get the chromedp transport, the HTTP
// endpoint prober and the OS process starter.
func New(cfg SessionConfig, deps core.SessionDeps, opts ...SessionOption) (*Session, error) {
	options := sessionOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sess := session.New(cfg.Profile)
	logger = logger.With("session", sess.ID())

	httpProber, _ := deps.Prober.(*cdp.HTTPProber)
	if httpProber == nil {
		httpProber = cdp.NewHTTPProber()
	}
	prober := deps.Prober
	if prober == nil {
		prober = httpProber
	}
	transport := deps.Transport
	if transport == nil {
		transport = cdp.NewTransport(httpProber, logger)
	}
	connector, _ := transport.(core.Connector)

	bus := eventbus.New(logger)
	tracker, err := netstable.New(netstable.Options{
		StaleAfter:  cfg.Network.StaleAfter,
		DenyDomains: cfg.Network.DenyDomains,
		Logger:      logger,
	})
	if err != nil {
		bus.Close()
		return nil, err
	}
	sup := supervisor.New(sess, bus, supervisor.Options{
		Config:  cfg.Launch.supervisorConfig(),
		Starter: deps.Starter,
		Prober:  prober,
		Logger:  logger,
	})
	label := cfg.OverlayLabel
	if label == "" {
		label = sess.Label()
	}
	maintainer := tabs.NewMaintainer(bus, transport, label, logger)
	navigator := tabs.NewNavigator(bus, transport, logger)
	navigator.OnCloseFailed(maintainer.ForgetClosing)
	watchdogs := []eventbus.Watchdog{
		sup,
		maintainer,
		navigator,
		tracker,
	}
	if len(options.sinks) > 0 {
		watchdogs = append(watchdogs, eventFanout{sinks: options.sinks})
	}
	for _, w := range watchdogs {
		if err := bus.Register(w); err != nil {
			bus.Close()
			return nil, fmt.Errorf("register %s: %w", w.Name(), err)
		}
	}
	return &Session{
		cfg:        cfg,
		sess:       sess,
		bus:        bus,
		transport:  transport,
		connector:  connector,
		supervisor: sup,
		maintainer: maintainer,
		tracker:    tracker,
		log:        logger,
	}, nil
}

func (c LaunchConfig) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		MaxAttempts:      c.MaxAttempts,
		RetryBackoff:     c.RetryBackoff,
		StartupTimeout:   c.StartupTimeout,
		TerminateTimeout: c.TerminateTimeout,
		InstallCommand:   c.InstallCommand,
		InstallTimeout:   c.InstallTimeout,
		BrowsersPath:     c.BrowsersPath,
		TempDir:          c.TempDir,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.sess.ID() }

// Label returns the short session label.
func (s *Session) Label() string { return s.sess.Label() }

// Result returns the launch result of a started session.
func (s *Session) Result() schema.LaunchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Start launches the browser and attaches the transport to it.
func (s *Session) Start(ctx context.Context) (schema.LaunchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return schema.LaunchResult{}, schema.ErrBusClosed
	}
	if s.started {
		s.mu.Unlock()
		s.log.Warn("session start rejected", "reason", "already started")
		return schema.LaunchResult{}, schema.ErrAlreadyRunning
	}
	s.started = true
	s.baseCtx = pslog.ContextWithLogger(context.WithoutCancel(ctx), s.log)
	s.mu.Unlock()

	s.log.Info("session start", "label", s.sess.Label())
	value, err := s.bus.Dispatch(ctx, schema.NewLaunchRequested(s.cfg.Profile)).Value(ctx)
	if err != nil {
		s.resetStart()
		return schema.LaunchResult{}, err
	}
	result, ok := value.(schema.LaunchResult)
	if !ok {
		s.resetStart()
		return schema.LaunchResult{}, fmt.Errorf("%w: no launch result", schema.ErrLaunchFailed)
	}
	if s.isStopped() {
		s.abandonLaunch(false)
		return schema.LaunchResult{}, fmt.Errorf("%w: stopped during launch", schema.ErrStopped)
	}
	if s.connector != nil {
		if err := s.connector.Connect(ctx, result.CDPURL, s.emit); err != nil {
			s.log.Error("session connect failed", "cdp_url", result.CDPURL, "err", err)
			s.killBrowser()
			s.resetStart()
			return schema.LaunchResult{}, fmt.Errorf("connect %s: %w", result.CDPURL, err)
		}
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.abandonLaunch(true)
		return schema.LaunchResult{}, fmt.Errorf("%w: stopped during connect", schema.ErrStopped)
	}
	s.result = result
	s.mu.Unlock()
	s.log.Info("session started", "cdp_url", result.CDPURL, "pid", result.PID)
	return result, nil
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// abandonLaunch tears down a browser that came up after Stop had already
// run. The bus may be closed, so the supervisor is called directly.
func (s *Session) abandonLaunch(connected bool) {
	s.log.Info("session stopped during start, killing browser")
	if connected && s.connector != nil {
		s.connector.Close()
	}
	s.supervisor.Kill(context.Background())
}

func (s *Session) resetStart() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Session) killBrowser() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.bus.Dispatch(ctx, schema.NewKillRequested()).Wait(ctx); err != nil {
		s.log.Warn("session kill failed", "err", err)
	}
}

// emit feeds protocol events into the bus without blocking.
func (s *Session) emit(ev schema.Event) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.bus.Dispatch(ctx, ev)
}

// Wait blocks until ctx ends or the browser process exits on its own.
func (s *Session) Wait(ctx context.Context) error {
	proc := s.sess.Process()
	if proc == nil {
		return schema.ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return nil
	case <-proc.Exited():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("browser exited: %w", err)
		}
		return errors.New("browser exited")
	}
}

// Stop announces shutdown, terminates the browser, detaches the transport
// and closes the bus. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()
	defer s.bus.Close()
	if !started {
		return nil
	}

	s.log.Info("session stop requested")
	var stopErr error
	if _, err := s.bus.Dispatch(ctx, schema.NewStopRequested()).Wait(ctx); err != nil {
		s.log.Warn("session stop incomplete", "err", err)
		stopErr = err
	}
	if s.connector != nil {
		s.connector.Close()
	}
	if _, err := s.bus.Dispatch(ctx, schema.NewStopped()).Wait(ctx); err != nil && stopErr == nil {
		stopErr = err
	}
	if stopErr != nil {
		return stopErr
	}
	s.log.Info("session stopped")
	return nil
}

// Navigate loads url in the first page, or in a new tab when newTab is set,
// and returns the target used.
func (s *Session) Navigate(ctx context.Context, url string, newTab bool) (schema.TargetID, error) {
	value, err := s.bus.Dispatch(ctx, schema.NewNavigate(url, newTab)).Value(ctx)
	if err != nil {
		return "", err
	}
	id, _ := value.(schema.TargetID)
	return id, nil
}

// CloseTab closes a page target. Closing the last page leaves a blank
// placeholder behind.
func (s *Session) CloseTab(ctx context.Context, id schema.TargetID) error {
	_, err := s.bus.Dispatch(ctx, schema.NewCloseTarget(id)).Wait(ctx)
	return err
}

// Targets lists the live browser targets.
func (s *Session) Targets(ctx context.Context) ([]schema.TargetInfo, error) {
	return s.transport.ListTargets(ctx)
}

// PendingRequests returns the requests still blocking stability of target.
func (s *Session) PendingRequests(target schema.TargetID) []schema.PendingRequest {
	return s.tracker.Pending(target)
}

// AllPendingRequests is PendingRequests across every target.
func (s *Session) AllPendingRequests() []schema.PendingRequest {
	return s.tracker.PendingAll()
}

// WaitForStable waits up to timeout for target to have no blocking requests
// and returns what is still pending.
func (s *Session) WaitForStable(ctx context.Context, target schema.TargetID, timeout time.Duration) ([]schema.PendingRequest, error) {
	return s.tracker.WaitForStable(ctx, target, timeout)
}

// BrowserState returns the supervisor lifecycle state name.
func (s *Session) BrowserState() string {
	return s.supervisor.State().String()
}

// Stopping reports whether the session has begun shutting down.
func (s *Session) Stopping() bool {
	return s.maintainer.Stopping()
}

// Routes returns the watchdog names subscribed to kind, in delivery order.
func (s *Session) Routes(kind schema.EventKind) []string {
	return s.bus.Routes(kind)
}
