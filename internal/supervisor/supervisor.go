// Package supervisor owns the browser subprocess: launch with retries and
// fallbacks, readiness, and graceful-then-forced teardown.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/internal/logx"
	"pkt.systems/browserwatch/internal/session"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// Name is the watchdog name of the supervisor.
const Name = "supervisor"

// State is the lifecycle state of the supervised process slot.
type State int

const (
	// StateAbsent means no process is held.
	StateAbsent State = iota
	// StateLaunching means a launch is in progress.
	StateLaunching
	// StateRunning means a process is held and its endpoint is ready.
	StateRunning
	// StateTerminating means the process is being stopped.
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config controls launch retries and timeouts.
type Config struct {
	MaxAttempts      int
	RetryBackoff     time.Duration
	StartupTimeout   time.Duration
	TerminateTimeout time.Duration
	PollInterval     time.Duration
	KillGrace        time.Duration
	InstallCommand   []string
	InstallTimeout   time.Duration
	// BrowsersPath overrides the browser cache directory searched for
	// downloaded builds.
	BrowsersPath string
	// TempDir is the base for temp profile directories; empty uses the OS default.
	TempDir string
}

// DefaultConfig returns the launch defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryBackoff:     500 * time.Millisecond,
		StartupTimeout:   30 * time.Second,
		TerminateTimeout: 5 * time.Second,
		PollInterval:     100 * time.Millisecond,
		KillGrace:        100 * time.Millisecond,
		InstallCommand:   []string{"npx", "--yes", "playwright", "install", "chromium"},
		InstallTimeout:   60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = d.TerminateTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = d.InstallTimeout
	}
	return c
}

// Options wires the supervisor's collaborators. Nil fields get production
// implementations.
type Options struct {
	Config  Config
	Starter core.ProcessStarter
	Prober  core.EndpointProber
	Fs      afero.Fs
	Locator *Locator
	Logger  pslog.Logger
}

// Supervisor is the process-supervision watchdog.
type Supervisor struct {
	cfg     Config
	sess    *session.Context
	bus     *eventbus.Bus
	starter core.ProcessStarter
	prober  core.EndpointProber
	fs      afero.Fs
	locator *Locator
	log     pslog.Logger

	mu    sync.Mutex
	state State
	// killPending is set by a stop that arrives while a launch is running.
	killPending bool
	// killMu serializes teardowns.
	killMu sync.Mutex
}

// New constructs a supervisor for the session. Prober is required.
func New(sess *session.Context, bus *eventbus.Bus, opts Options) *Supervisor {
	cfg := opts.Config.withDefaults()
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	starter := opts.Starter
	if starter == nil {
		starter = ExecStarter{}
	}
	locator := opts.Locator
	if locator == nil {
		locator = NewLocator(fs, LocatorOptions{
			BrowsersPath:   cfg.BrowsersPath,
			InstallCommand: cfg.InstallCommand,
			InstallTimeout: cfg.InstallTimeout,
			Logger:         logger,
		})
	}
	return &Supervisor{
		cfg:     cfg,
		sess:    sess,
		bus:     bus,
		starter: starter,
		prober:  opts.Prober,
		fs:      fs,
		locator: locator,
		log:     logx.WithWatchdog(logger, Name),
	}
}

// Name implements eventbus.Watchdog.
func (s *Supervisor) Name() string { return Name }

// Listens implements eventbus.Watchdog.
func (s *Supervisor) Listens() []schema.EventKind {
	return []schema.EventKind{schema.EventLaunchRequested, schema.EventKillRequested, schema.EventStopRequested}
}

// Emits implements eventbus.Watchdog.
func (s *Supervisor) Emits() []schema.EventKind {
	return []schema.EventKind{schema.EventKillRequested}
}

// Handlers implements eventbus.Watchdog.
func (s *Supervisor) Handlers() map[schema.EventKind]eventbus.Handler {
	return map[schema.EventKind]eventbus.Handler{
		schema.EventLaunchRequested: s.onLaunch,
		schema.EventKillRequested:   s.onKill,
		schema.EventStopRequested:   s.onStop,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) onLaunch(ctx context.Context, ev schema.Event) (any, error) {
	if !s.transition(StateAbsent, StateLaunching) {
		return nil, fmt.Errorf("%w: state %s", schema.ErrAlreadyRunning, s.State())
	}
	result, err := s.launch(ctx, ev.Launch.Profile)
	s.mu.Lock()
	stop := s.killPending
	s.killPending = false
	if err != nil {
		s.state = StateAbsent
	} else {
		s.state = StateRunning
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if stop {
		s.log.Info("supervisor stop arrived during launch, killing", "pid", result.PID)
		s.Kill(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: stop requested during launch", schema.ErrStopped)
	}
	return result, nil
}

func (s *Supervisor) onKill(ctx context.Context, _ schema.Event) (any, error) {
	s.Kill(ctx)
	return nil, nil
}

func (s *Supervisor) onStop(ctx context.Context, _ schema.Event) (any, error) {
	s.mu.Lock()
	if s.state == StateLaunching {
		s.killPending = true
		s.mu.Unlock()
		s.log.Info("supervisor stop during launch, kill deferred until launch returns")
		return nil, nil
	}
	s.mu.Unlock()
	if s.sess.Process() == nil {
		return nil, nil
	}
	s.log.Debug("supervisor scheduling kill after stop")
	s.bus.DispatchAfter(ctx, schema.NewKillRequested())
	return nil, nil
}

// profile-lock signatures that make a fresh user-data dir worth a retry
var retrySignatures = []string{"singletonlock", "user data directory", "cannot create", "already in use"}

func isProfileConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range retrySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
