// Package netstable tracks in-flight network requests per target and decides
// which of them still block a page from being considered stable.
package netstable

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/browserwatch/internal/eventbus"
	"pkt.systems/browserwatch/internal/logx"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// Name is the watchdog name of the Tracker.
const Name = "netstable"

const (
	// DefaultStaleAfter is the age after which an in-flight request is
	// treated as background traffic.
	DefaultStaleAfter = 10 * time.Second
	// DefaultPollInterval is the WaitForStable polling cadence.
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures a Tracker.
type Options struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
	// DenyDomains replaces DefaultDenyDomains when non-nil.
	DenyDomains []string
	Now         func() time.Time
	Logger      pslog.Logger
}

// Tracker is the network-stability watchdog.
type Tracker struct {
	deny       *DenyList
	staleAfter time.Duration
	poll       time.Duration
	now        func() time.Time
	log        pslog.Logger

	mu      sync.Mutex
	pending map[schema.TargetID]map[string]record
	// settled holds requests that finished before their start was seen.
	settled map[string]time.Time
	// resetAt is the creation time of the latest reset event per target.
	// Handlers of consecutive events run concurrently, so event creation
	// time, not handler order, decides whether a request predates a reset.
	resetAt map[schema.TargetID]time.Time
}

// record is a pending request plus the creation time of the event that
// first reported it.
type record struct {
	req  schema.PendingRequest
	seen time.Time
}

// New constructs a Tracker.
func New(opts Options) (*Tracker, error) {
	domains := opts.DenyDomains
	if domains == nil {
		domains = DefaultDenyDomains
	}
	deny, err := NewDenyList(domains)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		deny:       deny,
		staleAfter: opts.StaleAfter,
		poll:       opts.PollInterval,
		now:        opts.Now,
		log:        opts.Logger,
		pending:    make(map[schema.TargetID]map[string]record),
		settled:    make(map[string]time.Time),
		resetAt:    make(map[schema.TargetID]time.Time),
	}
	if t.staleAfter <= 0 {
		t.staleAfter = DefaultStaleAfter
	}
	if t.poll <= 0 {
		t.poll = DefaultPollInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log == nil {
		t.log = pslog.Ctx(context.Background())
	}
	t.log = logx.WithWatchdog(t.log, Name)
	return t, nil
}

// Name implements eventbus.Watchdog.
func (t *Tracker) Name() string { return Name }

// Listens implements eventbus.Watchdog.
func (t *Tracker) Listens() []schema.EventKind {
	return []schema.EventKind{
		schema.EventRequestStarted,
		schema.EventRequestFinished,
		schema.EventRequestFailed,
		schema.EventNavigationStarted,
		schema.EventTabClosing,
	}
}

// Emits implements eventbus.Watchdog.
func (t *Tracker) Emits() []schema.EventKind { return nil }

// Handlers implements eventbus.Watchdog.
func (t *Tracker) Handlers() map[schema.EventKind]eventbus.Handler {
	return map[schema.EventKind]eventbus.Handler{
		schema.EventRequestStarted:    t.onStarted,
		schema.EventRequestFinished:   t.onSettled,
		schema.EventRequestFailed:     t.onSettled,
		schema.EventNavigationStarted: t.onReset,
		schema.EventTabClosing:        t.onReset,
	}
}

func (t *Tracker) onStarted(_ context.Context, ev schema.Event) (any, error) {
	req := ev.Network
	if req.RequestID == "" {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.beforeReset(req.TargetID, ev) {
		return nil, nil
	}
	if _, done := t.settled[req.RequestID]; done {
		delete(t.settled, req.RequestID)
		return nil, nil
	}
	byID := t.pending[req.TargetID]
	if byID == nil {
		byID = make(map[string]record)
		t.pending[req.TargetID] = byID
	}
	rec := record{seen: ev.CreatedAt}
	started := req.At
	if existing, ok := byID[req.RequestID]; ok {
		// redirects reuse the request id; keep the first start time
		started = existing.req.StartedAt
		rec.seen = existing.seen
	}
	rec.req = schema.PendingRequest{
		RequestID: req.RequestID,
		TargetID:  req.TargetID,
		URL:       req.URL,
		StartedAt: started,
	}
	byID[req.RequestID] = rec
	return nil, nil
}

func (t *Tracker) onSettled(_ context.Context, ev schema.Event) (any, error) {
	req := ev.Network
	t.mu.Lock()
	defer t.mu.Unlock()
	if byID := t.pending[req.TargetID]; byID != nil {
		if _, ok := byID[req.RequestID]; ok {
			delete(byID, req.RequestID)
			if len(byID) == 0 {
				delete(t.pending, req.TargetID)
			}
			return nil, nil
		}
	}
	// a start reported before the latest reset is ignored anyway
	if req.RequestID != "" && !t.beforeReset(req.TargetID, ev) {
		t.settled[req.RequestID] = t.now()
	}
	return nil, nil
}

// onReset forgets the requests of the target reported before ev. Requests
// reported after ev stay, whatever order the handlers ran in.
func (t *Tracker) onReset(_ context.Context, ev schema.Event) (any, error) {
	id := ev.Target.ID
	t.mu.Lock()
	if last, ok := t.resetAt[id]; !ok || ev.CreatedAt.After(last) {
		t.resetAt[id] = ev.CreatedAt
	}
	cutoff := t.resetAt[id]
	n := 0
	byID := t.pending[id]
	for reqID, rec := range byID {
		if rec.seen.Before(cutoff) {
			delete(byID, reqID)
			n++
		}
	}
	if byID != nil && len(byID) == 0 {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if n > 0 {
		logx.WithEvent(t.log, ev).Trace("netstable cleared target", "dropped", n)
	}
	return nil, nil
}

// beforeReset reports whether ev was created before the latest reset of
// target. Caller holds t.mu.
func (t *Tracker) beforeReset(target schema.TargetID, ev schema.Event) bool {
	last, ok := t.resetAt[target]
	return ok && ev.CreatedAt.Before(last)
}

// Pending returns the requests of target that still block stability,
// oldest first. Deny-listed hosts are skipped; requests older than the stale
// threshold are skipped and forgotten.
func (t *Tracker) Pending(target schema.TargetID) []schema.PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneSettled(now)
	out := t.classify(target, now, nil)
	sortPending(out)
	return out
}

// PendingAll is Pending across every target.
func (t *Tracker) PendingAll() []schema.PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneSettled(now)
	var out []schema.PendingRequest
	for target := range t.pending {
		out = t.classify(target, now, out)
	}
	sortPending(out)
	return out
}

// WaitForStable polls Pending until target has no blocking requests or
// timeout elapses, and returns what is still pending. Only ctx cancellation
// is an error.
func (t *Tracker) WaitForStable(ctx context.Context, target schema.TargetID, timeout time.Duration) ([]schema.PendingRequest, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		pending := t.Pending(target)
		if len(pending) == 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return pending, ctx.Err()
		case <-deadline.C:
			t.log.Debug("netstable wait elapsed", "target", target, "pending", len(pending))
			return pending, nil
		case <-ticker.C:
		}
	}
}

// classify appends the blocking requests of target to out. Caller holds t.mu.
func (t *Tracker) classify(target schema.TargetID, now time.Time, out []schema.PendingRequest) []schema.PendingRequest {
	byID := t.pending[target]
	for id, rec := range byID {
		req := rec.req
		if t.deny.MatchURL(req.URL) {
			continue
		}
		if req.Age(now) > t.staleAfter {
			delete(byID, id)
			continue
		}
		out = append(out, req)
	}
	if byID != nil && len(byID) == 0 {
		delete(t.pending, target)
	}
	return out
}

func (t *Tracker) pruneSettled(now time.Time) {
	for id, at := range t.settled {
		if now.Sub(at) > t.staleAfter {
			delete(t.settled, id)
		}
	}
}

func sortPending(reqs []schema.PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].StartedAt.Equal(reqs[j].StartedAt) {
			return reqs[i].StartedAt.Before(reqs[j].StartedAt)
		}
		return reqs[i].RequestID < reqs[j].RequestID
	})
}
