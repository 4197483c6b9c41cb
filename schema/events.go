package schema

import (
	"sort"
	"time"
)

// EventKind identifies the event payload.
type EventKind string

const (
	// EventLaunchRequested asks the supervisor to start a local browser.
	EventLaunchRequested EventKind = "launch_requested"
	// EventKillRequested asks the supervisor to terminate the browser process.
	EventKillRequested EventKind = "kill_requested"
	// EventStopRequested announces that the session is shutting down.
	EventStopRequested EventKind = "stop_requested"
	// EventStopped announces that the session shutdown completed.
	EventStopped EventKind = "stopped"
	// EventTabCreated reports a new page target.
	EventTabCreated EventKind = "tab_created"
	// EventTabClosing reports a page target that is about to close.
	EventTabClosing EventKind = "tab_closing"
	// EventNavigate requests a navigation, optionally in a new tab.
	EventNavigate EventKind = "navigate"
	// EventCloseTarget requests that a page target be closed.
	EventCloseTarget EventKind = "close_target"
	// EventOverlayShown reports that the idle overlay was applied to a target.
	EventOverlayShown EventKind = "overlay_shown"
	// EventRequestStarted reports a network request leaving a target.
	EventRequestStarted EventKind = "request_started"
	// EventRequestFinished reports a network request that completed.
	EventRequestFinished EventKind = "request_finished"
	// EventRequestFailed reports a network request that failed.
	EventRequestFailed EventKind = "request_failed"
	// EventNavigationStarted reports a main-frame navigation of a target.
	EventNavigationStarted EventKind = "navigation_started"
)

var knownKinds = map[EventKind]struct{}{
	EventLaunchRequested:   {},
	EventKillRequested:     {},
	EventStopRequested:     {},
	EventStopped:           {},
	EventTabCreated:        {},
	EventTabClosing:        {},
	EventNavigate:          {},
	EventCloseTarget:       {},
	EventOverlayShown:      {},
	EventRequestStarted:    {},
	EventRequestFinished:   {},
	EventRequestFailed:     {},
	EventNavigationStarted: {},
}

// Valid reports whether the kind is part of the closed event set.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// EventKinds returns the closed event set in name order.
func EventKinds() []EventKind {
	out := make([]EventKind, 0, len(knownKinds))
	for kind := range knownKinds {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Event is an immutable record routed by the event bus. Only the payload
// matching Kind is populated.
type Event struct {
	Kind      EventKind
	CreatedAt time.Time
	Launch    LaunchRequest
	Target    TargetRef
	Navigate  NavigateRequest
	Network   NetworkRequest
}

// LaunchRequest carries the profile to launch with.
type LaunchRequest struct {
	Profile BrowserProfile
}

// TargetRef identifies the target a tab event refers to.
type TargetRef struct {
	ID  TargetID
	URL string
}

// NavigateRequest describes a navigation.
type NavigateRequest struct {
	URL      string
	NewTab   bool
	TargetID TargetID
}

// NetworkRequest describes one observed network request transition.
type NetworkRequest struct {
	TargetID  TargetID
	RequestID string
	URL       string
	At        time.Time
	ErrorText string
}

func newEvent(kind EventKind) Event {
	return Event{Kind: kind, CreatedAt: time.Now()}
}

// NewLaunchRequested builds a launch_requested event.
func NewLaunchRequested(profile BrowserProfile) Event {
	ev := newEvent(EventLaunchRequested)
	ev.Launch = LaunchRequest{Profile: profile}
	return ev
}

// NewKillRequested builds a kill_requested event.
func NewKillRequested() Event {
	return newEvent(EventKillRequested)
}

// NewStopRequested builds a stop_requested event.
func NewStopRequested() Event {
	return newEvent(EventStopRequested)
}

// NewStopped builds a stopped event.
func NewStopped() Event {
	return newEvent(EventStopped)
}

// NewTabCreated builds a tab_created event.
func NewTabCreated(id TargetID, url string) Event {
	ev := newEvent(EventTabCreated)
	ev.Target = TargetRef{ID: id, URL: url}
	return ev
}

// NewTabClosing builds a tab_closing event.
func NewTabClosing(id TargetID, url string) Event {
	ev := newEvent(EventTabClosing)
	ev.Target = TargetRef{ID: id, URL: url}
	return ev
}

// NewNavigate builds a navigate event.
func NewNavigate(url string, newTab bool) Event {
	ev := newEvent(EventNavigate)
	ev.Navigate = NavigateRequest{URL: url, NewTab: newTab}
	return ev
}

// NewNavigateTarget builds a navigate event bound to an existing target.
func NewNavigateTarget(id TargetID, url string) Event {
	ev := newEvent(EventNavigate)
	ev.Navigate = NavigateRequest{URL: url, TargetID: id}
	return ev
}

// NewCloseTarget builds a close_target event.
func NewCloseTarget(id TargetID) Event {
	ev := newEvent(EventCloseTarget)
	ev.Target = TargetRef{ID: id}
	return ev
}

// NewOverlayShown builds an overlay_shown event.
func NewOverlayShown(id TargetID) Event {
	ev := newEvent(EventOverlayShown)
	ev.Target = TargetRef{ID: id}
	return ev
}

// NewNavigationStarted builds a navigation_started event.
func NewNavigationStarted(id TargetID, url string) Event {
	ev := newEvent(EventNavigationStarted)
	ev.Target = TargetRef{ID: id, URL: url}
	return ev
}

// NewNetworkEvent builds one of the request_* events.
func NewNetworkEvent(kind EventKind, req NetworkRequest) Event {
	ev := newEvent(kind)
	if req.At.IsZero() {
		req.At = ev.CreatedAt
	}
	ev.Network = req
	return ev
}
