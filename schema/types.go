package schema

import "time"

// TargetID identifies a browser target.
type TargetID string

// BlankURL is the browser's built-in empty page.
const BlankURL = "about:blank"

// TargetInfo describes a live browser target.
type TargetInfo struct {
	ID   TargetID
	URL  string
	Type string
}

// IsPage reports whether the target is a top-level page.
func (t TargetInfo) IsPage() bool {
	return t.Type == "" || t.Type == "page"
}

// PendingRequest is a request observed started but not yet finished.
type PendingRequest struct {
	RequestID string
	TargetID  TargetID
	URL       string
	StartedAt time.Time
}

// Age returns how long the request has been in flight at now.
func (r PendingRequest) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// LaunchResult is returned by the supervisor once the endpoint is ready.
type LaunchResult struct {
	CDPURL string
	PID    int
}

// BrowserProfile describes how a browser should be launched.
type BrowserProfile struct {
	ExecutablePath           string
	UserDataDir              string
	ProfileDirectory         string
	Headless                 bool
	Args                     []string
	IgnoreDefaultArgs        []string
	WindowWidth              int
	WindowHeight             int
	DisableDefaultExtensions bool
}

// Clone returns a deep copy of the profile.
func (p BrowserProfile) Clone() BrowserProfile {
	out := p
	if p.Args != nil {
		out.Args = append([]string(nil), p.Args...)
	}
	if p.IgnoreDefaultArgs != nil {
		out.IgnoreDefaultArgs = append([]string(nil), p.IgnoreDefaultArgs...)
	}
	return out
}
