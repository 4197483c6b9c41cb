// Package session holds the per-session state shared between watchdogs.
package session

import (
	"sync"

	"github.com/google/uuid"
	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/schema"
)

// ProfileSync pairs a source profile directory with the temp copy the browser
// runs against. Credentials are copied back from Temp to Source on kill.
type ProfileSync struct {
	Source string
	Temp   string
}

// Context is the per-session state. Process and profile fields are written by
// the supervisor only; other watchdogs read them.
type Context struct {
	id string

	mu                  sync.Mutex
	profile             schema.BrowserProfile
	process             core.Process
	originalUserDataDir string
	originalCaptured    bool
	tempDirs            []string
	profileSync         *ProfileSync
}

// New constructs a session context with a fresh id.
func New(profile schema.BrowserProfile) *Context {
	return &Context{
		id:      uuid.NewString(),
		profile: profile.Clone(),
	}
}

// ID returns the session id.
func (c *Context) ID() string {
	return c.id
}

// Label returns the short session label shown in the idle overlay.
func (c *Context) Label() string {
	if len(c.id) <= 4 {
		return c.id
	}
	return c.id[len(c.id)-4:]
}

// Profile returns a copy of the current profile.
func (c *Context) Profile() schema.BrowserProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.Clone()
}

// SetProfile replaces the current profile.
func (c *Context) SetProfile(p schema.BrowserProfile) {
	c.mu.Lock()
	c.profile = p.Clone()
	c.mu.Unlock()
}

// SetUserDataDir redirects the profile to dir.
func (c *Context) SetUserDataDir(dir string) {
	c.mu.Lock()
	c.profile.UserDataDir = dir
	c.mu.Unlock()
}

// RememberOriginalUserDataDir captures the configured user-data dir once per
// launch. Later calls are ignored until RestoreUserDataDir.
func (c *Context) RememberOriginalUserDataDir() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.originalCaptured {
		return
	}
	c.originalUserDataDir = c.profile.UserDataDir
	c.originalCaptured = true
}

// RestoreUserDataDir puts back the captured user-data dir.
func (c *Context) RestoreUserDataDir() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.originalCaptured {
		return
	}
	c.profile.UserDataDir = c.originalUserDataDir
	c.originalCaptured = false
}

// Process returns the supervised process handle, if any.
func (c *Context) Process() core.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process
}

// SetProcess stores the supervised process handle; nil clears it.
func (c *Context) SetProcess(p core.Process) {
	c.mu.Lock()
	c.process = p
	c.mu.Unlock()
}

// AddTempDir tracks a temp directory for cleanup.
func (c *Context) AddTempDir(dir string) {
	if dir == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.tempDirs {
		if existing == dir {
			return
		}
	}
	c.tempDirs = append(c.tempDirs, dir)
}

// TempDirs returns the tracked temp directories.
func (c *Context) TempDirs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tempDirs...)
}

// TakeTempDirs returns the tracked temp directories matching keep == false and
// stops tracking them. A nil keep takes all of them.
func (c *Context) TakeTempDirs(keep func(dir string) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var taken, kept []string
	for _, dir := range c.tempDirs {
		if keep != nil && keep(dir) {
			kept = append(kept, dir)
			continue
		}
		taken = append(taken, dir)
	}
	c.tempDirs = kept
	return taken
}

// SetProfileSync records the source/temp pair for credential sync-back.
func (c *Context) SetProfileSync(sync ProfileSync) {
	c.mu.Lock()
	c.profileSync = &sync
	c.mu.Unlock()
}

// TakeProfileSync returns and clears the sync-back pair.
func (c *Context) TakeProfileSync() (ProfileSync, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profileSync == nil {
		return ProfileSync{}, false
	}
	out := *c.profileSync
	c.profileSync = nil
	return out, true
}

// PeekProfileSync returns the sync-back pair without clearing it.
func (c *Context) PeekProfileSync() (ProfileSync, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profileSync == nil {
		return ProfileSync{}, false
	}
	return *c.profileSync, true
}
