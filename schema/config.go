package schema

import (
	"errors"
	"strings"
)

// DefaultProfileDirectory is the sub-profile used when none is configured.
const DefaultProfileDirectory = "Default"

const (
	// DefaultWindowWidth is the launch window width.
	DefaultWindowWidth = 1280
	// DefaultWindowHeight is the launch window height.
	DefaultWindowHeight = 800
)

// NormalizeProfile applies defaults and validates the profile.
func NormalizeProfile(p BrowserProfile) (BrowserProfile, error) {
	p = p.Clone()
	p.ExecutablePath = strings.TrimSpace(p.ExecutablePath)
	p.UserDataDir = strings.TrimSpace(p.UserDataDir)
	p.ProfileDirectory = strings.TrimSpace(p.ProfileDirectory)
	if p.ProfileDirectory == "" {
		p.ProfileDirectory = DefaultProfileDirectory
	}
	if strings.ContainsAny(p.ProfileDirectory, `/\`) {
		return BrowserProfile{}, errors.New("profile directory must be a single path element")
	}
	if p.WindowWidth <= 0 {
		p.WindowWidth = DefaultWindowWidth
	}
	if p.WindowHeight <= 0 {
		p.WindowHeight = DefaultWindowHeight
	}
	for _, arg := range p.Args {
		if strings.TrimSpace(strings.TrimLeft(arg, "-")) == "" {
			return BrowserProfile{}, errors.New("browser args must not be empty")
		}
	}
	return p, nil
}
