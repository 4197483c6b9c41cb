package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

// BrowsersPathEnv overrides the downloaded-browser cache directory.
const BrowsersPathEnv = "PLAYWRIGHT_BROWSERS_PATH"

// Installer runs the browser install helper command.
type Installer func(ctx context.Context, argv []string) error

// LocatorOptions configures a Locator.
type LocatorOptions struct {
	GOOS           string
	BrowsersPath   string
	InstallCommand []string
	InstallTimeout time.Duration
	Installer      Installer
	Home           func() (string, error)
	Getenv         func(string) string
	Logger         pslog.Logger
}

// Locator finds a Chromium-family executable on disk, installing one as a
// last resort.
type Locator struct {
	fs             afero.Fs
	goos           string
	browsersPath   string
	install        []string
	installTimeout time.Duration
	installer      Installer
	home           func() (string, error)
	getenv         func(string) string
	log            pslog.Logger
}

// NewLocator constructs a Locator over fs.
func NewLocator(fs afero.Fs, opts LocatorOptions) *Locator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	l := &Locator{
		fs:             fs,
		goos:           opts.GOOS,
		browsersPath:   opts.BrowsersPath,
		install:        append([]string(nil), opts.InstallCommand...),
		installTimeout: opts.InstallTimeout,
		installer:      opts.Installer,
		home:           opts.Home,
		getenv:         opts.Getenv,
		log:            opts.Logger,
	}
	if l.goos == "" {
		l.goos = runtime.GOOS
	}
	if l.home == nil {
		l.home = os.UserHomeDir
	}
	if l.getenv == nil {
		l.getenv = os.Getenv
	}
	if l.installer == nil {
		l.installer = runInstaller
	}
	if l.installTimeout <= 0 {
		l.installTimeout = DefaultConfig().InstallTimeout
	}
	if l.log == nil {
		l.log = pslog.Ctx(context.Background())
	}
	return l
}

// BrowsersPath returns the downloaded-browser cache directory.
func (l *Locator) BrowsersPath() string {
	if l.browsersPath != "" {
		return l.browsersPath
	}
	if env := l.getenv(BrowsersPathEnv); env != "" {
		return env
	}
	home, _ := l.home()
	switch l.goos {
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "ms-playwright")
	case "windows":
		if local := l.getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "ms-playwright")
		}
		return filepath.Join(home, "AppData", "Local", "ms-playwright")
	default:
		return filepath.Join(home, ".cache", "ms-playwright")
	}
}

// Candidates returns the search patterns in priority order. Entries may
// contain glob wildcards.
func (l *Locator) Candidates() []string {
	pw := l.BrowsersPath()
	switch l.goos {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			filepath.Join(pw, "chromium-*", "chrome-mac", "Chromium.app", "Contents", "MacOS", "Chromium"),
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			filepath.Join(pw, "chromium_headless_shell-*", "chrome-mac", "Chromium.app", "Contents", "MacOS", "Chromium"),
		}
	case "windows":
		local := l.getenv("LOCALAPPDATA")
		programFiles := l.getenv("PROGRAMFILES")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		programFilesX86 := l.getenv("PROGRAMFILES(X86)")
		if programFilesX86 == "" {
			programFilesX86 = `C:\Program Files (x86)`
		}
		return []string{
			filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(programFilesX86, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(pw, "chromium-*", "chrome-win", "chrome.exe"),
			filepath.Join(programFiles, "Chromium", "Application", "chrome.exe"),
			filepath.Join(local, "Chromium", "Application", "chrome.exe"),
			filepath.Join(programFiles, "BraveSoftware", "Brave-Browser", "Application", "brave.exe"),
			filepath.Join(pw, "chromium_headless_shell-*", "chrome-win", "chrome.exe"),
		}
	default:
		return []string{
			"/usr/bin/google-chrome-stable",
			"/usr/bin/google-chrome",
			"/usr/local/bin/google-chrome",
			filepath.Join(pw, "chromium-*", "chrome-linux", "chrome"),
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/local/bin/chromium",
			"/snap/bin/chromium",
			"/usr/bin/google-chrome-beta",
			"/usr/bin/google-chrome-dev",
			"/usr/bin/brave-browser",
			filepath.Join(pw, "chromium_headless_shell-*", "chrome-linux", "chrome"),
		}
	}
}

// Find returns the first existing executable from Candidates. For glob
// patterns the lexicographically greatest match is taken.
func (l *Locator) Find() (string, bool) {
	for _, pattern := range l.Candidates() {
		if strings.ContainsAny(pattern, "*?[") {
			matches, err := afero.Glob(l.fs, pattern)
			if err != nil || len(matches) == 0 {
				continue
			}
			sort.Strings(matches)
			if path := matches[len(matches)-1]; l.isFile(path) {
				return path, true
			}
			continue
		}
		if l.isFile(pattern) {
			return pattern, true
		}
	}
	return "", false
}

func (l *Locator) isFile(path string) bool {
	info, err := l.fs.Stat(path)
	return err == nil && !info.IsDir()
}

// Resolve returns override when set, else a located executable, installing
// one when nothing is found.
func (l *Locator) Resolve(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if path, ok := l.Find(); ok {
		l.log.Debug("supervisor located browser", "path", path)
		return path, nil
	}
	if len(l.install) == 0 {
		return "", schema.ErrNoExecutable
	}
	l.log.Info("supervisor installing browser", "cmd", strings.Join(l.install, " "), "timeout", l.installTimeout)
	installCtx, cancel := context.WithTimeout(ctx, l.installTimeout)
	defer cancel()
	if err := l.installer(installCtx, l.install); err != nil {
		if errors.Is(installCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", schema.ErrInstallTimeout, l.installTimeout)
		}
		return "", fmt.Errorf("%w: install: %w", schema.ErrNoExecutable, err)
	}
	if path, ok := l.Find(); ok {
		l.log.Info("supervisor installed browser", "path", path)
		return path, nil
	}
	return "", schema.ErrNoExecutable
}

// runInstaller runs argv; CommandContext kills it when ctx expires.
func runInstaller(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty install command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
	}
	return nil
}
