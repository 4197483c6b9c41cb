package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/afero"
	"pkt.systems/browserwatch/internal/session"
	"pkt.systems/pslog"
)

const (
	tempPrefix       = "browserwatch-"
	profileDirPrefix = tempPrefix + "profile-"
	tmpDirPrefix     = tempPrefix + "tmp-"
)

// credentialFiles are copied into a redirected profile and synced back on kill.
var credentialFiles = []string{"Cookies", "Login Data", "Web Data", "Bookmarks", "Preferences", "History"}

// DefaultUserDataDirs returns the browser-owned user-data directories for goos
// rooted at home. Launching against one of these is redirected to a copy.
func DefaultUserDataDirs(goos, home string) []string {
	switch goos {
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "Application Support", "Google", "Chrome"),
			filepath.Join(home, "Library", "Application Support", "Chromium"),
		}
	case "windows":
		return []string{
			filepath.Join(home, "AppData", "Local", "Google", "Chrome", "User Data"),
			filepath.Join(home, "AppData", "Local", "Chromium", "User Data"),
		}
	default:
		return []string{
			filepath.Join(home, ".config", "google-chrome"),
			filepath.Join(home, ".config", "chromium"),
		}
	}
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isTempProfileDir(dir string) bool {
	return strings.Contains(filepath.Base(filepath.Clean(dir)), tempPrefix)
}

func (s *Supervisor) homeDir() string {
	if s.locator != nil && s.locator.home != nil {
		if home, err := s.locator.home(); err == nil {
			return home
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

func (s *Supervisor) goos() string {
	if s.locator != nil && s.locator.goos != "" {
		return s.locator.goos
	}
	return runtime.GOOS
}

func (s *Supervisor) isDefaultUserDataDir(dir string) bool {
	return IsDefaultUserDataDir(s.goos(), s.homeDir(), dir)
}

// IsDefaultUserDataDir reports whether dir, after ~ expansion, is one of the
// browser-owned directories for goos under home.
func IsDefaultUserDataDir(goos, home, dir string) bool {
	if home == "" || dir == "" {
		return false
	}
	clean := filepath.Clean(expandHome(dir, home))
	for _, candidate := range DefaultUserDataDirs(goos, home) {
		if clean == filepath.Clean(candidate) {
			return true
		}
	}
	return false
}

func (s *Supervisor) newTempDir(prefix string) (string, error) {
	dir, err := afero.TempDir(s.fs, s.cfg.TempDir, prefix)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	s.sess.AddTempDir(dir)
	return dir, nil
}

// prepareUserDataDir provisions the user-data dir of the first attempt:
// an ephemeral dir when none is configured, a credential copy when the
// configured dir is a browser default.
func (s *Supervisor) prepareUserDataDir() error {
	profile := s.sess.Profile()
	if profile.UserDataDir == "" {
		dir, err := s.newTempDir(tmpDirPrefix)
		if err != nil {
			return err
		}
		s.sess.SetUserDataDir(dir)
		return nil
	}
	profile.UserDataDir = expandHome(profile.UserDataDir, s.homeDir())
	if !isTempProfileDir(profile.UserDataDir) {
		profile.DisableDefaultExtensions = true
	}
	s.sess.SetProfile(profile)
	if !s.isDefaultUserDataDir(profile.UserDataDir) {
		return nil
	}

	tmp, err := s.newTempDir(profileDirPrefix)
	if err != nil {
		return err
	}
	src := filepath.Join(profile.UserDataDir, profile.ProfileDirectory)
	dst := filepath.Join(tmp, profile.ProfileDirectory)
	if err := s.fs.MkdirAll(dst, 0o700); err != nil {
		return fmt.Errorf("create profile copy: %w", err)
	}
	log := s.log.With("source", src, "copy", dst)
	if ok, _ := afero.DirExists(s.fs, src); !ok {
		log.Warn("supervisor default profile missing, using empty profile")
	} else {
		copied := 0
		for _, name := range credentialFiles {
			err := copyFile(s.fs, filepath.Join(src, name), filepath.Join(dst, name))
			switch {
			case err == nil:
				copied++
			case errors.Is(err, os.ErrNotExist):
			default:
				log.Warn("supervisor profile file copy failed", "file", name, "err", err)
			}
		}
		log.Info("supervisor redirected default profile", "files", copied)
	}
	s.sess.SetUserDataDir(tmp)
	s.sess.SetProfileSync(session.ProfileSync{Source: src, Temp: dst})
	return nil
}

// cleanupReport collects best-effort failures. Callers log it; it is never
// returned as an error.
type cleanupReport struct {
	errs []error
}

func (r *cleanupReport) add(op string, err error) {
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", op, err))
	}
}

func (r *cleanupReport) merge(other cleanupReport) {
	r.errs = append(r.errs, other.errs...)
}

func (r cleanupReport) log(log pslog.Logger, msg string) {
	for _, err := range r.errs {
		log.Warn(msg, "err", err)
	}
}

// syncBack copies credential files from the profile copy back to the source
// profile. Files missing from the copy are skipped.
func (s *Supervisor) syncBack() cleanupReport {
	var report cleanupReport
	pair, ok := s.sess.TakeProfileSync()
	if !ok {
		return report
	}
	if ok, _ := afero.DirExists(s.fs, pair.Temp); !ok {
		s.log.Debug("supervisor profile copy missing, skipping sync-back", "copy", pair.Temp)
		return report
	}
	if err := s.fs.MkdirAll(pair.Source, 0o700); err != nil {
		report.add("sync-back "+pair.Source, err)
		return report
	}
	synced := 0
	for _, name := range credentialFiles {
		err := copyFile(s.fs, filepath.Join(pair.Temp, name), filepath.Join(pair.Source, name))
		switch {
		case err == nil:
			synced++
		case errors.Is(err, os.ErrNotExist):
		default:
			report.add("sync-back "+name, err)
		}
	}
	s.log.Debug("supervisor synced profile back", "source", pair.Source, "files", synced)
	return report
}

// removeTempDirs deletes dirs created by this package. Anything without the
// temp prefix is left alone.
func (s *Supervisor) removeTempDirs(dirs []string) cleanupReport {
	var report cleanupReport
	for _, dir := range dirs {
		if !isTempProfileDir(dir) {
			report.add("remove "+dir, errors.New("not a temp dir"))
			continue
		}
		report.add("remove "+dir, s.fs.RemoveAll(dir))
	}
	return report
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
