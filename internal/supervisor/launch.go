package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/schema"
)

func (s *Supervisor) launch(ctx context.Context, requested schema.BrowserProfile) (schema.LaunchResult, error) {
	profile, err := schema.NormalizeProfile(requested)
	if err != nil {
		return schema.LaunchResult{}, fmt.Errorf("%w: %w", schema.ErrLaunchFailed, err)
	}
	if s.prober == nil {
		return schema.LaunchResult{}, fmt.Errorf("%w: no endpoint prober configured", schema.ErrLaunchFailed)
	}
	s.sess.SetProfile(profile)
	s.sess.RememberOriginalUserDataDir()
	log := s.log.With("session", s.sess.ID())

	if err := s.prepareUserDataDir(); err != nil {
		s.rollback()
		return schema.LaunchResult{}, fmt.Errorf("%w: %w", schema.ErrLaunchFailed, err)
	}
	exe, err := s.locator.Resolve(ctx, profile.ExecutablePath)
	if err != nil {
		s.rollback()
		return schema.LaunchResult{}, fmt.Errorf("%w: %w", schema.ErrLaunchFailed, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, proc, err := s.attempt(ctx, exe)
		if err == nil {
			s.sess.SetProcess(proc)
			s.discardUnusedTempDirs()
			log.Info("supervisor launch ready", "pid", result.PID, "cdp_url", result.CDPURL, "attempt", attempt)
			return result, nil
		}
		lastErr = err
		if errors.Is(err, schema.ErrArgsContract) || !isProfileConflict(err) || attempt == s.cfg.MaxAttempts {
			break
		}
		log.Warn("supervisor launch profile conflict", "attempt", attempt, "err", err)
		dir, derr := s.newTempDir(tmpDirPrefix)
		if derr != nil {
			lastErr = derr
			break
		}
		s.sess.SetUserDataDir(dir)
		// the fresh dir does not hold the profile copy; nothing to sync back
		if pair, ok := s.sess.TakeProfileSync(); ok {
			log.Info("supervisor profile copy abandoned for retry", "source", pair.Source)
		}
		if err := sleepCtx(ctx, s.cfg.RetryBackoff); err != nil {
			lastErr = err
			break
		}
	}
	log.Error("supervisor launch failed", "err", lastErr)
	s.rollback()
	return schema.LaunchResult{}, fmt.Errorf("%w: %w", schema.ErrLaunchFailed, lastErr)
}

func (s *Supervisor) attempt(ctx context.Context, exe string) (schema.LaunchResult, core.Process, error) {
	port, err := freePort()
	if err != nil {
		return schema.LaunchResult{}, nil, err
	}
	args, err := BuildArgs(s.sess.Profile(), port)
	if err != nil {
		return schema.LaunchResult{}, nil, err
	}
	s.log.Debug("supervisor starting browser", "path", exe, "port", port, "args", len(args))
	proc, err := s.starter.Start(ctx, exe, args)
	if err != nil {
		return schema.LaunchResult{}, nil, fmt.Errorf("start %s: %w", filepath.Base(exe), err)
	}
	url, err := s.waitReady(ctx, proc, port)
	if err != nil {
		s.terminate(ctx, proc)
		return schema.LaunchResult{}, nil, err
	}
	return schema.LaunchResult{CDPURL: url, PID: proc.Pid()}, proc, nil
}

// waitReady races the endpoint probe against early process exit.
func (s *Supervisor) waitReady(ctx context.Context, proc core.Process, port int) (string, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	type probeResult struct {
		url string
		err error
	}
	done := make(chan probeResult, 1)
	go func() {
		url, err := s.prober.WaitForEndpointReady(probeCtx, port, s.cfg.StartupTimeout)
		done <- probeResult{url: url, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return res.url, nil
	case <-proc.Exited():
		cancel()
		<-done
		if err := proc.Err(); err != nil {
			return "", fmt.Errorf("browser exited during startup: %w", err)
		}
		return "", errors.New("browser exited during startup")
	}
}

// rollback restores the configured user-data dir and removes every temp dir
// of the failed launch.
func (s *Supervisor) rollback() {
	s.sess.SetProcess(nil)
	s.sess.TakeProfileSync()
	s.removeTempDirs(s.sess.TakeTempDirs(nil)).log(s.log, "supervisor rollback cleanup failed")
	s.sess.RestoreUserDataDir()
}

// discardUnusedTempDirs drops temp dirs from failed attempts. The active
// user-data dir and the profile copy stay tracked for kill.
func (s *Supervisor) discardUnusedTempDirs() {
	active := filepath.Clean(s.sess.Profile().UserDataDir)
	pair, hasPair := s.sess.PeekProfileSync()
	unused := s.sess.TakeTempDirs(func(dir string) bool {
		dir = filepath.Clean(dir)
		if dir == active {
			return true
		}
		return hasPair && strings.HasPrefix(filepath.Clean(pair.Temp), dir+string(filepath.Separator))
	})
	s.removeTempDirs(unused).log(s.log, "supervisor temp dir cleanup failed")
}
