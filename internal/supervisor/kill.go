package supervisor

import (
	"context"
	"time"

	"pkt.systems/browserwatch/core"
)

// Kill stops the held process, syncs credentials back, removes temp dirs and
// restores the configured user-data dir. A missing or already-dead process is
// not an error. Kill never fails.
func (s *Supervisor) Kill(ctx context.Context) {
	s.killMu.Lock()
	defer s.killMu.Unlock()
	if s.State() == StateLaunching {
		s.log.Warn("supervisor kill ignored during launch")
		return
	}
	proc := s.sess.Process()
	if proc != nil {
		s.setState(StateTerminating)
		s.terminate(ctx, proc)
		s.sess.SetProcess(nil)
		s.log.Info("supervisor browser stopped", "pid", proc.Pid())
	}
	report := s.syncBack()
	report.merge(s.removeTempDirs(s.sess.TakeTempDirs(nil)))
	report.log(s.log, "supervisor kill cleanup failed")
	s.sess.RestoreUserDataDir()
	s.setState(StateAbsent)
}

// terminate sends a graceful signal, polls for exit, then force-kills.
func (s *Supervisor) terminate(ctx context.Context, proc core.Process) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With("pid", proc.Pid())
	if err := proc.Terminate(ctx); err != nil {
		if isProcessGone(err) {
			return
		}
		log.Debug("supervisor terminate signal failed", "err", err)
	}
	if s.waitGone(ctx, proc, s.cfg.TerminateTimeout) {
		return
	}
	log.Warn("supervisor browser did not exit, killing", "timeout", s.cfg.TerminateTimeout)
	if err := proc.Kill(ctx); err != nil && !isProcessGone(err) {
		log.Warn("supervisor kill failed", "err", err)
	}
	s.waitGone(ctx, proc, s.cfg.KillGrace)
}

func (s *Supervisor) waitGone(ctx context.Context, proc core.Process, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		running, err := proc.Running(ctx)
		if err != nil && isProcessGone(err) {
			return true
		}
		if err == nil && !running {
			return true
		}
		select {
		case <-proc.Exited():
			return true
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
