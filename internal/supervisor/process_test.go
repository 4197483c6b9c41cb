package supervisor

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestExecStarterCapturesStderrTail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	proc, err := ExecStarter{}.Start(context.Background(), "/bin/sh", []string{"-c", "echo SingletonLock held >&2; exit 3"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit")
	}
	err = proc.Err()
	if err == nil || !strings.Contains(err.Error(), "SingletonLock held") {
		t.Fatalf("expected stderr tail in exit error, got %v", err)
	}
	if !isProfileConflict(err) {
		t.Fatalf("expected exit error to classify as profile conflict")
	}
}

func TestExecStarterTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}
	proc, err := ExecStarter{}.Start(context.Background(), "/bin/sh", []string{"-c", "exec sleep 30"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx := context.Background()
	if running, err := proc.Running(ctx); err != nil || !running {
		t.Fatalf("expected running process, got %v %v", running, err)
	}
	if err := proc.Terminate(ctx); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		_ = proc.Kill(ctx)
		t.Fatalf("timed out waiting for terminate")
	}
	if running, _ := proc.Running(ctx); running {
		t.Fatalf("expected process gone after terminate")
	}
}
