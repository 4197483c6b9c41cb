package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"pkt.systems/browserwatch/core"
)

const stderrTailBytes = 8 << 10

// ExecStarter starts browsers as detached OS processes.
type ExecStarter struct{}

// Start launches path with args. The process outlives ctx; ctx only bounds
// the startup bookkeeping.
func (ExecStarter) Start(ctx context.Context, path string, args []string) (core.Process, error) {
	cmd := exec.Command(path, args...)
	configureDetached(cmd)
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail
	// helpers that inherit stderr must not hold Wait open
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &osProcess{
		cmd:    cmd,
		tail:   tail,
		exited: make(chan struct{}),
	}
	if gp, err := process.NewProcessWithContext(ctx, int32(cmd.Process.Pid)); err == nil {
		p.gp = gp
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	gp     *process.Process
	tail   *tailBuffer
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Exited() <-chan struct{} { return p.exited }

func (p *osProcess) Running(ctx context.Context) (bool, error) {
	select {
	case <-p.exited:
		return false, nil
	default:
	}
	if p.gp == nil {
		return true, nil
	}
	return p.gp.IsRunningWithContext(ctx)
}

func (p *osProcess) Terminate(ctx context.Context) error {
	if p.gp == nil {
		return p.cmd.Process.Signal(os.Interrupt)
	}
	return p.gp.TerminateWithContext(ctx)
}

func (p *osProcess) Kill(ctx context.Context) error {
	if p.gp == nil {
		return p.cmd.Process.Kill()
	}
	return p.gp.KillWithContext(ctx)
}

func (p *osProcess) Err() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	p.mu.Lock()
	err := p.waitErr
	p.mu.Unlock()
	stderr := strings.TrimSpace(p.tail.String())
	switch {
	case err != nil && stderr != "":
		return fmt.Errorf("%w: stderr: %s", err, stderr)
	case err != nil:
		return err
	case stderr != "":
		return fmt.Errorf("process exited: stderr: %s", stderr)
	default:
		return errors.New("process exited")
	}
}

// isProcessGone reports errors that mean the process is already dead.
func isProcessGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
