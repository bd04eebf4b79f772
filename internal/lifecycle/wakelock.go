package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// NoopWakeLock is used where no platform primitive exists.
type NoopWakeLock struct{}

func (NoopWakeLock) Acquire(context.Context) error { return nil }

func (NoopWakeLock) Release() error { return nil }

// DefaultInhibitCommand blocks idle and sleep through logind until killed.
var DefaultInhibitCommand = []string{
	"systemd-inhibit",
	"--what=idle:sleep",
	"--who=lockedin",
	"--why=focus session",
	"--mode=block",
	"sleep", "infinity",
}

// InhibitWakeLock holds a child process for as long as the lock is held.
type InhibitWakeLock struct {
	Command []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewInhibitWakeLock() *InhibitWakeLock {
	return &InhibitWakeLock{Command: DefaultInhibitCommand}
}

func (w *InhibitWakeLock) Acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil {
		return nil
	}
	if len(w.Command) == 0 {
		return errors.New("no inhibit command configured")
	}
	if _, err := exec.LookPath(w.Command[0]); err != nil {
		return fmt.Errorf("wake lock: %w", err)
	}

	// Not bound to ctx: the lock outlives the request that took it.
	cmd := exec.Command(w.Command[0], w.Command[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("wake lock: %w", err)
	}
	w.cmd = cmd
	return nil
}

func (w *InhibitWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		return nil
	}
	cmd := w.cmd
	w.cmd = nil
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("wake lock release: %w", err)
	}
	// The exit status after a kill is expected to be non-zero.
	_ = cmd.Wait()
	return nil
}

// Held reports whether the child process is running.
func (w *InhibitWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cmd != nil
}
