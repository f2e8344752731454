package runner

import (
	"os/exec"
	"sync"
	"time"
)

// stopper ends a process when its context is done. With a grace period the
// process group is asked to terminate first and killed once grace passes;
// without one it is killed at once.
type stopper struct {
	cmd   *exec.Cmd
	grace time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	killed  bool
}

func newStopper(cmd *exec.Cmd, grace time.Duration) *stopper {
	s := &stopper{cmd: cmd, grace: grace}
	configureProcessGroup(cmd)
	cmd.Cancel = s.cancel
	// Wait must not fall back to killing only the direct child before the
	// grace period is over.
	cmd.WaitDelay = grace + waitDelay
	return s
}

func (s *stopper) cancel() error {
	if s.grace <= 0 {
		return s.kill()
	}
	if err := terminateGroup(s.cmd); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.timer = time.AfterFunc(s.grace, func() { _ = s.kill() })
	}
	return nil
}

func (s *stopper) kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	err := killGroup(s.cmd)
	if err == nil {
		s.killed = true
	}
	return err
}

// done disarms the pending kill once Wait has returned and reports whether
// the group had to be killed.
func (s *stopper) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.killed
}
