// Package sidecar supervises the helper daemons that run alongside the
// guest: the hypervisor daemons, the management-projection emulator, and
// the display proxy. Each runs as a child process; an unexpected exit
// tears the whole group down.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmrunner/vmrunner/internal/retry"
)

// Process describes one supervised child.
type Process struct {
	Name string
	Path string
	Args []string
	// ReadyPath, when set, is a filesystem path (usually a UNIX socket)
	// whose appearance signals the daemon is serving.
	ReadyPath string
	// StalePaths are removed before start; leftover pid files and sockets
	// from an unclean previous run block the daemons.
	StalePaths []string
}

type child struct {
	proc Process
	cmd  *exec.Cmd
	// done is closed once the supervising goroutine has reaped the child.
	done chan struct{}
}

// Supervisor starts and stops the sidecar group.
type Supervisor struct {
	log *slog.Logger

	group *errgroup.Group
	ctx   context.Context

	mu       sync.Mutex
	children []*child

	stopping atomic.Bool
}

// New builds a Supervisor. The returned context is cancelled when any
// supervised child exits unexpectedly.
func New(ctx context.Context, log *slog.Logger) (*Supervisor, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{log: log, group: g, ctx: gctx}, gctx
}

// Start launches the child and begins supervising it. It blocks until the
// readiness path appears when one is declared.
func (s *Supervisor) Start(ctx context.Context, p Process) error {
	for _, path := range p.StalePaths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale %s: %w", path, err)
		}
	}

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Name, err)
	}
	s.log.Info("sidecar started", "name", p.Name, "pid", cmd.Process.Pid)

	c := &child{proc: p, cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()

	s.group.Go(func() error {
		err := cmd.Wait()
		close(c.done)
		if s.stopping.Load() {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("sidecar %s exited", p.Name)
		} else {
			err = fmt.Errorf("sidecar %s exited: %w", p.Name, err)
		}
		s.log.Error("sidecar died", "name", p.Name, "error", err)
		return err
	})

	if p.ReadyPath != "" {
		if err := waitForPath(ctx, p.ReadyPath); err != nil {
			return fmt.Errorf("sidecar %s did not become ready: %w", p.Name, err)
		}
	}
	return nil
}

// waitForPath polls until path exists.
func waitForPath(ctx context.Context, path string) error {
	policy := retry.Policy{MaxAttempts: 50, Interval: 100 * time.Millisecond}
	return policy.Do(ctx, func() error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("waiting for %s", path)
		}
		return nil
	})
}

// Wait blocks until every supervised child has exited.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// StopAll terminates the children in reverse start order. Each gets a
// termination signal and a bounded wait before being killed.
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.stopping.Store(true)

	s.mu.Lock()
	children := make([]*child, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		s.stop(children[i], timeout)
	}
}

func (s *Supervisor) stop(c *child, timeout time.Duration) {
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}

	select {
	case <-c.done:
		s.log.Info("sidecar stopped", "name", c.proc.Name)
	case <-time.After(timeout):
		s.log.Warn("sidecar did not stop, killing", "name", c.proc.Name)
		_ = c.cmd.Process.Kill()
		<-c.done
	}
}
