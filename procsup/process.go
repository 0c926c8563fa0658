// Package procsup is the Client's child-process supervisor (§4.5): it
// launches the application binary referenced by a configured command
// line, polls its liveness without blocking the caller, and restarts it
// up to a fixed cascading cap when it exits.
//
// Grounded in sadewadee-maboo's internal/pool/worker.go (os/exec,
// graceful-stop-then-timeout-then-kill teardown, ProcessState-based
// liveness) and guseggert-clustertest's agent/process runner (goroutine
// reaps the process and reports its result through a channel instead of
// blocking the poller).
package procsup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/xpwu/go-log/log"
)

// Options configures a Supervisor. Zero values for the durations and
// MaxRestarts fall back to the spec's defaults.
type Options struct {
	// CommandLine is the configured executable path and arguments,
	// whitespace-split with "-aware quoting by SplitArgv. Empty means no
	// process path was configured: the application is externally
	// managed, and IsAlive always reports true.
	CommandLine string

	// MaxRestarts caps cascading restarts after the child exits.
	// Defaults to 5 (the spec's fixed cap) when zero.
	MaxRestarts int

	// SpawnDelay is how long Start/each restart sleeps after spawning,
	// to let the child open its listener. Defaults to 500ms when zero.
	SpawnDelay time.Duration

	// GracefulWait is how long Stop waits for a graceful exit before
	// force-killing. Defaults to 2s when zero.
	GracefulWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts == 0 {
		o.MaxRestarts = 5
	}
	if o.SpawnDelay == 0 {
		o.SpawnDelay = 500 * time.Millisecond
	}
	if o.GracefulWait == 0 {
		o.GracefulWait = 2 * time.Second
	}
	return o
}

// Supervisor launches and monitors a single application process. It is
// safe for concurrent use; IsAlive is meant to be polled from the
// Client's own liveness check.
type Supervisor struct {
	opts Options
	argv []string

	// onExit is invoked (synchronously, from within IsAlive) every time
	// the child is observed to have exited, before any restart attempt
	// — the Client uses it to force-complete every live request.
	onExit func()

	ctx context.Context

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	restarts int
	gaveUp   bool
}

// NewSupervisor builds a Supervisor for commandLine (see Options.CommandLine).
// onExit may be nil.
func NewSupervisor(ctx context.Context, opts Options, onExit func()) *Supervisor {
	opts = opts.withDefaults()
	s := &Supervisor{opts: opts, onExit: onExit, ctx: ctx}
	if opts.CommandLine != "" {
		s.argv = SplitArgv(opts.CommandLine)
	}
	return s
}

// Managed reports whether a process path was configured at all. When
// false, this Supervisor does nothing: the application is assumed to be
// started and managed externally.
func (s *Supervisor) Managed() bool {
	return len(s.argv) > 0
}

// Start launches the configured process. It is a no-op returning nil
// when no command line was configured.
func (s *Supervisor) Start() error {
	if !s.Managed() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked()
}

// launchLocked spawns s.argv as a child process, sets its working
// directory to the directory of the executable, inherits the filtered
// environment, and sleeps SpawnDelay to let it open its listener. Caller
// must hold s.mu.
func (s *Supervisor) launchLocked() error {
	_, logger := log.WithCtx(s.ctx)

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Dir = filepath.Dir(s.argv[0])
	cmd.Env = filteredEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		logger.Error(fmt.Errorf("procsup: starting %q: %w", s.argv[0], err))
		return err
	}
	logger.Debug(fmt.Sprintf("procsup: started pid=%d argv=%v", cmd.Process.Pid, s.argv))

	s.cmd = cmd
	done := make(chan struct{})
	s.done = done
	go func(c *exec.Cmd) {
		_ = c.Wait()
		close(done)
	}(cmd)

	time.Sleep(s.opts.SpawnDelay)
	return nil
}

// reapedLocked reports whether the current child has exited, without
// blocking. Caller must hold s.mu.
func (s *Supervisor) reapedLocked() bool {
	if s.cmd == nil {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// IsAlive polls the child's liveness. If the application is externally
// managed (no command line configured) it always reports true. If the
// child has exited, onExit fires once, and — unless the cascading
// restart cap has already been exhausted — a new child is launched
// before IsAlive returns. It returns false only once MaxRestarts
// cascading restarts have all resulted in exit (or a relaunch itself
// failed to start).
func (s *Supervisor) IsAlive() bool {
	if !s.Managed() {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gaveUp {
		return false
	}
	if !s.reapedLocked() {
		return true
	}

	_, logger := log.WithCtx(s.ctx)
	logger.Warning("procsup: child process exited")
	if s.onExit != nil {
		s.onExit()
	}

	if s.restarts >= s.opts.MaxRestarts {
		logger.Error(fmt.Errorf("procsup: giving up after %d restarts", s.restarts))
		s.gaveUp = true
		return false
	}
	s.restarts++
	if err := s.launchLocked(); err != nil {
		s.gaveUp = true
		return false
	}
	return true
}

// Stop requests graceful termination of the current child, waits up to
// GracefulWait, then force-kills it. It is a no-op when no process is
// running or none was ever configured.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(s.opts.GracefulWait):
		return cmd.Process.Kill()
	}
}
