//go:build linux

// Package supervisor spawns and reaps the shell commands backing each
// program. Its Start/Stop/Done shape and SIGTERM-then-grace-
// then-SIGKILL teardown are adapted from the retrieved zmux-server
// process supervisor (internal/infrastructure/processmgr/process.go),
// but streams are redirected straight to their configured files instead
// of tapped through pipes: internal/tailer independently follows those
// same files, so there is no reader to multiplex here.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shepherdhq/shepherd/internal/pstate"
)

// GracePeriod is the fixed interval between SIGTERM and SIGKILL.
const GracePeriod = 10 * time.Second

// Supervisor owns one program's child process.
type Supervisor struct {
	log        *zap.Logger
	command    string
	workDir    string
	stdoutPath string
	stderrPath string

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	pid atomic.Int64

	mu            sync.Mutex
	stopRequested bool
}

// New constructs a Supervisor. It does not spawn anything yet.
func New(log *zap.Logger, name, command, workDir, stdoutPath, stderrPath string) *Supervisor {
	return &Supervisor{
		log:        log.Named("supervisor").With(zap.String("program", name)),
		command:    command,
		workDir:    workDir,
		stdoutPath: stdoutPath,
		stderrPath: stderrPath,
		done:       make(chan struct{}),
	}
}

// Start launches the command exactly once, appending its streams to the
// configured paths. onExit is invoked exactly once: from a background
// goroutine once the child has been reaped, or synchronously, before Start
// returns, if a log file cannot be opened or the command fails to spawn.
func (s *Supervisor) Start(onExit func(pstate.Disposition)) {
	s.startOnce.Do(func() {
		stdout, err := openAppend(s.stdoutPath)
		if err != nil {
			s.log.Error("failed to open stdout_path", zap.Error(err))
			s.finish(pstate.Disposition{SpawnFailed: true}, onExit)
			return
		}
		stderr, err := openAppend(s.stderrPath)
		if err != nil {
			_ = stdout.Close()
			s.log.Error("failed to open stderr_path", zap.Error(err))
			s.finish(pstate.Disposition{SpawnFailed: true}, onExit)
			return
		}

		cmd := exec.Command("/bin/sh", "-c", s.command)
		cmd.Dir = s.workDir
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			_ = stdout.Close()
			_ = stderr.Close()
			s.log.Error("failed to spawn command", zap.Error(err))
			s.finish(pstate.Disposition{SpawnFailed: true}, onExit)
			return
		}

		s.pid.Store(int64(cmd.Process.Pid))
		s.log.Info("process started", zap.Int("pid", cmd.Process.Pid))

		go func() {
			defer stdout.Close()
			defer stderr.Close()
			waitErr := cmd.Wait()
			s.finish(s.classify(waitErr), onExit)
		}()
	})
}

func (s *Supervisor) classify(waitErr error) pstate.Disposition {
	if waitErr == nil {
		return pstate.Disposition{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return pstate.Disposition{Code: -1}
		}
		if status.Signaled() {
			return pstate.Disposition{Signaled: true, Signal: status.Signal().String()}
		}
		return pstate.Disposition{Code: status.ExitStatus()}
	}
	s.log.Error("wait failed", zap.Error(waitErr))
	return pstate.Disposition{SpawnFailed: true}
}

func (s *Supervisor) finish(d pstate.Disposition, onExit func(pstate.Disposition)) {
	close(s.done)
	if onExit != nil {
		onExit(d)
	}
}

// Done reports when the child has been reaped (or failed to spawn).
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop sends a graceful SIGTERM to the child's process group, escalating
// to SIGKILL after GracePeriod if it has not exited. Idempotent; safe to
// call before Start (it records the stop request, reported by
// StopRequested, and is a no-op with respect to signaling). Exit
// classification in internal/pstate uses the FSM's own stop-request flag,
// not this one.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		go func() {
			pid := int(s.pid.Load())
			if pid == 0 {
				return // never started, or spawn failed
			}

			select {
			case <-s.done:
				return
			default:
			}

			s.log.Info("sending SIGTERM", zap.Int("pid", pid))
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				s.log.Warn("SIGTERM failed", zap.Error(err))
			}

			timer := time.NewTimer(GracePeriod)
			defer timer.Stop()

			select {
			case <-s.done:
				return
			case <-timer.C:
				s.log.Warn("grace period exceeded, sending SIGKILL", zap.Int("pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					s.log.Error("SIGKILL failed", zap.Error(err))
				}
			}
		}()
	})
}

// StopRequested reports whether Stop has been called, for exit
// classification (service exit after a stop request is
// `stopped`, not `service_failure`).
func (s *Supervisor) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

func openAppend(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
