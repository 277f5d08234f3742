// Package runner executes one benchmark iteration end to end: it spawns
// the target in a stopped state, arms the collectors around it, releases
// it, waits for it to finish and drains every collector in reverse order.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/alarmfox/enclave-benchmark/internal/collectors"
	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
)

// state of the iteration lifecycle. Terminal states are stateDone and
// stateAborted.
type state int

const (
	stateIdle state = iota
	stateTargetStopped
	stateCollectorsReady
	stateRunning
	stateCollectorsStopping
	stateDone
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateTargetStopped:
		return "TargetStopped"
	case stateCollectorsReady:
		return "CollectorsReady"
	case stateRunning:
		return "Running"
	case stateCollectorsStopping:
		return "CollectorsStopping"
	case stateDone:
		return "Done"
	default:
		return "Aborted"
	}
}

// termGrace is how long a cancelled target gets between SIGTERM and
// SIGKILL.
const termGrace = 2 * time.Second

// Target describes the process under measurement.
type Target struct {
	Executable string
	Args       []string
	Env        []string // full environment, nil inherits
}

// Session runs a single iteration. Collectors are armed in slice order and
// disarmed/drained in reverse; IoRowers are serialized into io.csv in
// slice order after every drain finished.
type Session struct {
	Target       Target
	IterationDir string
	Collectors   []collectors.Collector
	IoRowers     []collectors.IoRower

	state state
}

// IterationResult is what one coordinator run reports back.
type IterationResult struct {
	ExitCode       int
	StartInstantNs uint64
	EndInstantNs   uint64
	// Drain maps collector names to their drain error, nil on success.
	Drain map[string]error
}

func (s *Session) transition(to state) {
	logging.GetLogger().WithFields(logrus.Fields{
		"from": s.state.String(),
		"to":   to.String(),
	}).Trace("Coordinator transition")
	s.state = to
}

// Execute drives the state machine for one iteration. The context carries
// plan-level cancellation: when it fires, the target is terminated and the
// iteration reports Cancelled.
func (s *Session) Execute(ctx context.Context) (*IterationResult, error) {
	logger := logging.GetLogger()
	s.state = stateIdle

	if err := os.MkdirAll(s.IterationDir, 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIo, "cannot create iteration directory: %v", err)
	}

	stdout, err := os.Create(filepath.Join(s.IterationDir, "stdout"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIo, "cannot create stdout capture: %v", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(s.IterationDir, "stderr"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIo, "cannot create stderr capture: %v", err)
	}
	defer stderr.Close()

	// The ptrace rendezvous requires fork, the exec-stop wait and the
	// detach to happen on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(s.Target.Executable, s.Target.Args...)
	cmd.Env = s.Target.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		s.transition(stateAborted)
		return nil, errdefs.Wrap(errdefs.ErrTargetSpawn, "cannot exec %s: %v", s.Target.Executable, err)
	}
	pid := cmd.Process.Pid

	// reap the exec trap; the target is now stopped before its first
	// instruction
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil || !ws.Stopped() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.transition(stateAborted)
		return nil, errdefs.Wrap(errdefs.ErrTargetSpawn, "target did not reach exec stop: %v", err)
	}
	s.transition(stateTargetStopped)

	armed, err := s.armAll(pid)
	if err != nil {
		s.abortStopped(cmd, armed)
		return nil, err
	}
	s.transition(stateCollectorsReady)

	startNs := collectors.MonotonicNow()
	if err := unix.PtraceDetach(pid); err != nil {
		s.abortStopped(cmd, armed)
		return nil, errdefs.Wrap(errdefs.ErrTargetSpawn, "cannot release target: %v", err)
	}
	s.transition(stateRunning)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	cancelled := false
	select {
	case <-waitCh:
	case <-ctx.Done():
		cancelled = true
		s.terminate(pid, waitCh)
	}
	endNs := collectors.MonotonicNow()
	s.transition(stateCollectorsStopping)

	result := &IterationResult{
		ExitCode:       cmd.ProcessState.ExitCode(),
		StartInstantNs: startNs,
		EndInstantNs:   endNs,
		Drain:          make(map[string]error, len(s.Collectors)),
	}

	for i := len(s.Collectors) - 1; i >= 0; i-- {
		if err := s.Collectors[i].Disarm(); err != nil {
			logger.WithField("collector", s.Collectors[i].Name()).WithError(err).Warn("Disarm failed")
		}
	}
	for i := len(s.Collectors) - 1; i >= 0; i-- {
		c := s.Collectors[i]
		if err := c.Drain(); err != nil {
			logger.WithField("collector", c.Name()).WithError(err).Warn("Drain failed")
			result.Drain[c.Name()] = err
		} else {
			result.Drain[c.Name()] = nil
		}
	}

	if cancelled {
		s.transition(stateAborted)
		return result, errdefs.Wrap(errdefs.ErrCancelled, "iteration interrupted")
	}

	if err := s.writeIoCSV(); err != nil {
		s.transition(stateAborted)
		return result, err
	}

	s.transition(stateDone)
	return result, nil
}

// armAll attaches the collectors in order while the target is stopped,
// returning how many were armed so a failure can unwind exactly those.
func (s *Session) armAll(pid int) (int, error) {
	for i, c := range s.Collectors {
		if err := c.Arm(pid, s.IterationDir); err != nil {
			return i, errdefs.Wrap(errdefs.ErrCollectorInit, "%s: %v", c.Name(), err)
		}
		logging.GetLogger().WithFields(logrus.Fields{
			"collector": c.Name(),
			"pid":       pid,
		}).Debug("Collector armed")
	}
	return len(s.Collectors), nil
}

// abortStopped kills a target that never ran and unwinds the first
// `armed` collectors.
func (s *Session) abortStopped(cmd *exec.Cmd, armed int) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	for i := armed - 1; i >= 0; i-- {
		_ = s.Collectors[i].Disarm()
	}
	for i := armed - 1; i >= 0; i-- {
		_ = s.Collectors[i].Drain()
	}
	s.transition(stateAborted)
}

// terminate asks the target to exit and escalates to SIGKILL after the
// grace period. It returns once the target has been reaped.
func (s *Session) terminate(pid int, waitCh <-chan error) {
	logger := logging.GetLogger()
	logger.WithField("pid", pid).Info("Terminating target")

	_ = unix.Kill(pid, unix.SIGTERM)

	select {
	case <-waitCh:
	case <-time.After(termGrace):
		logger.WithField("pid", pid).Warn("Target ignored SIGTERM, sending SIGKILL")
		_ = unix.Kill(pid, unix.SIGKILL)
		<-waitCh
	}
}

// writeIoCSV assembles io.csv from every row contributor in their fixed
// order.
func (s *Session) writeIoCSV() error {
	var rows []string
	for _, r := range s.IoRowers {
		rows = append(rows, r.IoRows()...)
	}
	return output.WriteCSV(filepath.Join(s.IterationDir, "io.csv"), output.IoCSVHeader, rows)
}

// ExitDescription renders the target exit for logs and summaries.
func (r *IterationResult) ExitDescription() string {
	if r.ExitCode == 0 {
		return "exit 0"
	}
	return fmt.Sprintf("exit %d", r.ExitCode)
}
