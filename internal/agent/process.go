package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// newCommand builds an exec.Cmd whose subprocess runs in its own
// process group, so the whole subprocess tree can be terminated with
// one signal. On context cancellation the entire group is killed, not
// just the direct child; a grace period lets pipe readers drain.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// runCommand starts cmd, drains stdout and stderr concurrently, and
// waits for completion. Draining both pipes before cmd.Wait is what
// prevents the classic deadlock when subprocess output exceeds pipe
// buffer capacity. onStart, if set, receives the PID once the process
// is running; the ProcessManager, if set, tracks it until Wait returns.
func runCommand(cmd *exec.Cmd, pm *ProcessManager, onStart func(pid int)) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// killProcessGroup signals the whole process group (negative PID) so no
// grandchild survives as an orphan.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group: %w", err)
	}
	return nil
}

// terminateProcessGroup asks the group to exit with SIGTERM, then
// force-kills whatever remains after the grace period. Used for
// cancellation, where a clean exit is preferred but never waited on
// indefinitely.
func terminateProcessGroup(pid int, grace time.Duration) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
}

// Terminate gracefully stops the process group rooted at pid, used by
// the cancel command against PIDs recorded in the registry.
func Terminate(pid int, grace time.Duration) {
	if pid > 0 {
		terminateProcessGroup(pid, grace)
	}
}

// ProcessManager tracks live subprocesses so shutdown can terminate
// them all instead of leaving zombies behind.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// Kill terminates the tracked subprocess for one PID, if present.
func (pm *ProcessManager) Kill(pid int) error {
	pm.mu.Lock()
	cmd, ok := pm.procs[pid]
	pm.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tracked process with pid %d", pid)
	}
	return killProcessGroup(cmd)
}

// KillAll terminates every tracked subprocess. Called on shutdown.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
