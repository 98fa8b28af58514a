package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned by Processes.Name where process names cannot be read.
var ErrUnsupported = errors.New("process inspection not supported on this platform")

// OSProcesses implements Processes with the operating system's process table.
type OSProcesses struct{}

// Alive reports whether pid exists. A process owned by another user still counts.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Name returns the executable name of pid.
func (OSProcesses) Name(pid int) (string, error) {
	return processName(pid)
}

// Terminate sends SIGTERM to pid.
func (OSProcesses) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// commLen is the length Linux truncates process names to.
const commLen = 15

// sameProcessName compares a reported process name with the expected one,
// allowing for the kernel's truncation.
func sameProcessName(got, want string) bool {
	got = filepath.Base(got)
	want = filepath.Base(want)
	if got == want {
		return true
	}
	return len(got) == commLen && len(want) > commLen && want[:commLen] == got
}

// ExecSpawner re-executes a binary as a detached worker:
//
//	<Binary> [Args...] worker <id>
type ExecSpawner struct {
	// Binary defaults to the running executable.
	Binary string

	// Args are inserted before the worker subcommand, e.g. global flags.
	Args []string

	// Env is appended to the current environment.
	Env []string
}

// Spawn starts the worker in its own session with no terminal and returns
// its process id.
func (s ExecSpawner) Spawn(id int) (int, error) {
	binary := s.Binary
	if binary == "" {
		var err error
		if binary, err = os.Executable(); err != nil {
			return 0, err
		}
	}

	args := append(append([]string{}, s.Args...), "worker", strconv.Itoa(id))

	// Not CommandContext: the worker must outlive this process.
	cmd := exec.Command(binary, args...) //nolint:gosec // binary is our own executable
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the worker if this process outlives it, so a dead worker does not
	// linger as a zombie that still answers signal 0.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}
