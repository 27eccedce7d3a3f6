package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// buildCommand constructs the emulator child process, directing both
// stdout and stderr at the VM's per-start log file.
func buildCommand(binPath string, args []string, logFile *os.File) *exec.Cmd {
	cmd := exec.Command(binPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd
}

// processOf resolves a live *os.Process handle for pid, or nil if none.
func processOf(pid int32) *os.Process {
	if pid == 0 {
		return nil
	}
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return nil
	}
	return p
}

// syscallTerminate returns the graceful-termination signal used between
// the ACPI shutdown attempt and a hard kill.
func syscallTerminate() os.Signal {
	return syscall.SIGTERM
}

// exitCodeOf extracts a child's exit code from the error cmd.Wait()
// returned, defaulting to -1 when it can't be determined (e.g. the
// process was killed by a signal).
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
