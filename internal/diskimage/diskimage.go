// Package diskimage creates the blank disk images a new VM's disk devices
// need (spec.md Non-goals: "storage provisioning beyond blank disk image
// creation" is out of scope — meaning creating the blank image itself is
// in scope).
//
// Creation shells out to qemu-img the way the emulator binary itself is
// invoked elsewhere in this tree, rather than hand-rolling sparse-file
// allocation: qemu-img already knows the on-disk layout rules for every
// format this package supports (raw, qcow2, ...). The injectable Runner
// mirrors capability.Probe's Runner so image creation can be tested without
// a real qemu-img binary on $PATH.
package diskimage

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/qemud/qemud/internal/qerrors"
)

// Runner executes qemu-img and returns its combined output.
type Runner interface {
	Run(bin string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(bin string, args ...string) (string, error) {
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// DefaultTool is the qemu-img binary name resolved against $PATH.
const DefaultTool = "qemu-img"

// Creator creates blank disk images.
type Creator struct {
	tool   string
	runner Runner
}

// NewCreator creates a Creator that shells out to tool (DefaultTool if
// empty) via a real os/exec Runner.
func NewCreator(tool string) *Creator {
	if tool == "" {
		tool = DefaultTool
	}
	return &Creator{tool: tool, runner: execRunner{}}
}

// WithRunner overrides the command runner (tests only).
func (c *Creator) WithRunner(r Runner) *Creator {
	c.runner = r
	return c
}

// CreateBlank creates a blank disk image at path in the given format
// (e.g. "qcow2", "raw"), sized sizeMiB mebibytes. It is a no-op if a file
// already exists at path.
func (c *Creator) CreateBlank(path, format string, sizeMiB int) error {
	if sizeMiB <= 0 {
		return qerrors.Config(fmt.Sprintf("disk image %s: size must be positive", path), nil)
	}
	if format == "" {
		format = "qcow2"
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return qerrors.Resource(fmt.Sprintf("stat disk image %s", path), err)
	}

	size := fmt.Sprintf("%dM", sizeMiB)
	out, err := c.runner.Run(c.tool, "create", "-f", format, path, size)
	if err != nil {
		return qerrors.Spawn(fmt.Sprintf("create disk image %s", path), err, out)
	}
	return nil
}
