package diskimage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/qemud/qemud/internal/qerrors"
)

// fakeRunner records the args it was invoked with and returns a scripted
// error, mirroring capability's fakeRunner.
type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(bin string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{bin}, args...))
	if f.err != nil {
		return "boom", f.err
	}
	return "", nil
}

func TestCreateBlank_InvokesQemuImg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	runner := &fakeRunner{}
	c := NewCreator("").WithRunner(runner)

	if err := c.CreateBlank(path, "qcow2", 256); err != nil {
		t.Fatalf("CreateBlank: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	got := runner.calls[0]
	want := []string{"qemu-img", "create", "-f", "qcow2", path, "256M"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCreateBlank_DefaultsFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk")
	runner := &fakeRunner{}
	c := NewCreator("").WithRunner(runner)

	if err := c.CreateBlank(path, "", 64); err != nil {
		t.Fatalf("CreateBlank: %v", err)
	}
	if runner.calls[0][3] != "qcow2" {
		t.Errorf("format = %q, want qcow2", runner.calls[0][3])
	}
}

func TestCreateBlank_SkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	if err := os.WriteFile(path, []byte("already here"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	runner := &fakeRunner{}
	c := NewCreator("").WithRunner(runner)

	if err := c.CreateBlank(path, "qcow2", 256); err != nil {
		t.Fatalf("CreateBlank: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked for existing file, calls = %v", runner.calls)
	}
}

func TestCreateBlank_RejectsNonPositiveSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	runner := &fakeRunner{}
	c := NewCreator("").WithRunner(runner)

	err := c.CreateBlank(path, "qcow2", 0)
	if err == nil {
		t.Fatal("expected error for zero size")
	}
	if !qerrors.Is(err, qerrors.KindConfig) {
		t.Errorf("err kind = %v, want KindConfig", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked despite invalid size, calls = %v", runner.calls)
	}
}

func TestCreateBlank_WrapsRunnerFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.qcow2")
	runner := &fakeRunner{err: fmt.Errorf("exit status 1")}
	c := NewCreator("").WithRunner(runner)

	err := c.CreateBlank(path, "raw", 128)
	if err == nil {
		t.Fatal("expected error")
	}
	if !qerrors.Is(err, qerrors.KindSpawn) {
		t.Errorf("err kind = %v, want KindSpawn", err)
	}
}
