package capability

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qemud/qemud/internal/qerrors"
)

// Runner executes an external command and returns combined stdout.
// Abstracted for tests — grounded on the teacher's pattern of constructing
// an Application from injected collaborators rather than calling exec.Command
// directly throughout (Design Notes §9: "process-wide state... replaced by
// explicit dependency injection").
type Runner interface {
	Run(bin string, args ...string) (string, error)
}

// execRunner is the production Runner, shelling out via os/exec.
type execRunner struct{}

func (execRunner) Run(bin string, args ...string) (string, error) {
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Probe discovers emulator capabilities and caches them on disk.
type Probe struct {
	mu     sync.RWMutex
	runner Runner

	emulatorName string // binary prefix, e.g. "qemu-system"
	cachePath    string
	discover     func() []binaryRef // binary enumeration strategy, overridable in tests

	cache       *Cache
	available   bool
	unavailable string // human-readable reason when available=false
}

// NewProbe creates a Probe that enumerates "<emulatorName>-<arch>" binaries
// on $PATH and caches results at cachePath.
func NewProbe(emulatorName, cachePath string) *Probe {
	p := &Probe{
		runner:       execRunner{},
		emulatorName: emulatorName,
		cachePath:    cachePath,
	}
	p.discover = p.findBinaries
	return p
}

// WithRunner overrides the command runner (tests only).
func (p *Probe) WithRunner(r Runner) *Probe {
	p.runner = r
	return p
}

// WithBinaries overrides binary enumeration with a fixed set (tests only),
// bypassing the real $PATH scan.
func (p *Probe) WithBinaries(binaries []binaryRef) *Probe {
	p.discover = func() []binaryRef { return binaries }
	return p
}

// FakeBinary constructs a binaryRef for use with WithBinaries.
func FakeBinary(path, arch string) binaryRef {
	return binaryRef{path: path, arch: arch}
}

// FakeBinaries collects binaryRef values into the slice WithBinaries
// expects, so callers outside this package (which cannot spell the
// unexported binaryRef type) can still build one from FakeBinary values.
func FakeBinaries(bins ...binaryRef) []binaryRef {
	return bins
}

// Discover enumerates emulator binaries, compares against the on-disk
// cache, and re-probes only when the emulator version or architecture set
// changed (spec §4.2, property 3). Probe failures are not fatal: Discover
// always returns nil error, leaving Available()/Error() to report status.
func (p *Probe) Discover() error {
	binaries := p.discover()
	if len(binaries) == 0 {
		p.mu.Lock()
		p.available = false
		p.unavailable = fmt.Sprintf("no %s-<arch> binaries found on PATH", p.emulatorName)
		p.mu.Unlock()
		return nil
	}

	canonical := binaries[0]
	version, err := p.probeVersion(canonical.path)
	if err != nil {
		p.mu.Lock()
		p.available = false
		p.unavailable = fmt.Sprintf("version query on %s failed: %v", canonical.path, err)
		p.mu.Unlock()
		return nil
	}

	var archs []string
	for _, b := range binaries {
		archs = append(archs, b.arch)
	}

	onDisk, _ := loadCache(p.cachePath)
	if onDisk != nil && onDisk.EmulatorVersion == version && sameArchSet(onDisk.Architectures, archs) {
		p.mu.Lock()
		p.cache = onDisk
		p.available = true
		p.unavailable = ""
		p.mu.Unlock()
		return nil
	}

	fresh := emptyCache()
	fresh.EmulatorVersion = version
	fresh.Architectures = archs

	for _, b := range binaries {
		cpuOut, _ := p.runner.Run(b.path, "-cpu", "help")
		fresh.CPUModels[b.arch] = parseCPUModels(b.arch, cpuOut)

		machineOut, _ := p.runner.Run(b.path, "-machine", "help")
		fresh.MachineTypes[b.arch] = parseMachineTypes(machineOut)
	}

	deviceOut, _ := p.runner.Run(canonical.path, "-device", "help")
	fresh.DisplayDevices[canonical.arch] = parseDeviceList(deviceOut)
	fresh.HasSpiceLike = containsAny(deviceOut, "spice", "qxl")

	accelOut, _ := p.runner.Run(canonical.path, "-accel", "help")
	fresh.HasNativeAccel = containsAny(accelOut, "kvm", "hvf", "whpx")

	if err := saveCache(p.cachePath, fresh); err != nil {
		// Cache write failure is non-fatal — capabilities are still usable
		// for this process lifetime.
		fresh.EmulatorVersion = version
	}

	p.mu.Lock()
	p.cache = fresh
	p.available = true
	p.unavailable = ""
	p.mu.Unlock()
	return nil
}

// Available reports whether the emulator was successfully probed.
func (p *Probe) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// Error returns the human-readable reason Available() is false, or "".
func (p *Probe) Error() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.unavailable
}

// Architectures returns the probed architecture list.
func (p *Probe) Architectures() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cache == nil {
		return nil
	}
	return append([]string(nil), p.cache.Architectures...)
}

// CPUModelsFor returns the CPU models available for arch.
func (p *Probe) CPUModelsFor(arch string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cache == nil {
		return nil
	}
	return append([]string(nil), p.cache.CPUModels[arch]...)
}

// MachineTypesFor returns the machine types available for arch.
func (p *Probe) MachineTypesFor(arch string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cache == nil {
		return nil
	}
	return append([]string(nil), p.cache.MachineTypes[arch]...)
}

// HasNativeAccel reports whether the probed emulator advertises a native
// hardware acceleration backend (KVM/HVF/WHPX).
func (p *Probe) HasNativeAccel() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache != nil && p.cache.HasNativeAccel
}

// HasSpiceLike reports whether the probed emulator advertises a
// spice-like display backend.
func (p *Probe) HasSpiceLike() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache != nil && p.cache.HasSpiceLike
}

// RequireCapable returns a CapabilityError if arch is not among the
// probed architectures.
func (p *Probe) RequireCapable(arch string) error {
	for _, a := range p.Architectures() {
		if a == arch {
			return nil
		}
	}
	return qerrors.Capability(fmt.Sprintf("architecture %q not supported by installed emulator", arch), nil)
}

type binaryRef struct {
	path string
	arch string
}

// findBinaries enumerates "<emulatorName>-<arch>" executables on $PATH.
func (p *Probe) findBinaries() []binaryRef {
	prefix := p.emulatorName + "-"
	seen := make(map[string]bool)
	var out []binaryRef

	pathDirs := filepath.SplitList(os.Getenv("PATH"))
	for _, dir := range pathDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasPrefix(ent.Name(), prefix) {
				continue
			}
			arch := strings.TrimPrefix(ent.Name(), prefix)
			if seen[arch] {
				continue
			}
			full := filepath.Join(dir, ent.Name())
			info, err := os.Stat(full)
			if err != nil || info.Mode()&0111 == 0 {
				continue
			}
			seen[arch] = true
			out = append(out, binaryRef{path: full, arch: arch})
		}
	}
	return out
}

func (p *Probe) probeVersion(bin string) (string, error) {
	out, err := p.runner.Run(bin, "-version")
	if err != nil {
		return "", err
	}
	line := strings.SplitN(out, "\n", 2)[0]
	return strings.TrimSpace(line), nil
}

// parseCPUModels tolerantly parses "-cpu help" output: skips header lines,
// extracts the first token per data line, and for x86 strips the
// architecture-specific leading marker some builds print (e.g. "x86 ").
func parseCPUModels(arch, out string) []string {
	var models []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isHeaderLine(line) {
			continue
		}
		if strings.HasPrefix(arch, "x86") || strings.HasPrefix(arch, "i386") {
			line = strings.TrimPrefix(line, "x86 ")
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		models = append(models, fields[0])
	}
	return models
}

// parseMachineTypes tolerantly parses "-machine help" output.
func parseMachineTypes(out string) []string {
	var machines []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isHeaderLine(line) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		machines = append(machines, fields[0])
	}
	return machines
}

// parseDeviceList tolerantly parses "-device help" output.
func parseDeviceList(out string) []string {
	var devices []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isHeaderLine(line) {
			continue
		}
		// Device lines typically look like: `name "virtio-gpu-pci"`.
		start := strings.Index(line, `"`)
		if start < 0 {
			continue
		}
		end := strings.Index(line[start+1:], `"`)
		if end < 0 {
			continue
		}
		devices = append(devices, line[start+1:start+1+end])
	}
	return devices
}

func isHeaderLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasSuffix(lower, ":") || strings.HasPrefix(lower, "available")
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
