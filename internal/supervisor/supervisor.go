// Package supervisor implements the per-VM lifecycle state machine (spec
// §4.7): spawn → running → stopping → stopped, crash detection, and the
// cooperative ACPI→terminate→kill stop sequence. The FSM shape (a
// mutex-guarded struct per instance, a Manager map keyed by name, a
// callback hook fired on every transition) is grounded directly on the
// teacher's internal/lifecycle.Manager/Instance; zombie-reaping and
// crash-vs-clean-exit branching is grounded on internal/daemon.Manager's
// process monitor loop. Process-tree CPU/RSS sampling uses gopsutil/v3
// (from nya3jp-tast's go.mod) since the teacher has no sampler of its own.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/qemud/qemud/internal/argbuilder"
	"github.com/qemud/qemud/internal/capability"
	"github.com/qemud/qemud/internal/config"
	"github.com/qemud/qemud/internal/monitor"
	"github.com/qemud/qemud/internal/portalloc"
	"github.com/qemud/qemud/internal/qerrors"
	"github.com/qemud/qemud/internal/statusbus"
	"github.com/qemud/qemud/internal/vmconfig"
)

// State is a Supervisor FSM state (spec §4.7).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

const (
	rangeRFB       = "rfb"
	rangeWebsocket = "websocket"
)

// BinaryResolver finds the emulator binary to spawn for arch. Overridable
// in tests so the FSM can be exercised without a real qemu-system binary.
type BinaryResolver func(arch string) (string, error)

// ArgBuildFunc renders a VMConfig into an argument vector. Overridable in
// tests for the same reason as BinaryResolver.
type ArgBuildFunc func(cfg vmconfig.VMConfig, caps argbuilder.Capabilities, params argbuilder.Params) argbuilder.Result

// vmEntry is one VM's runtime state (spec §3's VMRuntime), bound
// one-to-one to this Supervisor while state != STOPPED.
type vmEntry struct {
	opMu sync.Mutex // serializes start/stop/restart/reset/poweroff per VM

	fieldMu sync.Mutex // guards the fields below for concurrent reads
	name    string
	state   State
	cfg     vmconfig.VMConfig
	pid     int32

	// exited is closed exactly once, by the single goroutine that calls
	// cmd.Wait(), when the child process exits — a closed channel (rather
	// than a single buffered value) so both sampleLoop's crash watch and
	// stopLocked's grace-period wait can observe it without racing each
	// other for the one delivery.
	exited  chan struct{}
	exitErr error

	mon     *monitor.Client
	logFile *os.File
	logPath string
	rfbPort int
	wsPort  int

	sampleCancel context.CancelFunc
}

func (e *vmEntry) snapshot() (State, vmconfig.VMConfig, int, int) {
	e.fieldMu.Lock()
	defer e.fieldMu.Unlock()
	return e.state, e.cfg, e.rfbPort, e.wsPort
}

func (e *vmEntry) setState(s State) {
	e.fieldMu.Lock()
	e.state = s
	e.fieldMu.Unlock()
}

// Supervisor owns every VM's vmEntry and drives spawn/stop/crash handling.
type Supervisor struct {
	cfg      *config.Config
	probe    *capability.Probe
	ports    *portalloc.Allocator
	bus      *statusbus.Bus
	resolve  BinaryResolver
	buildArg ArgBuildFunc

	mu      sync.Mutex
	entries map[string]*vmEntry

	onCrashMu sync.Mutex
	onCrash   []func(name string)
}

// New creates a Supervisor. resolve/buildArg may be nil to use the
// production binary-lookup and argbuilder.Build.
func New(cfg *config.Config, probe *capability.Probe, ports *portalloc.Allocator, bus *statusbus.Bus, resolve BinaryResolver, buildArg ArgBuildFunc) *Supervisor {
	if resolve == nil {
		resolve = func(arch string) (string, error) {
			bin := config.FindBinary(cfg.EmulatorName+"-"+arch, config.BinDir())
			if bin == "" {
				return "", qerrors.Capability(fmt.Sprintf("no %s-%s binary found", cfg.EmulatorName, arch), nil)
			}
			return bin, nil
		}
	}
	if buildArg == nil {
		buildArg = argbuilder.Build
	}
	return &Supervisor{
		cfg:      cfg,
		probe:    probe,
		ports:    ports,
		bus:      bus,
		resolve:  resolve,
		buildArg: buildArg,
		entries:  make(map[string]*vmEntry),
	}
}

// OnCrash registers a callback fired when a running VM's process exits
// spontaneously (spec §4.7's crash-notification hook, consumed by
// SessionBroker to trigger reconnection attempts).
func (s *Supervisor) OnCrash(fn func(name string)) {
	s.onCrashMu.Lock()
	defer s.onCrashMu.Unlock()
	s.onCrash = append(s.onCrash, fn)
}

func (s *Supervisor) notifyCrash(name string) {
	s.onCrashMu.Lock()
	var fns []func(string)
	fns = append(fns, s.onCrash...)
	s.onCrashMu.Unlock()
	for _, fn := range fns {
		fn(name)
	}
}

func (s *Supervisor) entry(name string) *vmEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &vmEntry{name: name, state: StateStopped}
		s.entries[name] = e
	}
	return e
}

// State returns the named VM's current FSM state ("stopped" if never seen).
func (s *Supervisor) State(name string) State {
	st, _, _, _ := s.entry(name).snapshot()
	return st
}

// IsStopped implements registry.StateChecker: STOPPED and FAILED both mean
// no process is running, so registry updates are safe.
func (s *Supervisor) IsStopped(name string) bool {
	st := s.State(name)
	return st == StateStopped || st == StateFailed
}

// DisplayAddress returns the loopback RFB address for a running VM.
func (s *Supervisor) DisplayAddress(name string) (string, bool) {
	st, _, rfbPort, _ := s.entry(name).snapshot()
	if st != StateRunning || rfbPort == 0 {
		return "", false
	}
	return fmt.Sprintf("127.0.0.1:%d", rfbPort), true
}

// Start drives STOPPED/FAILED → STARTING → RUNNING|FAILED (spec §4.7).
func (s *Supervisor) Start(ctx context.Context, cfg vmconfig.VMConfig) error {
	e := s.entry(cfg.Name)
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if st, _, _, _ := e.snapshot(); st == StateRunning || st == StateStarting {
		return qerrors.Resource(fmt.Sprintf("VM %q is already starting or running", cfg.Name), nil)
	}

	if err := s.probe.RequireCapable(cfg.Arch); err != nil {
		return err
	}

	e.setState(StateStarting)
	s.publish(cfg.Name, false, 0, 0, 0)

	displayEnabled := !cfg.Headless && cfg.Display.Kind != vmconfig.DisplayNone

	var rfbPort, wsPort int
	var err error
	if displayEnabled {
		rfbPort, err = s.ports.Acquire(rangeRFB)
		if err != nil {
			e.setState(StateFailed)
			return qerrors.Resource("allocate RFB port", err)
		}
		wsPort, err = s.ports.Acquire(rangeWebsocket)
		if err != nil {
			s.ports.Release(rangeRFB, rfbPort)
			e.setState(StateFailed)
			return qerrors.Resource("allocate websocket port", err)
		}
	}
	releasePorts := func() {
		if rfbPort != 0 {
			s.ports.Release(rangeRFB, rfbPort)
		}
		if wsPort != 0 {
			s.ports.Release(rangeWebsocket, wsPort)
		}
	}

	logFile, logPath, err := s.openLogFile(cfg.Name)
	if err != nil {
		releasePorts()
		e.setState(StateFailed)
		return qerrors.Resource("open log file", err)
	}

	binPath, err := s.resolve(cfg.Arch)
	if err != nil {
		logFile.Close()
		releasePorts()
		e.setState(StateFailed)
		return err
	}

	socketPath := monitorSocketPath(s.cfg.DataDir, cfg.Name)
	params := argbuilder.Params{RFBBasePort: s.cfg.RFB.StartPort, MonitorSocketPath: socketPath}
	if rfbPort != 0 {
		p := rfbPort
		cfg.Display.Port = &p
	}
	if wsPort != 0 {
		p := wsPort
		cfg.Display.WebsocketPort = &p
	}
	result := s.buildArg(cfg, s.probe, params)
	for _, w := range result.Warnings {
		log.Print(qerrors.Capability(w, nil))
	}

	cmd := buildCommand(binPath, result.Args, logFile)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		releasePorts()
		e.setState(StateFailed)
		return qerrors.Spawn(fmt.Sprintf("start %s", binPath), err, "")
	}

	// A single goroutine owns cmd.Wait() for the life of this process and
	// is the only writer of e.exitErr; exited is closed (not sent-on) so
	// every interested reader — the probe window below, stopLocked's
	// grace-period wait, and sampleLoop's crash watch — can observe the
	// exit without racing each other for a one-shot delivery.
	exited := make(chan struct{})
	go func() {
		werr := cmd.Wait()
		e.fieldMu.Lock()
		e.exitErr = werr
		e.fieldMu.Unlock()
		close(exited)
	}()

	select {
	case <-exited:
		e.fieldMu.Lock()
		werr := e.exitErr
		e.fieldMu.Unlock()
		tail := logTail(logPath)
		logFile.Close()
		releasePorts()
		e.setState(StateFailed)
		return qerrors.Spawn(fmt.Sprintf("emulator for VM %q exited during startup", cfg.Name), werr, tail)
	case <-time.After(s.cfg.IdleProbeWindow):
	}

	monCtx, monCancel := context.WithTimeout(ctx, s.cfg.MonitorConnectTimeout)
	mon, err := monitor.Dial(monCtx, socketPath, s.cfg.MonitorConnectTimeout)
	monCancel()
	if err != nil {
		cmd.Process.Kill()
		<-exited
		logFile.Close()
		releasePorts()
		e.setState(StateFailed)
		return qerrors.Monitor(fmt.Sprintf("attach to VM %q monitor socket", cfg.Name), err)
	}

	sampleCtx, sampleCancel := context.WithCancel(context.Background())

	e.fieldMu.Lock()
	e.cfg = cfg
	e.pid = int32(cmd.Process.Pid)
	e.exited = exited
	e.mon = mon
	e.logFile = logFile
	e.logPath = logPath
	e.rfbPort = rfbPort
	e.wsPort = wsPort
	e.state = StateRunning
	e.sampleCancel = sampleCancel
	e.fieldMu.Unlock()

	s.publish(cfg.Name, true, 0, 0, 0)
	go s.sampleLoop(sampleCtx, e, exited)

	return nil
}

// Stop drives RUNNING → STOPPING → STOPPED via ACPI shutdown, then
// terminate, then kill (spec §4.7).
func (s *Supervisor) Stop(name string) error {
	e := s.entry(name)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return s.stopLocked(e, true)
}

// Poweroff kills the VM immediately, skipping the ACPI/terminate grace
// steps (spec §4.7 "poweroff: direct kill").
func (s *Supervisor) Poweroff(name string) error {
	e := s.entry(name)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return s.stopLocked(e, false)
}

func (s *Supervisor) stopLocked(e *vmEntry, graceful bool) error {
	st, cfg, rfbPort, wsPort := e.snapshot()
	if st == StateStopped {
		return nil
	}

	e.fieldMu.Lock()
	mon := e.mon
	exited := e.exited
	logFile := e.logFile
	sampleCancel := e.sampleCancel
	e.state = StateStopping
	e.fieldMu.Unlock()

	if sampleCancel != nil {
		sampleCancel()
	}

	if exited != nil {
		if graceful && mon != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
			_ = mon.Shutdown(ctx, s.cfg.StopGrace)
			cancel()
			if !waitFor(exited, s.cfg.StopGrace) {
				e.fieldMu.Lock()
				proc := processOf(e.pid)
				e.fieldMu.Unlock()
				if proc != nil {
					proc.Signal(syscallTerminate())
				}
				if !waitFor(exited, s.cfg.StopGrace) && proc != nil {
					proc.Kill()
					waitFor(exited, s.cfg.StopGrace)
				}
			}
		} else {
			e.fieldMu.Lock()
			proc := processOf(e.pid)
			e.fieldMu.Unlock()
			if proc != nil {
				proc.Kill()
			}
			waitFor(exited, s.cfg.StopGrace)
		}
	}

	if mon != nil {
		mon.Close()
	}
	if logFile != nil {
		logFile.Close()
	}
	if rfbPort != 0 {
		s.ports.Release(rangeRFB, rfbPort)
	}
	if wsPort != 0 {
		s.ports.Release(rangeWebsocket, wsPort)
	}

	cfg.Display.ClearRuntimeFields()
	e.fieldMu.Lock()
	e.cfg = cfg
	e.mon = nil
	e.logFile = nil
	e.rfbPort = 0
	e.wsPort = 0
	e.exited = nil
	e.state = StateStopped
	e.fieldMu.Unlock()

	s.publish(cfg.Name, false, 0, 0, 0)
	return nil
}

// Restart stops then starts the VM with its last-known config.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	e := s.entry(name)
	e.opMu.Lock()
	_, cfg, _, _ := e.snapshot()
	if err := s.stopLocked(e, true); err != nil {
		e.opMu.Unlock()
		return err
	}
	e.opMu.Unlock()
	return s.Start(ctx, cfg)
}

// Reset issues a hard MonitorClient reset; the VM must be RUNNING.
func (s *Supervisor) Reset(ctx context.Context, name string) error {
	e := s.entry(name)
	e.opMu.Lock()
	defer e.opMu.Unlock()
	st, _, _, _ := e.snapshot()
	if st != StateRunning {
		return qerrors.Broker(fmt.Sprintf("VM %q is not running", name), nil)
	}
	e.fieldMu.Lock()
	mon := e.mon
	e.fieldMu.Unlock()
	return mon.Reset(ctx, s.cfg.MonitorCommandTimeout)
}

// sampleLoop polls process-tree CPU/RSS every second and watches for a
// spontaneous exit, publishing a stopped snapshot and notifying crash
// observers when one is seen (spec §4.7 crash detection).
func (s *Supervisor) sampleLoop(ctx context.Context, e *vmEntry, exited chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-exited:
			s.handleCrash(e)
			return
		case <-ticker.C:
			e.fieldMu.Lock()
			pid := e.pid
			name := e.name
			e.fieldMu.Unlock()
			cpuPct, rssMiB := processTreeStats(pid)
			s.bus.Publish(statusbus.Snapshot{Name: name, Running: true, CPUPercent: cpuPct, MemoryMiB: rssMiB, Timestamp: now()})
		}
	}
}

// handleCrash runs when exited closes while the entry is still RUNNING —
// i.e. the process exited on its own, not via stopLocked's deliberate
// sequence (stopLocked always moves state to STOPPING, and cancels the
// sampler, before the process is actually signaled).
func (s *Supervisor) handleCrash(e *vmEntry) {
	e.fieldMu.Lock()
	if e.state != StateRunning {
		e.fieldMu.Unlock()
		return // already being stopped deliberately
	}
	name := e.name
	mon := e.mon
	logFile := e.logFile
	rfbPort := e.rfbPort
	wsPort := e.wsPort
	werr := e.exitErr
	e.mon = nil
	e.logFile = nil
	e.rfbPort = 0
	e.wsPort = 0
	e.exited = nil
	e.state = StateStopped
	e.fieldMu.Unlock()

	if mon != nil {
		mon.Close()
	}
	if logFile != nil {
		logFile.Close()
	}
	if rfbPort != 0 {
		s.ports.Release(rangeRFB, rfbPort)
	}
	if wsPort != 0 {
		s.ports.Release(rangeWebsocket, wsPort)
	}

	exitCode := exitCodeOf(werr)
	log.Printf("supervisor: VM %q exited spontaneously (code %d): %v", name, exitCode, werr)
	s.publish(name, false, 0, 0, exitCode)
	s.notifyCrash(name)
}

func (s *Supervisor) publish(name string, running bool, cpu, mem float64, exitCode int) {
	s.bus.Publish(statusbus.Snapshot{
		Name:       name,
		Running:    running,
		CPUPercent: cpu,
		MemoryMiB:  mem,
		ExitCode:   exitCode,
		Timestamp:  now(),
	})
}

func (s *Supervisor) openLogFile(name string) (*os.File, string, error) {
	dir := filepath.Join(s.cfg.DataDir, "logs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", err
	}
	stamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, stamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// monitorSocketPath derives the deterministic per-VM monitor socket path
// (spec §6): spaces in the name are replaced with underscores.
func monitorSocketPath(dataDir, name string) string {
	safe := strings.ReplaceAll(name, " ", "_")
	return filepath.Join(dataDir, "sockets", safe+".sock")
}

// logTail returns the last ~4KiB of the named file for SpawnError context.
func logTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	const max = 4096
	if len(data) > max {
		data = data[len(data)-max:]
	}
	return string(data)
}

func waitFor(ch chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func now() time.Time { return time.Now() }

func processTreeStats(pid int32) (cpuPercent, rssMiB float64) {
	if pid == 0 {
		return 0, 0
	}
	root, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0
	}
	procs := []*process.Process{root}
	if children, err := root.Children(); err == nil {
		procs = append(procs, children...)
	}
	for _, p := range procs {
		if pct, err := p.CPUPercent(); err == nil {
			cpuPercent += pct
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			rssMiB += float64(mem.RSS) / (1024 * 1024)
		}
	}
	return cpuPercent, rssMiB
}
