// Package argbuilder translates a VMConfig into the emulator's argument
// vector (spec §4.3). Build is a pure function: VMConfig × Capabilities →
// []string, with no I/O and no global state — the ordered "build one
// section at a time, append to a slice" structure is grounded on
// other_examples/528e4023_KarpelesLab-qemuctl__builder.go.go's VMBuilder,
// whose Build() calls a sequence of buildMachine/buildCPU/buildDisks-style
// phases in a fixed order.
package argbuilder

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/qemud/qemud/internal/vmconfig"
)

// Capabilities is the subset of capability.Probe's surface ArgBuilder
// needs — kept as a narrow interface so tests don't depend on a real probe.
type Capabilities interface {
	HasNativeAccel() bool
	HasSpiceLike() bool
}

// Params carries the runtime facts ArgBuilder needs beyond VMConfig
// itself: the resolved RFB base port (to compute a VNC display number)
// and the monitor socket path Supervisor allocated for this VM.
type Params struct {
	RFBBasePort       int
	MonitorSocketPath string
}

// Result is ArgBuilder's output: the argument vector plus any non-fatal
// downgrade warnings (e.g. accel requested but unsupported).
type Result struct {
	Args     []string
	Warnings []string
}

// Build deterministically renders cfg into an emulator argument vector.
// Equal (cfg, caps, params) always yields an equal Result (spec property 2).
func Build(cfg vmconfig.VMConfig, caps Capabilities, params Params) Result {
	b := &builder{cfg: cfg, caps: caps, params: params}

	b.emit("-name", cfg.Name)
	b.emit("-cpu", cfg.CPU)
	b.emit("-smp", fmt.Sprintf("cores=%d,threads=%d", cfg.CPUCores, cfg.CPUThreads))
	b.emit("-m", fmt.Sprintf("%d", cfg.MemoryMiB))
	b.emit("-machine", cfg.Machine)

	b.buildAccel()
	b.buildNetwork()
	b.buildRTC()
	b.buildDisplayAndInput()
	b.buildDisks()
	b.buildMonitor()
	b.buildExtra()

	return Result{Args: b.args, Warnings: b.warnings}
}

type builder struct {
	cfg      vmconfig.VMConfig
	caps     Capabilities
	params   Params
	args     []string
	warnings []string
}

func (b *builder) emit(args ...string) {
	b.args = append(b.args, args...)
}

func (b *builder) warn(msg string) {
	b.warnings = append(b.warnings, msg)
}

func (b *builder) buildAccel() {
	if b.cfg.Acceleration != vmconfig.AccelNative {
		return
	}
	if b.caps == nil || !b.caps.HasNativeAccel() {
		b.warn(fmt.Sprintf("native acceleration requested for VM %q but the installed emulator does not support it; continuing without acceleration", b.cfg.Name))
		return
	}
	b.emit("-accel", nativeAccelFlag())
}

// nativeAccelFlag picks the platform's native acceleration backend name.
// ArgBuilder only emits this when Capabilities confirms support.
func nativeAccelFlag() string {
	switch runtime.GOOS {
	case "darwin":
		return "hvf"
	case "windows":
		return "whpx"
	default:
		return "kvm"
	}
}

func (b *builder) buildNetwork() {
	switch b.cfg.NetworkMode {
	case vmconfig.NetworkUser:
		b.emit("-netdev", "user,id=net0")
		b.emit("-device", "virtio-net-pci,netdev=net0")
	case vmconfig.NetworkBridge:
		b.emit("-netdev", fmt.Sprintf("bridge,id=net0,br=%s", b.cfg.BridgeName))
		b.emit("-device", "virtio-net-pci,netdev=net0")
	case vmconfig.NetworkNone:
		b.emit("-net", "none")
	}
}

func (b *builder) buildRTC() {
	b.emit("-rtc", fmt.Sprintf("base=%s", b.cfg.RTCBase))
}

func (b *builder) buildDisplayAndInput() {
	if b.cfg.Headless {
		b.emit("-nographic")
		return
	}

	// USB xHCI controller plus a pointing device — tablet reports absolute
	// coordinates, which is what the RFB input path clamps and forwards
	// (spec §4.8 "maintain the local button-mask cumulatively").
	b.emit("-device", "qemu-xhci,id=usb")
	b.emit("-device", "usb-tablet,bus=usb.0")

	display := b.cfg.Display
	switch display.Kind {
	case vmconfig.DisplayRFB:
		b.buildRFBDisplay(display)
	case vmconfig.DisplaySpiceLike:
		if b.caps != nil && b.caps.HasSpiceLike() {
			b.buildSpiceDisplay(display)
		} else {
			b.warn(fmt.Sprintf("spice-like display requested for VM %q but the installed emulator does not advertise it; falling back to rfb", b.cfg.Name))
			b.buildRFBDisplay(display)
		}
	case vmconfig.DisplayNone:
		b.emit("-display", "none")
	}
}

func (b *builder) buildRFBDisplay(display vmconfig.DisplayConfig) {
	addr := display.BindAddress
	if addr == "" {
		addr = "127.0.0.1"
	}
	displayNum := 0
	if display.Port != nil {
		displayNum = *display.Port - b.params.RFBBasePort
	}
	spec := fmt.Sprintf("%s:%d", addr, displayNum)
	if display.Password != "" {
		spec += ",password=on"
	}
	b.emit("-vnc", spec)
}

func (b *builder) buildSpiceDisplay(display vmconfig.DisplayConfig) {
	addr := display.BindAddress
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := 0
	if display.Port != nil {
		port = *display.Port
	}
	spec := fmt.Sprintf("port=%d,addr=%s,disable-ticketing=on", port, addr)
	if display.Password != "" {
		spec = fmt.Sprintf("port=%d,addr=%s,password=%s", port, addr, display.Password)
	}
	b.emit("-spice", spec)
	b.emit("-device", "virtio-serial")
	b.emit("-chardev", "spicevmc,id=vdagent,name=vdagent")
	b.emit("-device", "virtserialport,chardev=vdagent,name=com.redhat.spice.0")
}

// isX86 reports whether arch targets the x86 family, where legacy
// -hda/-hdb/-hdc/-hdd flags are available for ide-interface disks.
func isX86(arch string) bool {
	switch arch {
	case "x86_64", "i386", "i686":
		return true
	default:
		return false
	}
}

var legacyDiskFlags = []string{"-hda", "-hdb", "-hdc", "-hdd"}

func (b *builder) buildDisks() {
	for i, disk := range b.cfg.Disks {
		if isX86(b.cfg.Arch) && disk.Interface == vmconfig.InterfaceIDE && i < len(legacyDiskFlags) {
			b.emit(legacyDiskFlags[i], disk.Path)
			continue
		}
		spec := fmt.Sprintf("file=%s,if=%s,format=%s", disk.Path, string(disk.Interface), disk.Format)
		if disk.Kind == vmconfig.DiskCDROM {
			spec += ",media=cdrom,readonly=on"
		}
		b.emit("-drive", spec)
	}
}

func (b *builder) buildMonitor() {
	b.emit("-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", b.params.MonitorSocketPath))
}

func (b *builder) buildExtra() {
	if len(b.cfg.ExtraArgs) > 0 {
		b.emit(b.cfg.ExtraArgs...)
	}
}

// String renders a Result's args as a shell-quoted-ish debug string
// (logging only — never used to actually invoke anything).
func (r Result) String() string {
	return strings.Join(r.Args, " ")
}
