package argbuilder

import (
	"reflect"
	"strings"
	"testing"

	"github.com/qemud/qemud/internal/vmconfig"
)

type fakeCaps struct {
	nativeAccel bool
	spiceLike   bool
}

func (f fakeCaps) HasNativeAccel() bool { return f.nativeAccel }
func (f fakeCaps) HasSpiceLike() bool   { return f.spiceLike }

func baseConfig() vmconfig.VMConfig {
	port := 15901
	return vmconfig.VMConfig{
		ID:           "vm-1",
		Name:         "vm-1",
		Arch:         "x86_64",
		Machine:      "pc",
		CPU:          "qemu64",
		CPUCores:     2,
		CPUThreads:   1,
		MemoryMiB:    1024,
		NetworkMode:  vmconfig.NetworkUser,
		RTCBase:      vmconfig.RTCUTC,
		Acceleration: vmconfig.AccelNative,
		Disks: []vmconfig.DiskDevice{
			{Path: "/data/disks/a.qcow2", Kind: vmconfig.DiskHDD, Format: "qcow2", Interface: vmconfig.InterfaceVirtio},
			{Path: "/data/disks/b.qcow2", Kind: vmconfig.DiskHDD, Format: "qcow2", Interface: vmconfig.InterfaceIDE},
		},
		Display: vmconfig.DisplayConfig{Kind: vmconfig.DisplayRFB, Port: &port},
	}
}

func params() Params {
	return Params{RFBBasePort: 15900, MonitorSocketPath: "/data/sockets/vm-1.sock"}
}

// TestBuild_Deterministic covers property 2: identical inputs produce an
// identical argument vector across repeated calls.
func TestBuild_Deterministic(t *testing.T) {
	cfg := baseConfig()
	caps := fakeCaps{nativeAccel: true, spiceLike: true}
	r1 := Build(cfg, caps, params())
	r2 := Build(cfg, caps, params())
	if !reflect.DeepEqual(r1.Args, r2.Args) {
		t.Fatalf("non-deterministic output:\n%v\n%v", r1.Args, r2.Args)
	}
}

// TestBuild_DiskReorderOnlyAffectsDiskPositions: reordering the Disks slice
// must not perturb any non-disk-related flags.
func TestBuild_DiskReorderOnlyAffectsDiskPositions(t *testing.T) {
	cfg := baseConfig()
	caps := fakeCaps{nativeAccel: true}
	original := Build(cfg, caps, params())

	reordered := baseConfig()
	reordered.Disks = []vmconfig.DiskDevice{cfg.Disks[1], cfg.Disks[0]}
	swapped := Build(reordered, caps, params())

	nonDisk := func(args []string) []string {
		var out []string
		for i := 0; i < len(args); i++ {
			if args[i] == "-hda" || args[i] == "-hdb" || args[i] == "-hdc" || args[i] == "-hdd" || args[i] == "-drive" {
				i++ // skip value
				continue
			}
			out = append(out, args[i])
		}
		return out
	}
	if !reflect.DeepEqual(nonDisk(original.Args), nonDisk(swapped.Args)) {
		t.Errorf("disk reordering changed non-disk args:\n%v\n%v", nonDisk(original.Args), nonDisk(swapped.Args))
	}
}

// TestBuild_AccelDowngrade covers scenario S4: requesting native
// acceleration against a capability set that lacks it must omit the
// -accel flag entirely and record a warning, not fail the build.
func TestBuild_AccelDowngrade(t *testing.T) {
	cfg := baseConfig()
	caps := fakeCaps{nativeAccel: false}
	result := Build(cfg, caps, params())

	for i, a := range result.Args {
		if a == "-accel" {
			t.Fatalf("unexpected -accel flag at %d in %v", i, result.Args)
		}
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a downgrade warning, got none")
	}
}

func TestBuild_RequiredFlags(t *testing.T) {
	cfg := baseConfig()
	result := Build(cfg, fakeCaps{nativeAccel: true}, params())
	joined := strings.Join(result.Args, " ")
	for _, want := range []string{"-name vm-1", "-cpu qemu64", "-smp cores=2,threads=1", "-m 1024", "-machine pc"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing required flag %q in %q", want, joined)
		}
	}
}

func TestBuild_LegacyIDEDisksOnX86(t *testing.T) {
	// disk b is at absolute index 1 in cfg.Disks (a is index 0, virtio),
	// so its legacy slot is -hdb, not -hda: the slot tracks position in
	// the full disk list, not a count of IDE disks seen so far.
	cfg := baseConfig()
	result := Build(cfg, fakeCaps{}, params())
	joined := strings.Join(result.Args, " ")
	if !strings.Contains(joined, "-hdb /data/disks/b.qcow2") {
		t.Errorf("expected legacy -hdb for ide disk at index 1 on x86, got %q", joined)
	}
	if !strings.Contains(joined, "-drive file=/data/disks/a.qcow2,if=virtio,format=qcow2") {
		t.Errorf("expected unified drive spec for virtio disk, got %q", joined)
	}
}

func TestBuild_CDROMReadOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.Disks = []vmconfig.DiskDevice{
		{Path: "/data/disks/install.iso", Kind: vmconfig.DiskCDROM, Format: "raw", Interface: vmconfig.InterfaceSCSI},
	}
	result := Build(cfg, fakeCaps{}, params())
	joined := strings.Join(result.Args, " ")
	if !strings.Contains(joined, "media=cdrom,readonly=on") {
		t.Errorf("expected cdrom readonly drive spec, got %q", joined)
	}
}

func TestBuild_Headless_NoUSBOrDisplay(t *testing.T) {
	cfg := baseConfig()
	cfg.Headless = true
	result := Build(cfg, fakeCaps{nativeAccel: true}, params())
	joined := strings.Join(result.Args, " ")
	if !strings.Contains(joined, "-nographic") {
		t.Error("expected -nographic for headless VM")
	}
	if strings.Contains(joined, "usb-tablet") {
		t.Error("headless VM should not attach a USB pointing device")
	}
}

func TestBuild_RFBDisplayNumberDerivedFromPort(t *testing.T) {
	port := 15905
	cfg := baseConfig()
	cfg.Display = vmconfig.DisplayConfig{Kind: vmconfig.DisplayRFB, Port: &port}
	result := Build(cfg, fakeCaps{}, params())
	joined := strings.Join(result.Args, " ")
	if !strings.Contains(joined, "-vnc 127.0.0.1:5") {
		t.Errorf("expected display number 5 (15905-15900), got %q", joined)
	}
}

func TestBuild_SpiceFallsBackToRFBWhenUnsupported(t *testing.T) {
	port := 15902
	cfg := baseConfig()
	cfg.Display = vmconfig.DisplayConfig{Kind: vmconfig.DisplaySpiceLike, Port: &port}
	result := Build(cfg, fakeCaps{spiceLike: false}, params())
	joined := strings.Join(result.Args, " ")
	if strings.Contains(joined, "-spice") {
		t.Error("should not emit -spice when capability probe reports no spice-like support")
	}
	if !strings.Contains(joined, "-vnc") {
		t.Error("expected fallback to -vnc")
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a fallback warning")
	}
}

func TestBuild_MonitorSocketAlwaysPresent(t *testing.T) {
	cfg := baseConfig()
	result := Build(cfg, fakeCaps{}, params())
	joined := strings.Join(result.Args, " ")
	if !strings.Contains(joined, "-qmp unix:/data/sockets/vm-1.sock,server=on,wait=off") {
		t.Errorf("expected qmp monitor flag, got %q", joined)
	}
}

func TestBuild_ExtraArgsAppendedLast(t *testing.T) {
	cfg := baseConfig()
	cfg.ExtraArgs = []string{"-no-reboot", "-boot", "once=d"}
	result := Build(cfg, fakeCaps{}, params())
	n := len(result.Args)
	if n < 3 || result.Args[n-3] != "-no-reboot" || result.Args[n-2] != "-boot" || result.Args[n-1] != "once=d" {
		t.Errorf("extra args not appended last: %v", result.Args)
	}
}
