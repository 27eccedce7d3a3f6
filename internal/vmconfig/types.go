// Package vmconfig defines the persistent VM definition types (spec §3):
// VMConfig, DiskDevice, DisplayConfig, GpuConfig. These are pure data —
// no behavior, no I/O — matching the teacher's vmm.VMConfig split between
// "what a VM needs" (vmm.VMConfig) and "what runs it" (vmm.Handle/chInstance).
package vmconfig

// NetworkMode selects how the emulator's NIC reaches the outside world.
type NetworkMode string

const (
	NetworkUser   NetworkMode = "user"
	NetworkBridge NetworkMode = "bridge"
	NetworkNone   NetworkMode = "none"
)

// RTCBase selects the guest real-time-clock base.
type RTCBase string

const (
	RTCUTC       RTCBase = "utc"
	RTCLocaltime RTCBase = "localtime"
)

// Acceleration selects whether native hardware acceleration is requested.
type Acceleration string

const (
	AccelNone   Acceleration = "none"
	AccelNative Acceleration = "native"
)

// DiskKind distinguishes a hard disk from removable optical media.
type DiskKind string

const (
	DiskHDD   DiskKind = "hdd"
	DiskCDROM DiskKind = "cdrom"
)

// DiskInterface selects the guest bus a disk is attached to.
type DiskInterface string

const (
	InterfaceVirtio DiskInterface = "virtio"
	InterfaceIDE    DiskInterface = "ide"
	InterfaceSCSI   DiskInterface = "scsi"
)

// DiskDevice describes one disk or CD-ROM attached to a VM.
//
// Invariant: a DiskKind of cdrom implies a non-virtio Interface and
// ReadOnly=true by convention. NormalizeCDROM applies it; neither
// ArgBuilder nor the registry calls NormalizeCDROM, so disks are used as
// given.
type DiskDevice struct {
	Path      string        `json:"path"`
	Kind      DiskKind      `json:"kind"`
	Format    string        `json:"format"`
	Interface DiskInterface `json:"interface"`
	ReadOnly  bool          `json:"readonly"`

	// SizeMiB requests a blank image be created at Path when no file
	// exists there yet. Zero means Path must already exist (e.g. an
	// attached ISO). It is stored in vm.json with the rest of the disk;
	// once a file exists at Path it has no further effect.
	SizeMiB int `json:"sizeMiB,omitempty"`
}

// NormalizeCDROM enforces the cdrom convention in place.
func (d *DiskDevice) NormalizeCDROM() {
	if d.Kind != DiskCDROM {
		return
	}
	d.ReadOnly = true
	if d.Interface == InterfaceVirtio {
		d.Interface = InterfaceIDE
	}
}

// DisplayKind selects which display protocol the VM exposes.
type DisplayKind string

const (
	DisplayRFB       DisplayKind = "rfb"
	DisplaySpiceLike DisplayKind = "spice-like"
	DisplayNone      DisplayKind = "none"
)

// DisplayConfig describes the VM's display backend.
//
// Port and WebsocketPort are runtime-assigned: nil while config-declared
// only, set by Supervisor.start, and reset to nil (never deleted) by
// Supervisor.stop — resolving the §9 open question about attribute
// deletion in favor of explicit nullable fields.
type DisplayConfig struct {
	Kind          DisplayKind `json:"kind"`
	BindAddress   string      `json:"bindAddress"`
	Password      string      `json:"password,omitempty"`
	Port          *int        `json:"port,omitempty"`
	WebsocketPort *int        `json:"websocketPort,omitempty"`
}

// ClearRuntimeFields resets runtime-assigned fields at stop time.
func (d *DisplayConfig) ClearRuntimeFields() {
	d.Port = nil
	d.WebsocketPort = nil
}

// GpuConfig describes optional GPU passthrough/virtualization hints.
// Non-goals exclude a full GPU virtualization story; the field is stored
// with the VM definition, and ArgBuilder emits no flag from it.
type GpuConfig struct {
	Model string `json:"model,omitempty"` // e.g. "virtio-gpu", "" for none
}

// VMConfig is the full persistent definition of a VM (spec §3).
//
// Invariant: Name is unique and case-sensitive across the registry;
// enforced by the registry, not by this type.
type VMConfig struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Arch         string        `json:"arch"`
	Machine      string        `json:"machine"`
	CPU          string        `json:"cpu"`
	CPUCores     int           `json:"cpuCores"`
	CPUThreads   int           `json:"cpuThreads"`
	MemoryMiB    int           `json:"memoryMiB"`
	Disks        []DiskDevice  `json:"disks"`
	NetworkMode  NetworkMode   `json:"networkMode"`
	BridgeName   string        `json:"bridgeName,omitempty"`
	RTCBase      RTCBase       `json:"rtcBase"`
	Acceleration Acceleration  `json:"acceleration"`
	Headless     bool          `json:"headless"`
	Display      DisplayConfig `json:"display"`
	Gpu          GpuConfig     `json:"gpu"`
	ExtraArgs    []string      `json:"extraArgs,omitempty"`
}

// Clone returns a deep copy safe to mutate independently of the original.
func (c VMConfig) Clone() VMConfig {
	out := c
	out.Disks = append([]DiskDevice(nil), c.Disks...)
	out.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	if c.Display.Port != nil {
		p := *c.Display.Port
		out.Display.Port = &p
	}
	if c.Display.WebsocketPort != nil {
		p := *c.Display.WebsocketPort
		out.Display.WebsocketPort = &p
	}
	return out
}
