// Package config holds qemud daemon configuration: on-disk layout, port
// ranges, and emulator defaults. Merged from config.json with in-code
// defaults on first run, matching the teacher's DefaultConfig/EnsureDirs
// shape.
package config

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// WebInterface configures the (out-of-core) HTTP boundary's listen address.
type WebInterface struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Debug bool   `json:"debug"`
}

// PortRange configures a base port and span for PortAllocator.
type PortRange struct {
	StartPort int `json:"startPort"`
	PortRange int `json:"portRange"`
}

// SpiceLikeConfig configures the spice-like display backend's port range.
type SpiceLikeConfig struct {
	StartPort          int    `json:"startPort"`
	PortRange          int    `json:"portRange"`
	WebsocketStartPort int    `json:"websocketStartPort"`
	Host               string `json:"host"`
}

// EmulatorDefaults configures default VM resources.
type EmulatorDefaults struct {
	DefaultMemory  int    `json:"defaultMemory"`
	DefaultCPU     string `json:"defaultCpu"`
	DefaultMachine string `json:"defaultMachine"`
}

// Config holds qemud runtime configuration, serialized as config.json.
type Config struct {
	WebInterface WebInterface     `json:"webInterface"`
	RFB          PortRange        `json:"rfb"`
	SpiceLike    SpiceLikeConfig  `json:"spiceLike"`
	Emulator     EmulatorDefaults `json:"emulator"`

	// DataDir is the base directory for qemud runtime data (not serialized;
	// derived from --config-dir).
	DataDir string `json:"-"`

	// EmulatorName is the binary prefix probed and spawned, e.g. "qemu-system".
	EmulatorName string `json:"emulatorName"`

	// IdleProbeWindow is how long Supervisor waits after spawn before
	// declaring the VM RUNNING (spec §4.7 "short probe window").
	IdleProbeWindow time.Duration `json:"-"`

	// MonitorConnectTimeout / MonitorCommandTimeout bound MonitorClient I/O.
	MonitorConnectTimeout time.Duration `json:"-"`
	MonitorCommandTimeout time.Duration `json:"-"`

	// RFBConnectTimeout bounds the RFB client's initial dial+handshake.
	RFBConnectTimeout time.Duration `json:"-"`

	// StopGrace bounds each step of the ACPI→terminate→kill stop sequence.
	StopGrace time.Duration `json:"-"`
}

// VMFileName and LegacyVMFileName are the canonical and legacy registry
// file names (spec §9 open question: pick one canonical name).
const (
	VMFileName         = "vm.json"
	LegacyVMFileName   = "vm_configs.json"
	CapabilitiesFile   = "capabilities.json"
	ConfigFileName     = "config.json"
	ReplayLogFile      = "replay.db"
)

// DefaultConfig returns built-in defaults, used to fill any key missing
// from config.json and as the value written on first run.
func DefaultConfig() *Config {
	return &Config{
		WebInterface: WebInterface{Host: "127.0.0.1", Port: 8088, Debug: false},
		RFB:          PortRange{StartPort: 5900, PortRange: 200},
		SpiceLike: SpiceLikeConfig{
			StartPort:          6000,
			PortRange:          200,
			WebsocketStartPort: 6100,
			Host:               "127.0.0.1",
		},
		Emulator: EmulatorDefaults{
			DefaultMemory:  512,
			DefaultCPU:     "qemu64",
			DefaultMachine: "pc",
		},
		EmulatorName:          "qemu-system",
		IdleProbeWindow:       time.Second,
		MonitorConnectTimeout: 5 * time.Second,
		MonitorCommandTimeout: 5 * time.Second,
		RFBConnectTimeout:     10 * time.Second,
		StopGrace:             5 * time.Second,
	}
}

// Load reads config.json under dataDir, merging missing keys from
// DefaultConfig and writing the file back if it didn't exist. Durations
// are not persisted — they always come from DefaultConfig.
func Load(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, cfg.save(path)
	}

	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, err
	}
	mergeDefaults(cfg, &onDisk)
	return cfg, nil
}

// mergeDefaults overlays any non-zero fields from onDisk onto cfg.
func mergeDefaults(cfg, onDisk *Config) {
	if onDisk.WebInterface.Host != "" {
		cfg.WebInterface = onDisk.WebInterface
	}
	if onDisk.RFB.PortRange != 0 {
		cfg.RFB = onDisk.RFB
	}
	if onDisk.SpiceLike.PortRange != 0 {
		cfg.SpiceLike = onDisk.SpiceLike
	}
	if onDisk.Emulator.DefaultMemory != 0 {
		cfg.Emulator = onDisk.Emulator
	}
	if onDisk.EmulatorName != "" {
		cfg.EmulatorName = onDisk.EmulatorName
	}
}

func (c *Config) save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// writeAtomic writes data to path via a temp file + rename, matching the
// "writer-one-at-a-time, via temp-file rename" discipline spec §5 requires
// for the CapabilityCache and VMRegistry files.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureDirs creates all directories qemud needs under DataDir.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "sockets"),
		filepath.Join(c.DataDir, "logs"),
		filepath.Join(c.DataDir, "disks"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates an emulator or helper binary by name. Search order
// mirrors the teacher's config.FindBinary: PATH, then a sibling directory
// of the running executable, then a couple of well-known system paths.
func FindBinary(name, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/local/bin", "/usr/bin", "/opt/homebrew/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// BinDir exposes executableDir for callers that want the sibling-binary
// search root (kept as a function, not a struct field, since it's
// resolved fresh at call time — mirrors the teacher's main.go usage).
func BinDir() string { return executableDir() }
