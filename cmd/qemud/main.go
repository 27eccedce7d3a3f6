// qemud is the local control plane for a single host's emulator-backed
// VMs: it lifecycle-manages QEMU-like processes and brokers RFB/VNC
// sessions to browser clients over a WebSocket.
//
// Usage:
//
//	qemud run [--host HOST] [--port PORT] [--debug|--no-debug] [--config-dir PATH]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/qemud/qemud/internal/api"
	"github.com/qemud/qemud/internal/capability"
	"github.com/qemud/qemud/internal/config"
	"github.com/qemud/qemud/internal/diskimage"
	"github.com/qemud/qemud/internal/portalloc"
	"github.com/qemud/qemud/internal/registry"
	"github.com/qemud/qemud/internal/session"
	"github.com/qemud/qemud/internal/statusbus"
	"github.com/qemud/qemud/internal/supervisor"
	"github.com/qemud/qemud/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: qemud run [--host HOST] [--port PORT] [--debug|--no-debug] [--config-dir PATH]")
	fmt.Fprintln(os.Stderr, "       qemud version")
}

// parseRunFlags hand-parses qemud run's flag set, matching the teacher's
// os.Args-switch CLI style (no flag-parsing library).
func parseRunFlags(args []string) (host string, port int, debug bool, debugSet bool, configDir string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--host":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--host requires a value")
				os.Exit(1)
			}
			host = args[i+1]
			i++
		case "--port":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--port requires a value")
				os.Exit(1)
			}
			p, err := strconv.Atoi(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --port %q: %v\n", args[i+1], err)
				os.Exit(1)
			}
			port = p
			i++
		case "--debug":
			debug, debugSet = true, true
		case "--no-debug":
			debug, debugSet = false, true
		case "--config-dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config-dir requires a value")
				os.Exit(1)
			}
			configDir = args[i+1]
			i++
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}
	return
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qemud"
	}
	return filepath.Join(home, ".qemud")
}

func cmdRun(args []string) {
	host, port, debug, debugSet, configDir := parseRunFlags(args)
	if configDir == "" {
		configDir = defaultConfigDir()
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if host != "" {
		cfg.WebInterface.Host = host
	}
	if port != 0 {
		cfg.WebInterface.Port = port
	}
	if debugSet {
		cfg.WebInterface.Debug = debug
	}

	probe := capability.NewProbe(cfg.EmulatorName, filepath.Join(cfg.DataDir, config.CapabilitiesFile))
	if err := probe.Discover(); err != nil {
		log.Printf("capability probe: %v", err)
	}
	if !probe.Available() {
		log.Printf("no emulator binaries found: %s", probe.Error())
	}

	ports := portalloc.New(
		portalloc.Range{Name: "rfb", BasePort: cfg.RFB.StartPort, Span: cfg.RFB.PortRange},
		portalloc.Range{Name: "websocket", BasePort: cfg.SpiceLike.WebsocketStartPort, Span: cfg.SpiceLike.PortRange},
	)

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}

	bus := statusbus.New()
	if replay, err := statusbus.OpenReplayLog(filepath.Join(cfg.DataDir, config.ReplayLogFile), 500); err != nil {
		log.Printf("open replay log: %v (continuing without crash-forensics history)", err)
	} else {
		bus.WithReplayLog(replay)
		defer replay.Close()
	}

	sup := supervisor.New(cfg, probe, ports, bus, nil, nil)
	reg.SetStateChecker(sup)

	broker := session.NewBroker(sup, reg, cfg.RFBConnectTimeout, cfg.RFBConnectTimeout, 10*time.Second)
	images := diskimage.NewCreator("")

	server := api.NewServer(cfg, reg, sup, bus, broker, images)
	if err := server.Start(); err != nil {
		log.Fatalf("start API server: %v", err)
	}

	log.Printf("qemud listening on %s:%d (config: %s)", cfg.WebInterface.Host, cfg.WebInterface.Port, configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Print("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
		os.Exit(1)
	}
}

