// Package api is the qemud HTTP boundary: a REST surface over VMRegistry
// and Supervisor plus a WebSocket endpoint multiplexing SessionBroker
// display traffic and status-bus events to a browser client (spec §6).
//
// The Server struct shape — mux/server/ln fields, a registerRoutes method
// using Go's http.ServeMux method-pattern routing, and a goroutine-backed
// Start/Stop — is grounded on the teacher's internal/api.Server, adapted
// from its unix-socket aegisd listener to a TCP listener bound to
// cfg.WebInterface.Host/Port (spec §6's CLI exposes --host/--port, not a
// socket path).
package api

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"

	"github.com/qemud/qemud/internal/config"
	"github.com/qemud/qemud/internal/diskimage"
	"github.com/qemud/qemud/internal/registry"
	"github.com/qemud/qemud/internal/session"
	"github.com/qemud/qemud/internal/statusbus"
	"github.com/qemud/qemud/internal/supervisor"
	"github.com/qemud/qemud/ui"
)

// Server is the qemud HTTP API server.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	bus        *statusbus.Bus
	broker     *session.Broker
	images     *diskimage.Creator

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer wires a Server over the already-constructed control-plane
// collaborators.
func NewServer(cfg *config.Config, reg *registry.Registry, sup *supervisor.Supervisor, bus *statusbus.Bus, broker *session.Broker, images *diskimage.Creator) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		supervisor: sup,
		bus:        bus,
		broker:     broker,
		images:     images,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/vms", s.handleList)
	s.mux.HandleFunc("POST /v1/vms", s.handleCreate)
	s.mux.HandleFunc("GET /v1/vms/{name}", s.handleGet)
	s.mux.HandleFunc("PUT /v1/vms/{name}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /v1/vms/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/vms/{name}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/vms/{name}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/vms/{name}/shutdown", s.handleStop)
	s.mux.HandleFunc("POST /v1/vms/{name}/poweroff", s.handlePoweroff)
	s.mux.HandleFunc("POST /v1/vms/{name}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /v1/vms/{name}/reset", s.handleReset)
	s.mux.HandleFunc("GET /v1/vms/{name}/status", s.handleStatus)

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	if sub, err := fs.Sub(ui.Frontend, "frontend/dist"); err == nil {
		s.mux.Handle("/", http.FileServerFS(sub))
	}
}

// Start begins listening on cfg.WebInterface.Host:Port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebInterface.Host, s.cfg.WebInterface.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.ln = ln

	log.Printf("qemud API listening on %s", addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("api: server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listener address; empty before Start succeeds.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
