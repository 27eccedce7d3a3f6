package api

import (
	"encoding/json"
	"net/http"

	"github.com/qemud/qemud/internal/qerrors"
	"github.com/qemud/qemud/internal/registry"
	"github.com/qemud/qemud/internal/vmconfig"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case qerrors.Is(err, qerrors.KindConfig):
		status = http.StatusBadRequest
	case qerrors.Is(err, qerrors.KindBroker):
		status = http.StatusConflict
	case qerrors.Is(err, qerrors.KindResource):
		status = http.StatusServiceUnavailable
	default:
		switch err.(type) {
		case *registry.ErrNotFound:
			status = http.StatusNotFound
		case *registry.ErrNotStopped:
			status = http.StatusConflict
		case *registry.ErrExists:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

// handleList serves GET /v1/vms.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleCreate serves POST /v1/vms.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg vmconfig.VMConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, qerrors.Config("decode VMConfig", err))
		return
	}
	if err := s.provisionDisks(cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Add(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// provisionDisks creates a blank image for every hdd disk that requested one
// via DiskDevice.SizeMiB and doesn't have a file at Path yet.
func (s *Server) provisionDisks(cfg vmconfig.VMConfig) error {
	for _, d := range cfg.Disks {
		if d.Kind != vmconfig.DiskHDD || d.SizeMiB <= 0 {
			continue
		}
		if err := s.images.CreateBlank(d.Path, d.Format, d.SizeMiB); err != nil {
			return err
		}
	}
	return nil
}

// handleGet serves GET /v1/vms/{name}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleUpdate serves PUT /v1/vms/{name}.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var cfg vmconfig.VMConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, qerrors.Config("decode VMConfig", err))
		return
	}
	if err := s.provisionDisks(cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Update(name, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleDelete serves DELETE /v1/vms/{name}. Registry.Remove best-effort
// stops the VM; the session broker and status bus are cleaned up
// afterward so no stale subscriber or display session outlives the VM.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	s.broker.TeardownVM(name)
	s.bus.Remove(name)
	w.WriteHeader(http.StatusNoContent)
}

// handleStart serves POST /v1/vms/{name}/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.supervisor.Start(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStop serves POST /v1/vms/{name}/stop and /shutdown (spec §6 lists
// both RPC verbs for the same graceful ACPI-then-terminate-then-kill path
// Supervisor.Stop already implements).
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.supervisor.Stop(name); err != nil {
		writeError(w, err)
		return
	}
	s.broker.TeardownVM(name)
	w.WriteHeader(http.StatusAccepted)
}

// handlePoweroff serves POST /v1/vms/{name}/poweroff — the forced path,
// skipping the graceful ACPI request.
func (s *Server) handlePoweroff(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.supervisor.Poweroff(name); err != nil {
		writeError(w, err)
		return
	}
	s.broker.TeardownVM(name)
	w.WriteHeader(http.StatusAccepted)
}

// handleRestart serves POST /v1/vms/{name}/restart.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.broker.TeardownVM(name)
	if err := s.supervisor.Restart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleReset serves POST /v1/vms/{name}/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.supervisor.Reset(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStatus serves GET /v1/vms/{name}/status, assembling the same
// shape the vm_status WebSocket event carries (spec §6).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := s.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusPayload(name, cfg))
}

func (s *Server) statusPayload(name string, cfg vmconfig.VMConfig) map[string]interface{} {
	snap, ok := s.bus.Last(name)
	running := ok && snap.Running
	cpu, mem := 0.0, 0.0
	if ok {
		cpu, mem = snap.CPUPercent, snap.MemoryMiB
	}
	payload := map[string]interface{}{
		"name":      name,
		"running":   running,
		"cpuUsage":  cpu,
		"memoryMiB": mem,
		"config":    cfg,
	}
	if running && cfg.Display.Kind != vmconfig.DisplayNone {
		payload["display"] = cfg.Display
	}
	return payload
}

