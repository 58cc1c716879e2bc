package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rnrsolutions/devicelink/internal/device"
)

// deviceView is a registry record annotated with the live connected flag.
type deviceView struct {
	device.Device
	IsConnected bool `json:"is_connected"`
}

// handleListDevices returns all registered devices, ordered by ID.
//
// Query parameters:
//   - state: filter by connectivity state (online, offline, unknown)
//   - active: "true" or "false" to filter on the active flag
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeError(w, ErrCodeInternal, "failed to list devices")
		return
	}

	q := r.URL.Query()
	var state device.ConnectivityState
	if raw := q.Get("state"); raw != "" {
		state, err = device.ParseState(raw)
		if err != nil {
			writeError(w, ErrCodeBadRequest, "state must be online, offline, or unknown")
			return
		}
	}
	activeFilter := q.Get("active")
	if activeFilter != "" && activeFilter != "true" && activeFilter != "false" {
		writeError(w, ErrCodeBadRequest, "active must be true or false")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		if state != "" && d.State != state {
			continue
		}
		if activeFilter != "" && d.Active != (activeFilter == "true") {
			continue
		}
		views = append(views, deviceView{Device: d, IsConnected: s.registry.IsConnected(d.ID)})
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeError(w, ErrCodeNotFound, "device not found")
			return
		}
		s.logger.Error("getting device", "device_id", id, "error", err)
		writeError(w, ErrCodeInternal, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, deviceView{Device: *d, IsConnected: s.registry.IsConnected(id)})
}

// handleDeactivateDevice soft-deletes a device. The record and its telemetry
// are kept; the next sighting reactivates it.
func (s *Server) handleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeError(w, ErrCodeNotFound, "device not found")
			return
		}
		s.logger.Error("deactivating device", "device_id", id, "error", err)
		writeError(w, ErrCodeInternal, "failed to deactivate device")
		return
	}
	s.liveness.Remove(id)

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns device counts by state.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.logger.Error("device stats", "error", err)
		writeError(w, ErrCodeInternal, "failed to load device stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
