package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-pandabreath/internal/bridges/pandabreath"
	"github.com/nerrad567/gray-logic-pandabreath/internal/history"
)

// sourceAPI is recorded against targets set through PUT /chamber/target.
const sourceAPI = "api"

// ChannelChamberStatus is the live feed channel carrying Status updates.
const ChannelChamberStatus = "chamber.status"

// chamberResponse is the body of GET /chamber.
type chamberResponse struct {
	DeviceID       string             `json:"device_id"`
	Status         pandabreath.Status `json:"status"`
	Link           string             `json:"link,omitempty"`
	Stats          *pandabreath.Stats `json:"stats,omitempty"`
	QueueEvictions uint64             `json:"queue_evictions"`
}

// targetRequest is the body of PUT /chamber/target.
type targetRequest struct {
	Target *float64 `json:"target"`
}

func (s *Server) handleGetChamber(w http.ResponseWriter, _ *http.Request) {
	resp := chamberResponse{
		DeviceID:       s.deviceID,
		Status:         s.chamber.Status(),
		QueueEvictions: s.chamber.QueueEvictions(),
	}
	if s.transport != nil {
		stats := s.transport.Stats()
		resp.Link = s.transport.State().String()
		resp.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Target == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "target is required")
		return
	}

	if err := s.targets.SetTarget(r.Context(), *req.Target, sourceAPI); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": s.deviceID,
		"target":    *req.Target,
		"source":    sourceAPI,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChamberHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyLimit(w, r)
	if !ok {
		return
	}

	readings, err := s.history.Readings(r.Context(), s.deviceID, limit)
	if err != nil {
		s.logger.Error("reading chamber history", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if readings == nil {
		readings = []history.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": s.deviceID,
		"readings":  readings,
		"count":     len(readings),
	})
}

func (s *Server) handleChamberCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyLimit(w, r)
	if !ok {
		return
	}

	commands, err := s.history.Commands(r.Context(), s.deviceID, limit)
	if err != nil {
		s.logger.Error("reading command history", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if commands == nil {
		commands = []history.Command{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": s.deviceID,
		"commands":  commands,
		"count":     len(commands),
	})
}

// historyLimit validates ?limit and that history is enabled. On failure it
// has already written the response.
func (s *Server) historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return 0, false
	}

	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return history.DefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return min(n, history.MaxLimit), true
}

// PublishStatus pushes a heater status to live feed subscribers.
// Wire it with Heater.OnUpdate.
func (s *Server) PublishStatus(st pandabreath.Status) {
	s.hub.Broadcast(ChannelChamberStatus, st)
}
