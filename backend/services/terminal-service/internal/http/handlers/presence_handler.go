package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/service"
)

type heartbeatRequest struct {
	Slot    string `json:"slot"`
	Present *bool  `json:"present"`
}

// PresenceHandler serves sensor heartbeats and bay corroboration.
type PresenceHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewPresenceHandler builds handler.
func NewPresenceHandler(svc *service.TerminalService, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{svc: svc, logger: logger}
}

// HandleHeartbeat handles POST /presence/heartbeat.
func (h *PresenceHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	if req.Present == nil {
		writeError(w, http.StatusBadRequest, "present is required")
		return
	}
	snap, err := h.svc.Heartbeat(r.Context(), req.Slot, *req.Present)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleBayStatus handles GET /bays/status?slot=.
func (h *PresenceHandler) HandleBayStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.BayStatus(r.Context(), r.URL.Query().Get("slot"))
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
