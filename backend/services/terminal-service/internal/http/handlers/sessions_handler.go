package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/service"
)

type credentialRequest struct {
	OrderID string `json:"order_id"`
	Stage   string `json:"stage"`
}

// SessionsHandler serves scheduling and session lookups.
type SessionsHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewSessionsHandler builds handler.
func NewSessionsHandler(svc *service.TerminalService, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{svc: svc, logger: logger}
}

// HandleSchedule handles POST /sessions.
func (h *SessionsHandler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleInput
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	session, err := h.svc.Schedule(r.Context(), req)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "Session scheduled", Order: session})
}

// HandleGet handles GET /sessions/get?order_id=.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Get(r.Context(), r.URL.Query().Get("order_id"))
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: string(session.Status), Order: session})
}

// HandleByPlate handles GET /sessions/by-plate?plate=.
func (h *SessionsHandler) HandleByPlate(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.LookupByPlate(r.Context(), r.URL.Query().Get("plate"))
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Plate matched " + session.OrderID, Order: session})
}

// HandleCredential handles POST /sessions/credential.
func (h *SessionsHandler) HandleCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	var stage models.Stage
	if strings.TrimSpace(req.Stage) != "" {
		parsed, ok := models.ParseStage(req.Stage)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown stage")
			return
		}
		stage = parsed
	}
	out, err := h.svc.IssueCredential(r.Context(), req.OrderID, stage)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}
