package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/service"
)

type dispenseRequest struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id"`
}

// DispenseHandler serves dispenser commands.
type DispenseHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewDispenseHandler builds handler.
func NewDispenseHandler(svc *service.TerminalService, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{svc: svc, logger: logger}
}

// HandleDispense handles POST /dispense.
func (h *DispenseHandler) HandleDispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	out, err := h.svc.Dispense(r.Context(), req.OrderID, req.DriverID)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// HandleHealth handles GET /dispenser/health.
func (h *DispenseHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Probe(r.Context()); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
