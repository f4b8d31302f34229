package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/service"
)

type pinRequest struct {
	OrderID string `json:"order_id"`
	Pin     string `json:"pin"`
}

// PinHandler serves the PIN sub-protocol.
type PinHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewPinHandler builds handler.
func NewPinHandler(svc *service.TerminalService, logger *zap.Logger) *PinHandler {
	return &PinHandler{svc: svc, logger: logger}
}

// HandleRequest handles POST /pin/request.
func (h *PinHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	out, err := h.svc.RequestPin(r.Context(), req.OrderID)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// HandleVerify handles POST /pin/verify.
func (h *PinHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	out, err := h.svc.VerifyPin(r.Context(), req.OrderID, req.Pin)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}
