package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/http/middleware"
	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/service"
)

// scanEnvelope is the optional wrapper kiosks use when they forward the raw QR text.
type scanEnvelope struct {
	Payload string `json:"payload"`
	Stage   string `json:"stage"`
}

// ScanHandler serves kiosk scans.
type ScanHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewScanHandler builds handler.
func NewScanHandler(svc *service.TerminalService, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{svc: svc, logger: logger}
}

// ForStage returns a handler for a route with an implicit stage.
func (h *ScanHandler) ForStage(stage models.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, stage)
	}
}

// HandleScan handles POST /scan where the stage comes from the body or the QR payload.
func (h *ScanHandler) HandleScan(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "")
}

func (h *ScanHandler) handle(w http.ResponseWriter, r *http.Request, stage models.Stage) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "scan payload is required")
		return
	}

	raw := string(body)
	var env scanEnvelope
	if json.Unmarshal(body, &env) == nil {
		if strings.TrimSpace(env.Payload) != "" {
			raw = env.Payload
		}
		if stage == "" && strings.TrimSpace(env.Stage) != "" {
			parsed, ok := models.ParseStage(env.Stage)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown stage")
				return
			}
			stage = parsed
		}
	}

	if kioskID, ok := middleware.KioskIDFromContext(r.Context()); ok {
		h.logger.Debug("kiosk scan", zap.String("kiosk_id", kioskID), zap.String("stage", string(stage)))
	}
	out, err := h.svc.Scan(r.Context(), stage, raw)
	if err != nil {
		writeRejection(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}
