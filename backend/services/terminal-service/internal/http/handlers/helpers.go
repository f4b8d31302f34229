package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/dispenser"
	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/service"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

const maxBodyBytes = 64 * 1024

// Response is the kiosk-facing envelope for every session operation.
type Response struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Order      *models.Session `json:"order,omitempty"`
	Credential string          `json:"credential,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

func outcomeResponse(out service.Outcome) Response {
	resp := Response{
		Success:    true,
		Message:    out.Message,
		Order:      out.Session,
		Credential: out.Credential,
	}
	if out.Ack != nil {
		resp.RequestID = out.Ack.RequestID
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Message: message})
}

// writeRejection maps an operation error to a status code and a reason an
// operator can act on.
func writeRejection(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, message := rejection(err)
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("request failed", zap.Error(err))
	case status > http.StatusInternalServerError:
		logger.Warn("upstream failure", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message)
}

func rejection(err error) (int, string) {
	var rejected *dispenser.RejectedError
	var transport *dispenser.TransportError
	switch {
	case errors.Is(err, dispenser.ErrNotConfigured):
		return http.StatusServiceUnavailable, "Dispenser not configured"
	case errors.Is(err, dispenser.ErrTimeout):
		return http.StatusGatewayTimeout, "Dispenser timed out"
	case errors.Is(err, dispenser.ErrUnreachable):
		return http.StatusBadGateway, "Dispenser unreachable"
	case errors.As(err, &rejected):
		return http.StatusBadGateway, fmt.Sprintf("Dispenser rejected preset (status %d)", rejected.StatusCode)
	case errors.As(err, &transport):
		return http.StatusBadGateway, "Dispenser transport error: " + transport.Err.Error()
	case errors.Is(err, service.ErrPinDelivery):
		return http.StatusBadGateway, "PIN delivery failed"
	}

	switch terminalerr.KindOf(err) {
	case terminalerr.KindValidation:
		return http.StatusBadRequest, terminalerr.Reason(err)
	case terminalerr.KindNotFound:
		return http.StatusNotFound, terminalerr.Reason(err)
	case terminalerr.KindConflict:
		return http.StatusConflict, terminalerr.Reason(err)
	case terminalerr.KindExpired:
		return http.StatusGone, terminalerr.Reason(err)
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return terminalerr.Validationf(err, "invalid json")
	}
	return nil
}
