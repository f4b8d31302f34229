package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/service"
)

type adminRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Slot    string `json:"slot"`
}

// AdminHandler serves operator overrides.
type AdminHandler struct {
	svc    *service.TerminalService
	logger *zap.Logger
}

// NewAdminHandler builds handler.
func NewAdminHandler(svc *service.TerminalService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, logger: logger}
}

type override func(ctx context.Context, req adminRequest) (service.Outcome, error)

func (h *AdminHandler) serve(op override) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adminRequest
		if err := decodeBody(r, &req); err != nil {
			writeRejection(w, h.logger, err)
			return
		}
		out, err := op(r.Context(), req)
		if err != nil {
			writeRejection(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse(out))
	}
}

// Hold handles POST /admin/hold.
func (h *AdminHandler) Hold() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.Hold(ctx, req.OrderID, req.Reason)
	})
}

// Release handles POST /admin/release.
func (h *AdminHandler) Release() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.Release(ctx, req.OrderID)
	})
}

// Cancel handles POST /admin/cancel.
func (h *AdminHandler) Cancel() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.Cancel(ctx, req.OrderID, req.Reason)
	})
}

// Reject handles POST /admin/reject.
func (h *AdminHandler) Reject() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.Reject(ctx, req.OrderID, req.Reason)
	})
}

// AssignBay handles POST /admin/assign-bay.
func (h *AdminHandler) AssignBay() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.AssignBay(ctx, req.OrderID, req.Slot)
	})
}

// StopLoading handles POST /admin/stop-loading.
func (h *AdminHandler) StopLoading() http.HandlerFunc {
	return h.serve(func(ctx context.Context, req adminRequest) (service.Outcome, error) {
		return h.svc.StopLoading(ctx, req.OrderID)
	})
}
