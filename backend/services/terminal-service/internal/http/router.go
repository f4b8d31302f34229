package httpserver

import (
	"net/http"

	"fuelterminal/backend/services/terminal-service/internal/http/handlers"
	"fuelterminal/backend/services/terminal-service/internal/http/middleware"
	"fuelterminal/backend/services/terminal-service/internal/models"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Scan          *handlers.ScanHandler
	Pin           *handlers.PinHandler
	Dispense      *handlers.DispenseHandler
	Presence      *handlers.PresenceHandler
	Sessions      *handlers.SessionsHandler
	Admin         *handlers.AdminHandler
	EventsFeed    http.HandlerFunc
	HealthHandler http.HandlerFunc
}

// NewRouter wires HTTP routes. A nil kioskAuth leaves the kiosk routes open.
func NewRouter(deps RouterDeps, kioskAuth func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(http.MethodGet, deps.HealthHandler))
	if deps.EventsFeed != nil {
		mux.Handle("/ws/events", method(http.MethodGet, deps.EventsFeed))
	}

	kiosk := func(expected string, handler http.HandlerFunc) http.Handler {
		return method(expected, middleware.Chain(handler, kioskAuth))
	}

	mux.Handle("/sessions", kiosk(http.MethodPost, deps.Sessions.HandleSchedule))
	mux.Handle("/sessions/get", kiosk(http.MethodGet, deps.Sessions.HandleGet))
	mux.Handle("/sessions/by-plate", kiosk(http.MethodGet, deps.Sessions.HandleByPlate))
	mux.Handle("/sessions/credential", kiosk(http.MethodPost, deps.Sessions.HandleCredential))

	mux.Handle("/scan", kiosk(http.MethodPost, deps.Scan.HandleScan))
	mux.Handle("/scan/gate-entry", kiosk(http.MethodPost, deps.Scan.ForStage(models.StageGateEntry)))
	mux.Handle("/scan/fuel-bay", kiosk(http.MethodPost, deps.Scan.ForStage(models.StageFuelBay)))
	mux.Handle("/scan/gate-exit", kiosk(http.MethodPost, deps.Scan.ForStage(models.StageGateExit)))

	mux.Handle("/pin/request", kiosk(http.MethodPost, deps.Pin.HandleRequest))
	mux.Handle("/pin/verify", kiosk(http.MethodPost, deps.Pin.HandleVerify))

	mux.Handle("/dispense", kiosk(http.MethodPost, deps.Dispense.HandleDispense))
	mux.Handle("/dispenser/health", kiosk(http.MethodGet, deps.Dispense.HandleHealth))

	mux.Handle("/presence/heartbeat", kiosk(http.MethodPost, deps.Presence.HandleHeartbeat))
	mux.Handle("/bays/status", kiosk(http.MethodGet, deps.Presence.HandleBayStatus))

	mux.Handle("/admin/hold", kiosk(http.MethodPost, deps.Admin.Hold()))
	mux.Handle("/admin/release", kiosk(http.MethodPost, deps.Admin.Release()))
	mux.Handle("/admin/cancel", kiosk(http.MethodPost, deps.Admin.Cancel()))
	mux.Handle("/admin/reject", kiosk(http.MethodPost, deps.Admin.Reject()))
	mux.Handle("/admin/assign-bay", kiosk(http.MethodPost, deps.Admin.AssignBay()))
	mux.Handle("/admin/stop-loading", kiosk(http.MethodPost, deps.Admin.StopLoading()))

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
