package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/dispenser"
	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/statemachine"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

// Dispense pushes the planned volume to the dispenser controller and moves the
// session to LOADING once the controller acknowledges. driverID is optional for
// operator-initiated dispatches.
func (s *TerminalService) Dispense(ctx context.Context, orderID, driverID string) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Outcome{}, terminalerr.Validation("order_id is required")
	}
	if !s.dispenserConfigured() {
		return Outcome{}, dispenser.ErrNotConfigured
	}
	return s.dispatch(ctx, orderID, driverID)
}

// Probe checks dispenser controller connectivity.
func (s *TerminalService) Probe(ctx context.Context) error {
	if !s.dispenserConfigured() {
		return dispenser.ErrNotConfigured
	}
	return s.dispenser.Probe(ctx)
}

func (s *TerminalService) dispenserConfigured() bool {
	return s.dispenser != nil && s.dispenser.Configured()
}

// fuelBayWithDispenser is the fuel-bay scan when a controller is configured. A
// session already LOADING takes the plain scan path so a re-scan never dispatches twice.
func (s *TerminalService) fuelBayWithDispenser(ctx context.Context, orderID, driverID string) (Outcome, error) {
	cur, err := s.load(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if cur.Status == models.StatusLoading {
		return s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
			return statemachine.Event{Kind: statemachine.EventFuelBay, DriverID: driverID}, nil
		})
	}
	return s.dispatch(ctx, orderID, driverID)
}

// dispatch holds the order lock only to record the start and the outcome; the
// controller call itself runs unlocked.
func (s *TerminalService) dispatch(ctx context.Context, orderID, driverID string) (Outcome, error) {
	// The controller may accept a preset even if the kiosk hangs up, so the
	// only cancellation is the gateway timeout.
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("order_id", orderID))

	started, err := s.apply(ctx, orderID, func(cur *models.Session) (statemachine.Event, error) {
		if err := s.checkBay(cur, driverID); err != nil {
			return statemachine.Event{}, err
		}
		if cur.PlannedVolume <= 0 {
			return statemachine.Event{}, terminalerr.Validation("planned_volume must be positive to dispatch")
		}
		return statemachine.Event{Kind: statemachine.EventDispatchStarted, DriverID: driverID}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	ack, sendErr := s.dispenser.SendPreset(ctx, orderID, started.Session.PlannedVolume)
	if sendErr != nil {
		logger.Warn("dispenser preset failed", zap.Error(sendErr))
		s.dispatchFailed(ctx, orderID, sendErr.Error())
		return Outcome{}, sendErr
	}

	out, err := s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
		return statemachine.Event{Kind: statemachine.EventDispatchAccepted}, nil
	})
	if err != nil {
		// The session moved (cancelled, held) while the preset was in flight.
		logger.Error("dispenser accepted preset for a session that can no longer load",
			zap.String("request_id", ack.RequestID),
			zap.String("reason", terminalerr.Reason(err)),
		)
		s.dispatchOrphaned(ctx, orderID, terminalerr.Reason(err))
		return Outcome{}, err
	}
	out.Ack = ack
	logger.Info("fuel loading started", zap.String("request_id", ack.RequestID), zap.String("slot", out.Session.Fuel.Slot))
	return out, nil
}

func (s *TerminalService) dispatchFailed(ctx context.Context, orderID, reason string) {
	_, err := s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
		return statemachine.Event{Kind: statemachine.EventDispatchFailed, Reason: reason}, nil
	})
	if err != nil {
		// The mark expires after statemachine.DispatchStaleAfter.
		s.logger.Error("failed to clear dispatch mark", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *TerminalService) dispatchOrphaned(ctx context.Context, orderID, reason string) {
	_, err := s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
		return statemachine.Event{Kind: statemachine.EventDispatchOrphaned, Reason: reason}, nil
	})
	if err != nil {
		s.logger.Error("failed to record late dispenser acknowledgment", zap.String("order_id", orderID), zap.Error(err))
	}
}
