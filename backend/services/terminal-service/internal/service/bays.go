package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/plate"
	"fuelterminal/backend/services/terminal-service/internal/presence"
	"fuelterminal/backend/services/terminal-service/internal/repository"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

// Mismatch reasons reported by BayStatus.
const (
	MismatchNoTruck   = "Loading session but no truck detected"
	MismatchNoSession = "Truck detected without a loading session"
)

// BayReport corroborates a bay's sensor reading with its active session.
type BayReport struct {
	Slot     string             `json:"slot"`
	Presence *presence.Snapshot `json:"presence,omitempty"`
	Occupied bool               `json:"occupied"`
	Session  *models.Session    `json:"session,omitempty"`
	Mismatch string             `json:"mismatch,omitempty"`
}

// BayStatus returns the presence view of slot next to the session holding it.
func (s *TerminalService) BayStatus(ctx context.Context, slot string) (BayReport, error) {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return BayReport{}, terminalerr.Validation("slot is required")
	}
	now := s.now()
	report := BayReport{Slot: slot}
	if snap, ok := s.detector.Snapshot(slot, now); ok {
		report.Presence = &snap
		report.Occupied = snap.Occupied
	}

	sess, err := s.sessionForBay(ctx, slot)
	if err != nil {
		return BayReport{}, err
	}
	report.Session = sess

	loading := sess != nil && sess.Status == models.StatusLoading
	switch {
	case loading && !report.Occupied:
		report.Mismatch = MismatchNoTruck
	case report.Occupied && !loading:
		report.Mismatch = MismatchNoSession
	}
	return report, nil
}

// sessionForBay asks the bay index first and falls back to today's session in the store.
func (s *TerminalService) sessionForBay(ctx context.Context, slot string) (*models.Session, error) {
	if s.bays != nil {
		binding, err := s.bays.OrderForBay(ctx, slot)
		if err != nil {
			s.logger.Warn("bay index lookup failed", zap.String("slot", slot), zap.Error(err))
		} else if binding != nil {
			sess, err := s.store.Get(ctx, binding.OrderID)
			switch {
			case err == nil && !sess.Status.Terminal() && sess.Fuel.Slot == slot:
				return sess, nil
			case err != nil && !errors.Is(err, repository.ErrSessionNotFound):
				return nil, err
			}
		}
	}

	sess, err := s.store.FindActiveByBay(ctx, slot, s.now())
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, nil
	}
	return sess, nil
}

// LookupByPlate resolves an OCR-read plate to today's live session.
func (s *TerminalService) LookupByPlate(ctx context.Context, read string) (*models.Session, error) {
	sessions, err := s.store.ListByDay(ctx, s.now())
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Session, len(sessions))
	candidates := make([]plate.Candidate, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		byID[sess.OrderID] = sess
		candidates = append(candidates, plate.Candidate{ID: sess.OrderID, Plate: sess.LicensePlate})
	}

	match, err := plate.Match(read, candidates)
	if err != nil {
		return nil, err
	}
	return byID[match.ID], nil
}
