package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fuelterminal/backend/services/terminal-service/internal/clients"
	"fuelterminal/backend/services/terminal-service/internal/credential"
	"fuelterminal/backend/services/terminal-service/internal/dispenser"
	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/presence"
	redisstore "fuelterminal/backend/services/terminal-service/internal/redis"
	"fuelterminal/backend/services/terminal-service/internal/repository"
	"fuelterminal/backend/services/terminal-service/internal/statemachine"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

// ReasonNoTruck is returned when a bay requires a detected truck and none is there.
const ReasonNoTruck = "No truck detected at bay"

// ErrPinDelivery wraps a notifier failure after the PIN was armed.
var ErrPinDelivery = errors.New("PIN delivery failed")

// PinNotifier delivers PINs to drivers out of band.
type PinNotifier interface {
	SendPin(ctx context.Context, n clients.PinNotification) error
}

// EventPublisher receives one event per committed transition.
type EventPublisher interface {
	Publish(ev models.SessionEvent)
}

// BayIndex caches which order currently holds a bay.
type BayIndex interface {
	Bind(ctx context.Context, binding redisstore.BayBinding) error
	OrderForBay(ctx context.Context, slot string) (*redisstore.BayBinding, error)
	Release(ctx context.Context, slot, orderID string) error
}

// Dispenser is the outbound controller client.
type Dispenser interface {
	Configured() bool
	SendPreset(ctx context.Context, sessionID string, liters float64) (*dispenser.Ack, error)
	Probe(ctx context.Context) error
}

// Options tunes the PIN protocol and bay corroboration.
type Options struct {
	PinLength       int
	PinTTL          time.Duration
	RequirePresence bool
}

// Dependencies are the collaborators of TerminalService. Only Store is
// required; nil optional collaborators disable their feature.
type Dependencies struct {
	Store     repository.SessionStore
	Detector  *presence.Detector
	Codec     *credential.Codec
	Hasher    *credential.PinHasher
	Dispenser Dispenser
	Notifier  PinNotifier
	Publisher EventPublisher
	Bays      BayIndex
	Logger    *zap.Logger
	Now       func() time.Time
}

// Outcome is the result of an accepted operation.
type Outcome struct {
	Message    string
	Session    *models.Session
	Changed    bool
	Credential string
	Ack        *dispenser.Ack
}

// TerminalService coordinates scans, PINs, presence and the dispenser around
// the session state machine. Every session mutation for one order runs under
// that order's lock.
type TerminalService struct {
	store     repository.SessionStore
	detector  *presence.Detector
	codec     *credential.Codec
	hasher    *credential.PinHasher
	dispenser Dispenser
	notifier  PinNotifier
	publisher EventPublisher
	bays      BayIndex
	logger    *zap.Logger
	now       func() time.Time
	opts      Options
	locks     *orderLocks
}

// NewTerminalService builds service.
func NewTerminalService(deps Dependencies, opts Options) (*TerminalService, error) {
	if deps.Store == nil {
		return nil, errors.New("service: session store is required")
	}
	if deps.Detector == nil {
		d, err := presence.NewDetector(presence.DefaultConfig())
		if err != nil {
			return nil, err
		}
		deps.Detector = d
	}
	if deps.Codec == nil {
		deps.Codec = credential.NewCodec()
	}
	if deps.Hasher == nil {
		deps.Hasher = credential.NewPinHasher(bcrypt.DefaultCost)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.PinLength <= 0 {
		opts.PinLength = credential.DefaultPinLength
	}
	if opts.PinTTL <= 0 {
		opts.PinTTL = 5 * time.Minute
	}
	return &TerminalService{
		store:     deps.Store,
		detector:  deps.Detector,
		codec:     deps.Codec,
		hasher:    deps.Hasher,
		dispenser: deps.Dispenser,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		bays:      deps.Bays,
		logger:    deps.Logger,
		now:       deps.Now,
		opts:      opts,
		locks:     newOrderLocks(),
	}, nil
}

// ScheduleInput describes a new delivery.
type ScheduleInput struct {
	OrderID       string    `json:"order_id"`
	DriverID      string    `json:"driver_id"`
	LicensePlate  string    `json:"license_plate"`
	Product       string    `json:"product"`
	PlannedVolume float64   `json:"planned_volume"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	Slot          string    `json:"slot"`
}

// Schedule creates a SCHEDULED session for an order.
func (s *TerminalService) Schedule(ctx context.Context, in ScheduleInput) (*models.Session, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.DriverID = strings.TrimSpace(in.DriverID)
	switch {
	case in.OrderID == "":
		return nil, terminalerr.Validation("order_id is required")
	case in.DriverID == "":
		return nil, terminalerr.Validation("driver_id is required")
	case in.PlannedVolume <= 0:
		return nil, terminalerr.Validation("planned_volume must be positive")
	}

	now := s.now().UTC()
	if in.ScheduledFor.IsZero() {
		in.ScheduledFor = now
	}
	session := &models.Session{
		OrderID:       in.OrderID,
		DriverID:      in.DriverID,
		LicensePlate:  strings.TrimSpace(in.LicensePlate),
		Product:       strings.TrimSpace(in.Product),
		PlannedVolume: in.PlannedVolume,
		ScheduledFor:  in.ScheduledFor.UTC(),
		Status:        models.StatusScheduled,
		Fuel:          models.FuelState{Slot: strings.TrimSpace(in.Slot)},
		Events:        []models.EventNote{{At: now, Text: "Session scheduled"}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	unlock := s.locks.Lock(in.OrderID)
	defer unlock()
	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrDuplicateSession) {
			return nil, terminalerr.Conflict(fmt.Sprintf("Session for order %s already exists", in.OrderID))
		}
		return nil, err
	}
	s.logger.Info("session scheduled", zap.String("order_id", session.OrderID), zap.String("driver_id", session.DriverID))
	s.publish(session, "Session scheduled")
	return session, nil
}

// Get returns the current session snapshot.
func (s *TerminalService) Get(ctx context.Context, orderID string) (*models.Session, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, terminalerr.Validation("order_id is required")
	}
	return s.load(ctx, orderID)
}

// Scan handles a kiosk scan. stage may be empty when the payload names it.
func (s *TerminalService) Scan(ctx context.Context, stage models.Stage, raw string) (Outcome, error) {
	payload, err := credential.Decode(raw)
	if err != nil {
		return Outcome{}, terminalerr.Validationf(err, "Invalid QR payload")
	}
	if stage == "" {
		stage = payload.Stage
	}
	kind, ok := statemachine.ScanEvent(stage)
	if !ok {
		return Outcome{}, terminalerr.Validation("stage is required")
	}

	logger := s.logger.With(zap.String("order_id", payload.OrderID), zap.String("stage", string(stage)))
	var out Outcome
	if kind == statemachine.EventFuelBay && s.dispenserConfigured() {
		out, err = s.fuelBayWithDispenser(ctx, payload.OrderID, payload.DriverID)
	} else {
		out, err = s.apply(ctx, payload.OrderID, func(cur *models.Session) (statemachine.Event, error) {
			if kind == statemachine.EventFuelBay {
				if err := s.checkBay(cur, payload.DriverID); err != nil {
					return statemachine.Event{}, err
				}
			}
			return statemachine.Event{Kind: kind, DriverID: payload.DriverID}, nil
		})
	}
	if err != nil {
		logger.Info("scan rejected", zap.String("reason", terminalerr.Reason(err)))
		return out, err
	}
	logger.Info("scan accepted", zap.String("status", string(out.Session.Status)), zap.Bool("changed", out.Changed))
	return out, nil
}

// RequestPin arms a new PIN for the order and hands it to the notifier.
func (s *TerminalService) RequestPin(ctx context.Context, orderID string) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Outcome{}, terminalerr.Validation("order_id is required")
	}
	pin, err := credential.GeneratePin(s.opts.PinLength)
	if err != nil {
		return Outcome{}, err
	}
	hash, err := s.hasher.Hash(pin)
	if err != nil {
		return Outcome{}, err
	}
	expiresAt := s.now().UTC().Add(s.opts.PinTTL)

	out, err := s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
		return statemachine.Event{Kind: statemachine.EventPinIssued, PinHash: hash, PinExpiresAt: expiresAt}, nil
	})
	if err != nil {
		return out, err
	}

	if s.notifier != nil {
		err := s.notifier.SendPin(ctx, clients.PinNotification{
			OrderID:   orderID,
			DriverID:  out.Session.DriverID,
			Pin:       pin,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			s.logger.Warn("pin delivery failed", zap.String("order_id", orderID), zap.Error(err))
			return out, fmt.Errorf("%w: %v", ErrPinDelivery, err)
		}
	}
	s.logger.Info("pin issued", zap.String("order_id", orderID), zap.Time("expires_at", expiresAt))
	return out, nil
}

// VerifyPin checks a candidate PIN against the armed one.
func (s *TerminalService) VerifyPin(ctx context.Context, orderID, candidate string) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	candidate = strings.TrimSpace(candidate)
	if orderID == "" {
		return Outcome{}, terminalerr.Validation("order_id is required")
	}
	out, err := s.apply(ctx, orderID, func(cur *models.Session) (statemachine.Event, error) {
		ev := statemachine.Event{Kind: statemachine.EventPinVerify}
		// An expired PIN reports expiry whatever was typed, malformed input included.
		if exp := cur.Fuel.PinExpiresAt; cur.Fuel.PinHash != "" && exp != nil && s.now().After(*exp) {
			return ev, nil
		}
		if !validPin(candidate, s.opts.PinLength) {
			return statemachine.Event{}, terminalerr.Validation(fmt.Sprintf("PIN must be %d digits", s.opts.PinLength))
		}
		ev.PinMatched = s.hasher.Matches(cur.Fuel.PinHash, candidate)
		return ev, nil
	})
	if err != nil {
		s.logger.Info("pin verification rejected", zap.String("order_id", orderID), zap.String("reason", terminalerr.Reason(err)))
	}
	return out, err
}

// IssueCredential encodes a QR credential carrying the session's current status.
func (s *TerminalService) IssueCredential(ctx context.Context, orderID string, stage models.Stage) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Outcome{}, terminalerr.Validation("order_id is required")
	}
	var encoded string
	out, err := s.apply(ctx, orderID, func(cur *models.Session) (statemachine.Event, error) {
		raw, payload, err := s.codec.Encode(cur.OrderID, cur.DriverID, stage, cur.Status)
		if err != nil {
			return statemachine.Event{}, err
		}
		encoded = raw
		return statemachine.Event{Kind: statemachine.EventCredentialIssued, Token: payload.Token, Stage: stage}, nil
	})
	if err != nil {
		return out, err
	}
	out.Credential = encoded
	return out, nil
}

// Heartbeat records a presence reading for slot.
func (s *TerminalService) Heartbeat(_ context.Context, slot string, present bool) (presence.Snapshot, error) {
	snap, err := s.detector.Heartbeat(slot, present, s.now())
	if err != nil {
		return presence.Snapshot{}, terminalerr.Validationf(err, "invalid heartbeat")
	}
	return snap, nil
}

// Hold puts a session on hold.
func (s *TerminalService) Hold(ctx context.Context, orderID, reason string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventHold, Reason: reason})
}

// Release returns a held session to the status it was held from.
func (s *TerminalService) Release(ctx context.Context, orderID string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventRelease})
}

// Cancel terminates a session as CANCELLED.
func (s *TerminalService) Cancel(ctx context.Context, orderID, reason string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventCancel, Reason: reason})
}

// Reject terminates a session as REJECTED.
func (s *TerminalService) Reject(ctx context.Context, orderID, reason string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventReject, Reason: reason})
}

// AssignBay queues a session at slot.
func (s *TerminalService) AssignBay(ctx context.Context, orderID, slot string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventAssignBay, Slot: slot})
}

// StopLoading finishes a LOADING session.
func (s *TerminalService) StopLoading(ctx context.Context, orderID string) (Outcome, error) {
	return s.admin(ctx, orderID, statemachine.Event{Kind: statemachine.EventStopLoading})
}

func (s *TerminalService) admin(ctx context.Context, orderID string, ev statemachine.Event) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Outcome{}, terminalerr.Validation("order_id is required")
	}
	out, err := s.apply(ctx, orderID, func(*models.Session) (statemachine.Event, error) {
		return ev, nil
	})
	if err != nil {
		s.logger.Info("override rejected", zap.String("order_id", orderID), zap.String("event", string(ev.Kind)), zap.String("reason", terminalerr.Reason(err)))
		return out, err
	}
	s.logger.Info("override applied", zap.String("order_id", orderID), zap.String("event", string(ev.Kind)), zap.String("status", string(out.Session.Status)))
	return out, nil
}

// apply runs one locked read-transition-write cycle. build sees the current
// session and returns the event to apply.
func (s *TerminalService) apply(ctx context.Context, orderID string, build func(*models.Session) (statemachine.Event, error)) (Outcome, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	current, err := s.load(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	ev, err := build(current)
	if err != nil {
		return Outcome{}, err
	}
	decision, err := statemachine.Transition(current, ev, s.now())
	if err != nil {
		return Outcome{}, err
	}
	if decision.Changed {
		if err := s.store.Update(ctx, decision.Session); err != nil {
			return Outcome{}, fmt.Errorf("persist session %s: %w", orderID, err)
		}
	}
	s.afterCommit(ctx, decision)
	return Outcome{Message: decision.Message, Session: decision.Session, Changed: decision.Changed}, nil
}

func (s *TerminalService) afterCommit(ctx context.Context, d statemachine.Decision) {
	sess := d.Session
	if s.bays != nil {
		if d.Has(statemachine.EffectReleaseBay) && d.ReleasedSlot != "" {
			if err := s.bays.Release(ctx, d.ReleasedSlot, sess.OrderID); err != nil {
				s.logger.Warn("failed to release bay binding", zap.String("slot", d.ReleasedSlot), zap.String("order_id", sess.OrderID), zap.Error(err))
			}
		}
		if d.Has(statemachine.EffectBindBay) && sess.Fuel.Slot != "" {
			err := s.bays.Bind(ctx, redisstore.BayBinding{
				Slot:     sess.Fuel.Slot,
				OrderID:  sess.OrderID,
				DriverID: sess.DriverID,
				BoundAt:  sess.UpdatedAt,
			})
			if err != nil {
				s.logger.Warn("failed to bind bay", zap.String("slot", sess.Fuel.Slot), zap.String("order_id", sess.OrderID), zap.Error(err))
			}
		}
	}
	if d.Has(statemachine.EffectArchive) {
		s.logger.Info("session archived", zap.String("order_id", sess.OrderID), zap.String("status", string(sess.Status)))
	}
	if d.Changed {
		s.publish(sess, d.Message)
	}
}

func (s *TerminalService) publish(sess *models.Session, note string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(models.SessionEvent{
		OrderID: sess.OrderID,
		Status:  sess.Status,
		Slot:    sess.Fuel.Slot,
		Note:    note,
		At:      sess.UpdatedAt,
	})
}

func (s *TerminalService) load(ctx context.Context, orderID string) (*models.Session, error) {
	sess, err := s.store.Get(ctx, orderID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, terminalerr.NotFound("Unregistered order")
	}
	return sess, err
}

// checkBay enforces terminal.requirePresence for sessions about to load. The
// driver check stays with the state machine so a mismatch is reported first.
func (s *TerminalService) checkBay(cur *models.Session, driverID string) error {
	if !s.opts.RequirePresence || cur.DriverID != strings.TrimSpace(driverID) {
		return nil
	}
	switch cur.Status {
	case models.StatusScheduled, models.StatusGateIn, models.StatusQueued:
	default:
		return nil
	}
	if cur.Fuel.Slot == "" || !s.detector.Occupied(cur.Fuel.Slot, s.now()) {
		return terminalerr.Conflict(ReasonNoTruck)
	}
	return nil
}

func validPin(pin string, length int) bool {
	if len(pin) != length {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
