// Package statemachine holds the single transition function for delivery
// sessions. It is pure: it never performs I/O and never mutates its input.
package statemachine

import (
	"fmt"
	"strings"
	"time"

	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

// EventKind enumerates everything that can move a session.
type EventKind string

const (
	EventGateEntry        EventKind = "gate-entry"
	EventGateExit         EventKind = "gate-exit"
	EventFuelBay          EventKind = "fuel-bay"
	EventAssignBay        EventKind = "assign-bay"
	EventStopLoading      EventKind = "stop-loading"
	EventPinIssued        EventKind = "pin-issued"
	EventPinVerify        EventKind = "pin-verify"
	EventCredentialIssued EventKind = "credential-issued"
	EventDispatchStarted  EventKind = "dispatch-started"
	EventDispatchAccepted EventKind = "dispatch-accepted"
	EventDispatchFailed   EventKind = "dispatch-failed"
	EventDispatchOrphaned EventKind = "dispatch-orphaned"
	EventHold             EventKind = "hold"
	EventRelease          EventKind = "release"
	EventCancel           EventKind = "cancel"
	EventReject           EventKind = "reject"
)

// ScanEvent maps a checkpoint stage to its event kind.
func ScanEvent(stage models.Stage) (EventKind, bool) {
	switch stage {
	case models.StageGateEntry:
		return EventGateEntry, true
	case models.StageGateExit:
		return EventGateExit, true
	case models.StageFuelBay:
		return EventFuelBay, true
	default:
		return "", false
	}
}

// Event is one input to Transition. Only the fields relevant to Kind are read.
type Event struct {
	Kind     EventKind
	DriverID string
	Slot     string
	Reason   string

	PinHash      string
	PinExpiresAt time.Time
	PinMatched   bool

	Token string
	Stage models.Stage
}

// Effect is a side effect the caller must carry out after persisting the decision.
type Effect string

const (
	EffectOpenGate   Effect = "open-gate"
	EffectBindBay    Effect = "bind-bay"
	EffectReleaseBay Effect = "release-bay"
	EffectArchive    Effect = "archive"
	EffectSendPin    Effect = "send-pin"
	EffectDispense   Effect = "dispense"
)

// Decision is the outcome of an accepted event.
type Decision struct {
	Session *models.Session
	Changed bool
	Message string
	Effects []Effect
	// ReleasedSlot is the bay the session left, when EffectReleaseBay is set.
	ReleasedSlot string
}

// Has reports whether the decision carries effect e.
func (d Decision) Has(e Effect) bool {
	for _, eff := range d.Effects {
		if eff == e {
			return true
		}
	}
	return false
}

// DispatchStaleAfter bounds how long a dispatch mark blocks the session. A mark
// older than this is left over from a crashed or failed write and is dropped by
// the next transition. Dispenser preset timeouts must stay below it.
const DispatchStaleAfter = 2 * time.Minute

// Rejection reasons shown verbatim on kiosk and operator screens.
const (
	ReasonDriverMismatch     = "Driver mismatch"
	ReasonFinished           = "Session already finished"
	ReasonOnHold             = "Session is on hold"
	ReasonPinNotVerified     = "Fuel PIN not verified yet"
	ReasonPinNotRequested    = "Fuel PIN not requested"
	ReasonPinExpired         = "Fuel PIN expired"
	ReasonPinMismatch        = "Fuel PIN mismatch"
	ReasonDispatchInProgress = "Dispenser dispatch already in progress"
	ReasonNoDispatch         = "No dispenser dispatch in progress"
	ReasonLoadingInProgress  = "Fuel loading already in progress"
	ReasonNotLoading         = "Fuel loading is not in progress"
	ReasonNotOnHold          = "Session is not on hold"
	ReasonNotEntered         = "Truck has not entered the gate"
)

type step struct {
	session  *models.Session
	event    Event
	now      time.Time
	message  string
	changed  bool
	effects  []Effect
	released string
	// notes are audit lines recorded ahead of message.
	notes []string
}

type rule struct {
	scan          bool
	allowTerminal bool
	allowOnHold   bool
	apply         func(*step) error
}

var rules = map[EventKind]rule{
	EventGateEntry:        {scan: true, apply: gateEntry},
	EventGateExit:         {scan: true, apply: gateExit},
	EventFuelBay:          {scan: true, apply: fuelBay},
	EventAssignBay:        {apply: assignBay},
	EventStopLoading:      {apply: stopLoading},
	EventPinIssued:        {apply: pinIssued},
	EventPinVerify:        {apply: pinVerify},
	EventCredentialIssued: {apply: credentialIssued},
	EventDispatchStarted:  {apply: dispatchStarted},
	EventDispatchAccepted: {apply: dispatchAccepted},
	EventDispatchFailed:   {allowTerminal: true, allowOnHold: true, apply: dispatchFailed},
	EventDispatchOrphaned: {allowTerminal: true, allowOnHold: true, apply: dispatchOrphaned},
	EventHold:             {apply: hold},
	EventRelease:          {allowOnHold: true, apply: release},
	EventCancel:           {allowOnHold: true, apply: terminate(models.StatusCancelled, "Session cancelled")},
	EventReject:           {allowOnHold: true, apply: terminate(models.StatusRejected, "Session rejected")},
}

// Transition applies ev to current and returns the resulting decision. The input
// session is never modified; on error no state change happened.
func Transition(current *models.Session, ev Event, now time.Time) (Decision, error) {
	if current == nil {
		return Decision{}, terminalerr.NotFound("Unregistered order")
	}
	r, ok := rules[ev.Kind]
	if !ok {
		return Decision{}, terminalerr.Validation(fmt.Sprintf("unknown event %q", ev.Kind))
	}

	// The driver check runs before anything else so a copied QR code learns
	// nothing about the state of another truck's session.
	if r.scan || ev.DriverID != "" {
		if strings.TrimSpace(ev.DriverID) != current.DriverID {
			return Decision{}, terminalerr.Conflict(ReasonDriverMismatch)
		}
	}
	if current.Status.Terminal() && !r.allowTerminal {
		return Decision{}, terminalerr.Conflict(ReasonFinished)
	}
	if current.Status == models.StatusOnHold && !r.allowOnHold {
		return Decision{}, terminalerr.Conflict(ReasonOnHold)
	}

	st := &step{session: current.Clone(), event: ev, now: now.UTC()}
	if !dispatchOutcome(ev.Kind) {
		st.dropStaleDispatch()
	}
	if err := r.apply(st); err != nil {
		return Decision{}, err
	}

	changed := st.changed || len(st.notes) > 0
	if changed {
		st.session.UpdatedAt = st.now
		for _, note := range st.notes {
			st.session.Events = append(st.session.Events, models.EventNote{At: st.now, Text: note})
		}
	}
	if st.changed {
		st.session.Events = append(st.session.Events, models.EventNote{At: st.now, Text: st.message})
		if st.session.Status.Terminal() && st.session.ArchivedAt == nil {
			st.session.ArchivedAt = models.TimePtr(st.now)
			st.effects = append(st.effects, EffectArchive)
		}
	}
	return Decision{
		Session:      st.session,
		Changed:      changed,
		Message:      st.message,
		Effects:      st.effects,
		ReleasedSlot: st.released,
	}, nil
}

func (s *step) accept(message string, effects ...Effect) {
	s.message = message
	s.changed = true
	s.effects = append(s.effects, effects...)
}

func (s *step) noop(message string, effects ...Effect) {
	s.message = message
	s.effects = append(s.effects, effects...)
}

func (s *step) note(text string) {
	s.notes = append(s.notes, text)
}

func (s *step) clearDispatch() {
	s.session.Fuel.DispatchInProgress = false
	s.session.Fuel.DispatchStartedAt = nil
}

// dispatchOutcome reports events that close the in-flight dispatch themselves.
func dispatchOutcome(kind EventKind) bool {
	switch kind {
	case EventDispatchAccepted, EventDispatchFailed, EventDispatchOrphaned:
		return true
	default:
		return false
	}
}

func (s *step) dropStaleDispatch() {
	fuel := &s.session.Fuel
	if !fuel.DispatchInProgress {
		return
	}
	if fuel.DispatchStartedAt != nil && s.now.Sub(*fuel.DispatchStartedAt) <= DispatchStaleAfter {
		return
	}
	s.clearDispatch()
	s.note("Stale dispenser dispatch cleared")
}

func (s *step) releaseBay() {
	if s.session.Fuel.Slot != "" {
		s.released = s.session.Fuel.Slot
		s.effects = append(s.effects, EffectReleaseBay)
	}
}

func gateEntry(s *step) error {
	if s.session.Gate.EntryAt != nil {
		s.noop("Gate entry already approved", EffectOpenGate)
		return nil
	}
	s.session.Gate.EntryAt = models.TimePtr(s.now)
	if s.session.Status == models.StatusScheduled {
		s.session.Status = models.StatusGateIn
	}
	s.accept("Gate entry approved", EffectOpenGate)
	return nil
}

// gateExit always finishes the session; a truck leaving the terminal abandons
// any dispatch still marked on it.
func gateExit(s *step) error {
	if s.session.Fuel.DispatchInProgress {
		s.clearDispatch()
		s.note("Dispenser dispatch abandoned at gate exit")
	}
	if s.session.Gate.ExitAt == nil {
		s.session.Gate.ExitAt = models.TimePtr(s.now)
	}
	if s.session.Fuel.FinishedAt == nil {
		s.session.Fuel.FinishedAt = models.TimePtr(s.now)
	}
	s.session.Status = models.StatusFinished
	s.releaseBay()
	s.accept("Gate exit approved", EffectOpenGate)
	return nil
}

// checkLoadable holds the preconditions shared by a fuel-bay scan and a dispenser dispatch.
func checkLoadable(sess *models.Session) error {
	switch sess.Status {
	case models.StatusScheduled, models.StatusGateIn, models.StatusQueued:
	case models.StatusLoading:
		return terminalerr.Conflict(ReasonLoadingInProgress)
	default:
		return terminalerr.Conflict(fmt.Sprintf("Fuel loading not allowed while %s", sess.Status))
	}
	if sess.Fuel.DispatchInProgress {
		return terminalerr.Conflict(ReasonDispatchInProgress)
	}
	if !sess.Fuel.PinVerified {
		return terminalerr.Conflict(ReasonPinNotVerified)
	}
	return nil
}

func startLoading(s *step) {
	s.session.Status = models.StatusLoading
	if s.session.Fuel.StartedAt == nil {
		s.session.Fuel.StartedAt = models.TimePtr(s.now)
	}
	// Reaching LOADING consumes the PIN; pinVerified stays true as the record
	// that loading was authorized.
	s.session.Fuel.PinHash = ""
	s.session.Fuel.PinExpiresAt = nil
}

func fuelBay(s *step) error {
	if s.session.Status == models.StatusLoading {
		s.noop(ReasonLoadingInProgress)
		return nil
	}
	if err := checkLoadable(s.session); err != nil {
		return err
	}
	startLoading(s)
	s.accept("Fuel loading authorized", EffectBindBay)
	return nil
}

func dispatchStarted(s *step) error {
	if err := checkLoadable(s.session); err != nil {
		return err
	}
	s.session.Fuel.DispatchInProgress = true
	s.session.Fuel.DispatchStartedAt = models.TimePtr(s.now)
	s.accept("Dispenser preset requested", EffectDispense)
	return nil
}

func dispatchAccepted(s *step) error {
	if !s.session.Fuel.DispatchInProgress {
		return terminalerr.Conflict(ReasonNoDispatch)
	}
	s.clearDispatch()
	if err := checkLoadable(s.session); err != nil {
		return err
	}
	startLoading(s)
	s.accept("Dispenser preset accepted, fuel loading authorized", EffectBindBay)
	return nil
}

func dispatchFailed(s *step) error {
	if !s.session.Fuel.DispatchInProgress {
		s.noop(ReasonNoDispatch)
		return nil
	}
	s.clearDispatch()
	reason := strings.TrimSpace(s.event.Reason)
	if reason == "" {
		reason = "unknown error"
	}
	s.accept("Dispenser preset failed: " + reason)
	return nil
}

// dispatchOrphaned records a controller acknowledgment that arrived after the
// session moved on. Status is left alone; fuel may already be flowing, so the
// operator needs the line on the audit trail.
func dispatchOrphaned(s *step) error {
	s.clearDispatch()
	s.accept(withReason("Dispenser accepted preset after session changed", s.event.Reason))
	return nil
}

// assignBay moves a session into the bay queue. A session bumped out of LOADING
// loses its PIN verification and must request a new PIN; re-queueing before
// loading keeps it.
func assignBay(s *step) error {
	slot := strings.TrimSpace(s.event.Slot)
	if slot == "" {
		return terminalerr.Validation("bay slot is required")
	}
	if s.session.Fuel.DispatchInProgress {
		return terminalerr.Conflict(ReasonDispatchInProgress)
	}
	switch s.session.Status {
	case models.StatusGateIn, models.StatusQueued:
	case models.StatusLoading:
		s.session.Fuel.PinVerified = false
	case models.StatusScheduled:
		return terminalerr.Conflict(ReasonNotEntered)
	default:
		return terminalerr.Conflict(fmt.Sprintf("Bay assignment not allowed while %s", s.session.Status))
	}
	if prev := s.session.Fuel.Slot; prev != "" && prev != slot {
		s.releaseBay()
	}
	s.session.Fuel.Slot = slot
	s.session.Status = models.StatusQueued
	s.accept("Assigned to bay " + slot)
	return nil
}

func stopLoading(s *step) error {
	if s.session.Status != models.StatusLoading {
		return terminalerr.Conflict(ReasonNotLoading)
	}
	s.session.Fuel.FinishedAt = models.TimePtr(s.now)
	if s.session.Gate.ExitAt == nil {
		s.session.Gate.ExitAt = models.TimePtr(s.now)
	}
	s.session.Status = models.StatusFinished
	s.releaseBay()
	s.accept("Fuel loading stopped")
	return nil
}

func pinIssued(s *step) error {
	if s.session.Status == models.StatusLoading {
		return terminalerr.Conflict(ReasonLoadingInProgress)
	}
	if s.event.PinHash == "" || s.event.PinExpiresAt.IsZero() {
		return terminalerr.Validation("pin hash and expiry are required")
	}
	s.session.Fuel.PinHash = s.event.PinHash
	s.session.Fuel.PinExpiresAt = models.TimePtr(s.event.PinExpiresAt)
	s.session.Fuel.PinVerified = false
	s.accept("Fuel PIN issued", EffectSendPin)
	return nil
}

func pinVerify(s *step) error {
	fuel := &s.session.Fuel
	if fuel.PinHash == "" || fuel.PinExpiresAt == nil {
		return terminalerr.Conflict(ReasonPinNotRequested)
	}
	if s.now.After(*fuel.PinExpiresAt) {
		return terminalerr.Expired(ReasonPinExpired)
	}
	if !s.event.PinMatched {
		return terminalerr.Conflict(ReasonPinMismatch)
	}
	if fuel.PinVerified {
		s.noop("Fuel PIN already verified")
		return nil
	}
	fuel.PinVerified = true
	s.accept("Fuel PIN verified")
	return nil
}

func credentialIssued(s *step) error {
	if s.event.Token == "" {
		return terminalerr.Validation("credential token is required")
	}
	s.session.Credential = models.CredentialState{
		Token:    s.event.Token,
		IssuedAt: models.TimePtr(s.now),
		Stage:    s.event.Stage,
	}
	label := string(s.event.Stage)
	if label == "" {
		label = "any stage"
	}
	s.accept("QR credential issued for " + label)
	return nil
}

func hold(s *step) error {
	s.session.HeldFrom = s.session.Status
	s.session.Status = models.StatusOnHold
	s.accept(withReason("Session put on hold", s.event.Reason))
	return nil
}

func release(s *step) error {
	if s.session.Status != models.StatusOnHold {
		return terminalerr.Conflict(ReasonNotOnHold)
	}
	back := s.session.HeldFrom
	if back == "" || !back.Valid() || back.Terminal() || back == models.StatusOnHold {
		back = models.StatusScheduled
	}
	s.session.Status = back
	s.session.HeldFrom = ""
	s.accept("Session released from hold")
	return nil
}

func terminate(target models.Status, message string) func(*step) error {
	return func(s *step) error {
		s.session.Status = target
		s.session.HeldFrom = ""
		s.clearDispatch()
		s.releaseBay()
		s.accept(withReason(message, s.event.Reason))
		return nil
	}
}

func withReason(message, reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return message + ": " + reason
	}
	return message
}
