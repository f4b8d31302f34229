package models

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a delivery session.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusGateIn    Status = "GATE_IN"
	StatusQueued    Status = "QUEUED"
	StatusLoading   Status = "LOADING"
	StatusGateOut   Status = "GATE_OUT"
	StatusFinished  Status = "FINISHED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusOnHold    Status = "ON_HOLD"
)

var allStatuses = []Status{
	StatusScheduled, StatusGateIn, StatusQueued, StatusLoading, StatusGateOut,
	StatusFinished, StatusCancelled, StatusRejected, StatusOnHold,
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Stage is the checkpoint a scan claims to represent.
type Stage string

const (
	StageGateEntry Stage = "gate-entry"
	StageGateExit  Stage = "gate-exit"
	StageFuelBay   Stage = "fuel-bay"
)

// ParseStage normalizes user input ("GATE_ENTRY", "gate-entry", "fuel bay").
func ParseStage(raw string) (Stage, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch Stage(norm) {
	case StageGateEntry, StageGateExit, StageFuelBay:
		return Stage(norm), true
	default:
		return "", false
	}
}

// GateTimes holds gate checkpoint timestamps.
type GateTimes struct {
	EntryAt *time.Time `json:"entry_at,omitempty"`
	ExitAt  *time.Time `json:"exit_at,omitempty"`
}

// FuelState tracks bay assignment, PIN authorization and loading timestamps.
// The PIN itself is kept only as a bcrypt hash.
type FuelState struct {
	Slot               string     `json:"slot,omitempty"`
	PinHash            string     `json:"-"`
	PinExpiresAt       *time.Time `json:"pin_expires_at,omitempty"`
	PinVerified        bool       `json:"pin_verified"`
	DispatchInProgress bool       `json:"dispatch_in_progress"`
	DispatchStartedAt  *time.Time `json:"dispatch_started_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// CredentialState records the last QR token issued for the session.
type CredentialState struct {
	Token    string     `json:"-"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
	Stage    Stage      `json:"stage,omitempty"`
}

// EventNote is one audit line shown on operator screens.
type EventNote struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Session is one truck's journey through the terminal for one order.
type Session struct {
	OrderID       string          `json:"order_id"`
	DriverID      string          `json:"driver_id"`
	LicensePlate  string          `json:"license_plate"`
	Product       string          `json:"product"`
	PlannedVolume float64         `json:"planned_volume"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	Status        Status          `json:"status"`
	HeldFrom      Status          `json:"held_from,omitempty"`
	Gate          GateTimes       `json:"gate"`
	Fuel          FuelState       `json:"fuel"`
	Credential    CredentialState `json:"credential"`
	Events        []EventNote     `json:"events"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ArchivedAt    *time.Time      `json:"archived_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Gate.EntryAt = cloneTime(s.Gate.EntryAt)
	out.Gate.ExitAt = cloneTime(s.Gate.ExitAt)
	out.Fuel.PinExpiresAt = cloneTime(s.Fuel.PinExpiresAt)
	out.Fuel.DispatchStartedAt = cloneTime(s.Fuel.DispatchStartedAt)
	out.Fuel.StartedAt = cloneTime(s.Fuel.StartedAt)
	out.Fuel.FinishedAt = cloneTime(s.Fuel.FinishedAt)
	out.Credential.IssuedAt = cloneTime(s.Credential.IssuedAt)
	out.ArchivedAt = cloneTime(s.ArchivedAt)
	if s.Events != nil {
		out.Events = make([]EventNote, len(s.Events))
		copy(out.Events, s.Events)
	}
	return &out
}

// SessionEvent is pushed to live displays after each successful transition.
type SessionEvent struct {
	OrderID string    `json:"order_id"`
	Status  Status    `json:"status"`
	Slot    string    `json:"slot,omitempty"`
	Note    string    `json:"note"`
	At      time.Time `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
