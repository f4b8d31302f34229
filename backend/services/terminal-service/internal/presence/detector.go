package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds the two presence timers and the sensor cadence they are checked against.
type Config struct {
	DwellThreshold  time.Duration
	StalenessWindow time.Duration
	ExpectedCadence time.Duration
}

// DefaultConfig returns 2s dwell, 5s staleness, 1s sensor cadence.
func DefaultConfig() Config {
	return Config{
		DwellThreshold:  2 * time.Second,
		StalenessWindow: 5 * time.Second,
		ExpectedCadence: time.Second,
	}
}

// Validate enforces 0 < dwell < staleness and cadence < staleness; otherwise a
// healthy slot would flicker between occupied and purged.
func (c Config) Validate() error {
	if c.DwellThreshold <= 0 {
		return errors.New("presence: dwell threshold must be positive")
	}
	if c.StalenessWindow <= c.DwellThreshold {
		return fmt.Errorf("presence: staleness window %s must exceed dwell threshold %s", c.StalenessWindow, c.DwellThreshold)
	}
	if c.ExpectedCadence < 0 {
		return errors.New("presence: expected cadence must not be negative")
	}
	if c.ExpectedCadence >= c.StalenessWindow {
		return fmt.Errorf("presence: staleness window %s must exceed sensor cadence %s", c.StalenessWindow, c.ExpectedCadence)
	}
	return nil
}

// Snapshot is the computed view of one slot.
type Snapshot struct {
	Slot        string     `json:"slot"`
	Present     bool       `json:"present"`
	Occupied    bool       `json:"occupied"`
	FirstSeenAt *time.Time `json:"first_seen_at"`
	LastPingAt  *time.Time `json:"last_ping_at"`
}

type slotState struct {
	present     bool
	firstSeenAt time.Time
	lastPingAt  time.Time
}

type slotEntry struct {
	mu     sync.Mutex
	state  slotState
	fresh  bool
	purged bool
}

// Detector owns per-slot presence records. Records are created by the first
// heartbeat and purged when a read finds them stale; nothing else may touch them.
type Detector struct {
	cfg Config

	mu    sync.Mutex
	slots map[string]*slotEntry
}

// NewDetector validates cfg and returns an empty detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:   cfg,
		slots: make(map[string]*slotEntry),
	}, nil
}

// Config returns the timers in use.
func (d *Detector) Config() Config {
	return d.cfg
}

// Heartbeat records one sensor reading and returns the resulting snapshot.
// Readings older than the last accepted one are ignored.
func (d *Detector) Heartbeat(slotID string, presentNow bool, now time.Time) (Snapshot, error) {
	slotID = strings.TrimSpace(slotID)
	if slotID == "" {
		return Snapshot{}, errors.New("presence: slot id is required")
	}

	for {
		entry := d.entry(slotID, true)
		entry.mu.Lock()
		if entry.purged {
			entry.mu.Unlock()
			continue
		}

		st := &entry.state
		switch {
		case entry.fresh || d.stale(*st, now):
			// First reading, or the sensor went silent long enough that the old
			// record no longer describes the slot.
			*st = slotState{present: presentNow, lastPingAt: now}
			if presentNow {
				st.firstSeenAt = now
			}
			entry.fresh = false
		case now.Before(st.lastPingAt):
			// out-of-order reading
		case presentNow && !st.present:
			st.present = true
			st.firstSeenAt = now
			st.lastPingAt = now
		case presentNow:
			st.lastPingAt = now
		default:
			st.present = false
			st.firstSeenAt = time.Time{}
			st.lastPingAt = now
		}

		snap := d.snapshot(slotID, *st, now)
		entry.mu.Unlock()
		return snap, nil
	}
}

// Occupied reports whether a truck has been present for at least the dwell threshold.
// A missing or stale record is vacant; stale records are purged.
func (d *Detector) Occupied(slotID string, now time.Time) bool {
	snap, ok := d.Snapshot(slotID, now)
	return ok && snap.Occupied
}

// Snapshot returns the current view of a slot, or false when no live record exists.
func (d *Detector) Snapshot(slotID string, now time.Time) (Snapshot, bool) {
	slotID = strings.TrimSpace(slotID)
	entry := d.entry(slotID, false)
	if entry == nil {
		return Snapshot{}, false
	}

	entry.mu.Lock()
	if entry.purged || entry.fresh {
		entry.mu.Unlock()
		return Snapshot{}, false
	}
	if d.stale(entry.state, now) {
		entry.purged = true
		entry.mu.Unlock()
		d.remove(slotID, entry)
		return Snapshot{}, false
	}
	snap := d.snapshot(slotID, entry.state, now)
	entry.mu.Unlock()
	return snap, true
}

// Slots returns snapshots of every live slot ordered by slot id, purging stale ones.
func (d *Detector) Slots(now time.Time) []Snapshot {
	d.mu.Lock()
	ids := make([]string, 0, len(d.slots))
	for id := range d.slots {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := d.Snapshot(id, now); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (d *Detector) entry(slotID string, create bool) *slotEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.slots[slotID]
	if !ok && create {
		entry = &slotEntry{fresh: true}
		d.slots[slotID] = entry
	}
	return entry
}

func (d *Detector) remove(slotID string, entry *slotEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots[slotID] == entry {
		delete(d.slots, slotID)
	}
}

func (d *Detector) stale(st slotState, now time.Time) bool {
	return now.Sub(st.lastPingAt) > d.cfg.StalenessWindow
}

func (d *Detector) snapshot(slotID string, st slotState, now time.Time) Snapshot {
	snap := Snapshot{
		Slot:       slotID,
		Present:    st.present,
		LastPingAt: timePtr(st.lastPingAt),
	}
	if st.present {
		snap.FirstSeenAt = timePtr(st.firstSeenAt)
		snap.Occupied = now.Sub(st.firstSeenAt) >= d.cfg.DwellThreshold
	}
	return snap
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t
	return &v
}
