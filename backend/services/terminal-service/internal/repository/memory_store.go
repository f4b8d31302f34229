package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fuelterminal/backend/services/terminal-service/internal/models"
)

// MemoryStore is an in-process SessionStore used when no database is configured
// and in tests. Sessions are copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.OrderID]; ok {
		return ErrDuplicateSession
	}
	m.sessions[s.OrderID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[orderID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindActiveByBay(_ context.Context, slot string, day time.Time) (*models.Session, error) {
	from, to := dayBounds(day)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Session
	for _, s := range m.sessions {
		if s.Fuel.Slot != slot || s.ArchivedAt != nil || !inDay(s.ScheduledFor, from, to) {
			continue
		}
		if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListByDay(_ context.Context, day time.Time) ([]*models.Session, error) {
	from, to := dayBounds(day)
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if inDay(s.ScheduledFor, from, to) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.OrderID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.OrderID] = s.Clone()
	return nil
}

func inDay(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
