package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/models"
)

// Hub tracks subscriber connections and fans session events out to them.
type Hub struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewHub builds the subscriber registry.
func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Add registers new connection.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID()] = conn
}

// Remove removes connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, id)
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Publish sends ev to every subscriber. Slow subscribers drop messages rather
// than block the caller.
func (h *Hub) Publish(ev models.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode session event", zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		conn.Send(data)
	}
}

// Start begins ping loop to keep connections active.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			for _, conn := range h.connections {
				_ = conn.Ping()
			}
			h.mu.RUnlock()
		}
	}
}
