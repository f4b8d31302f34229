package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP connections to event-feed subscriptions.
type Server struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(hub *Hub, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is HTTP handler for /ws/events endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(uuid.NewString(), conn, s.writeTimeout, s.logger, func(id string) {
		s.hub.Remove(id)
		cancel()
	})
	s.hub.Add(connection)

	go connection.Start(ctx)
	s.logger.Info("event subscriber connected", zap.String("conn_id", connection.ID()), zap.String("remote_addr", r.RemoteAddr))
}
