package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/presence"
)

const (
	// TopicPrefix is followed by the slot id, e.g. terminal/presence/1A.
	TopicPrefix = "terminal/presence/"
	// TopicFilter subscribes to every slot.
	TopicFilter = TopicPrefix + "+"

	subscribeTimeout = 5 * time.Second
	handleTimeout    = 2 * time.Second
)

// HeartbeatSink receives decoded sensor readings.
type HeartbeatSink interface {
	Heartbeat(ctx context.Context, slot string, present bool) (presence.Snapshot, error)
}

type heartbeatMessage struct {
	Slot    string `json:"slot"`
	Present *bool  `json:"present"`
}

// PresenceSubscriber feeds MQTT sensor heartbeats into the presence detector.
type PresenceSubscriber struct {
	sink   HeartbeatSink
	qos    byte
	logger *zap.Logger
}

// NewPresenceSubscriber builds the subscriber.
func NewPresenceSubscriber(sink HeartbeatSink, qos byte, logger *zap.Logger) *PresenceSubscriber {
	if qos > 2 {
		qos = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceSubscriber{sink: sink, qos: qos, logger: logger}
}

// Subscribe registers the handler. Call it from the client's OnConnect so the
// subscription survives reconnects.
func (s *PresenceSubscriber) Subscribe(client paho.Client) error {
	token := client.Subscribe(TopicFilter, s.qos, s.Handle)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt: subscribe %s timed out", TopicFilter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", TopicFilter, err)
	}
	s.logger.Info("subscribed to presence heartbeats", zap.String("topic", TopicFilter))
	return nil
}

// Handle is the paho message handler.
func (s *PresenceSubscriber) Handle(_ paho.Client, msg paho.Message) {
	slot, present, err := Decode(msg.Topic(), msg.Payload())
	if err != nil {
		s.logger.Warn("dropping malformed presence heartbeat", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	snap, err := s.sink.Heartbeat(ctx, slot, present)
	if err != nil {
		s.logger.Warn("presence heartbeat rejected", zap.String("slot", slot), zap.Error(err))
		return
	}
	s.logger.Debug("presence heartbeat",
		zap.String("slot", snap.Slot),
		zap.Bool("present", snap.Present),
		zap.Bool("occupied", snap.Occupied),
	)
}

// Decode extracts the slot and reading. The payload slot wins over the topic
// suffix; a bare "true"/"false" payload is accepted from simple sensors.
func Decode(topic string, payload []byte) (string, bool, error) {
	topicSlot := ""
	if strings.HasPrefix(topic, TopicPrefix) {
		topicSlot = strings.TrimSpace(strings.TrimPrefix(topic, TopicPrefix))
	}

	raw := strings.TrimSpace(string(payload))
	switch strings.ToLower(raw) {
	case "true", "1":
		return requireSlot(topicSlot, true)
	case "false", "0":
		return requireSlot(topicSlot, false)
	}

	var msg heartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false, fmt.Errorf("decode heartbeat: %w", err)
	}
	if msg.Present == nil {
		return "", false, fmt.Errorf("heartbeat missing present flag")
	}
	slot := strings.TrimSpace(msg.Slot)
	if slot == "" {
		slot = topicSlot
	}
	return requireSlot(slot, *msg.Present)
}

func requireSlot(slot string, present bool) (string, bool, error) {
	if slot == "" {
		return "", false, fmt.Errorf("heartbeat missing slot")
	}
	return slot, present, nil
}
