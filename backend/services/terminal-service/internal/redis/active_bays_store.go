package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BayBinding records which order currently holds a bay.
type BayBinding struct {
	Slot     string    `json:"slot"`
	OrderID  string    `json:"order_id"`
	DriverID string    `json:"driver_id"`
	BoundAt  time.Time `json:"bound_at"`
}

// Store manages the bay → order index.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func bayKey(slot string) string {
	return fmt.Sprintf("terminal:bay:%s", slot)
}

// Bind records that slot is held by the binding's order.
func (s *Store) Bind(ctx context.Context, binding BayBinding) error {
	data, err := json.Marshal(binding)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, bayKey(binding.Slot), data, s.ttl).Err()
}

// OrderForBay returns the binding for slot, or nil when the bay is free.
func (s *Store) OrderForBay(ctx context.Context, slot string) (*BayBinding, error) {
	result, err := s.client.Get(ctx, bayKey(slot)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var binding BayBinding
	if err := json.Unmarshal([]byte(result), &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

// releaseScript deletes the key only while it still names orderID, so a late
// release cannot free a bay that was already handed to another truck.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local ok, binding = pcall(cjson.decode, raw)
if ok and binding["order_id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release frees slot if it is still bound to orderID.
func (s *Store) Release(ctx context.Context, slot, orderID string) error {
	err := releaseScript.Run(ctx, s.client, []string{bayKey(slot)}, orderID).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
