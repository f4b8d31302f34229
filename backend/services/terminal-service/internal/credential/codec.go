package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fuelterminal/backend/services/terminal-service/internal/models"
	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

const (
	tokenAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	MinTokenLength     = 24
	defaultTokenLength = 32
)

// Payload is the self-describing content of a QR credential.
type Payload struct {
	OrderID  string        `json:"order_id"`
	DriverID string        `json:"driver_id"`
	Stage    models.Stage  `json:"stage,omitempty"`
	Status   models.Status `json:"status,omitempty"`
	IssuedAt *time.Time    `json:"issued_at,omitempty"`
	Token    string        `json:"token,omitempty"`
}

// wirePayload accepts both snake_case and camelCase keys from kiosk scanners.
type wirePayload struct {
	OrderID       string     `json:"order_id"`
	OrderIDCamel  string     `json:"orderId"`
	DriverID      string     `json:"driver_id"`
	DriverIDCamel string     `json:"driverId"`
	Stage         string     `json:"stage"`
	Status        string     `json:"status"`
	IssuedAt      *time.Time `json:"issued_at"`
	Token         string     `json:"token"`
}

// DecodeError reports a payload that could not be parsed.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential: %s: %v", e.Reason, e.Err)
	}
	return "credential: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec encodes and decodes QR credentials. It holds no session state.
type Codec struct {
	now         func() time.Time
	random      io.Reader
	tokenLength int
}

// Option customizes a Codec.
type Option func(*Codec)

// WithClock overrides the issuance clock.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithRandom overrides the randomness source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.random = r }
}

// WithTokenLength sets the opaque token length; values below MinTokenLength are raised.
func WithTokenLength(n int) Option {
	return func(c *Codec) { c.tokenLength = n }
}

// NewCodec returns a codec backed by crypto/rand.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		now:         time.Now,
		random:      rand.Reader,
		tokenLength: defaultTokenLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenLength < MinTokenLength {
		c.tokenLength = MinTokenLength
	}
	return c
}

// Encode builds the serialized credential, unpadded URL-safe base64 over the JSON
// payload, and returns it with the payload it carries.
func (c *Codec) Encode(orderID, driverID string, stage models.Stage, status models.Status) (string, Payload, error) {
	orderID = strings.TrimSpace(orderID)
	driverID = strings.TrimSpace(driverID)
	if orderID == "" {
		return "", Payload{}, terminalerr.Validation("order id is required")
	}
	if driverID == "" {
		return "", Payload{}, terminalerr.Validation("driver id is required")
	}

	token, err := randomString(c.random, c.tokenLength)
	if err != nil {
		return "", Payload{}, fmt.Errorf("credential: generate token: %w", err)
	}
	issued := c.now().UTC()
	payload := Payload{
		OrderID:  orderID,
		DriverID: driverID,
		Stage:    stage,
		Status:   status,
		IssuedAt: &issued,
		Token:    token,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, fmt.Errorf("credential: encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), payload, nil
}

// Decode parses a scanned credential. It accepts raw JSON or base64 encoded JSON
// and only checks structure; business rules belong to the state machine.
func Decode(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, &DecodeError{Reason: "empty payload"}
	}

	data := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		decoded, err := decodeBase64(raw)
		if err != nil {
			return Payload{}, &DecodeError{Reason: "payload is neither JSON nor base64", Err: err}
		}
		data = decoded
	}

	var wire wirePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return Payload{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	payload := Payload{
		OrderID:  strings.TrimSpace(firstNonEmpty(wire.OrderID, wire.OrderIDCamel)),
		DriverID: strings.TrimSpace(firstNonEmpty(wire.DriverID, wire.DriverIDCamel)),
		Status:   models.Status(strings.TrimSpace(wire.Status)),
		IssuedAt: wire.IssuedAt,
		Token:    wire.Token,
	}
	if payload.OrderID == "" {
		return Payload{}, &DecodeError{Reason: "missing order_id"}
	}
	if payload.DriverID == "" {
		return Payload{}, &DecodeError{Reason: "missing driver_id"}
	}
	if wire.Stage != "" {
		stage, ok := models.ParseStage(wire.Stage)
		if !ok {
			return Payload{}, &DecodeError{Reason: fmt.Sprintf("unknown stage %q", wire.Stage)}
		}
		payload.Stage = stage
	}
	return payload, nil
}

// IsDecodeError reports whether err came from Decode.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func decodeBase64(raw string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		data, err := enc.DecodeString(raw)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func randomString(r io.Reader, n int) (string, error) {
	// 248 is the largest multiple of len(tokenAlphabet) below 256; rejecting
	// bytes above it keeps every character equally likely.
	const limit = 248
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
