// Package dispenser is the outbound client for the physical fuel dispenser
// controller. It never inspects session state and never retries: a controller
// that already accepted a preset must not receive it twice.
package dispenser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fuelterminal/backend/services/terminal-service/internal/terminalerr"
)

const (
	DefaultPresetTimeout = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second

	maxBodyBytes = 64 * 1024
)

var (
	// ErrNotConfigured is returned without any network attempt when no controller address is set.
	ErrNotConfigured = errors.New("dispenser controller not configured")
	// ErrTimeout means the controller did not answer within the configured bound.
	ErrTimeout = errors.New("dispenser controller timed out")
	// ErrUnreachable means the connection was refused or the host could not be reached.
	ErrUnreachable = errors.New("dispenser controller unreachable")
)

// TransportError wraps any other transport failure; the underlying message is kept for logs.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "dispenser transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a non-2xx answer from the controller.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispenser rejected preset: status %d", e.StatusCode)
	}
	return fmt.Sprintf("dispenser rejected preset: status %d: %s", e.StatusCode, e.Body)
}

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config holds the controller address and the caller-enforced timeouts.
type Config struct {
	URL           string
	PresetTimeout time.Duration
	ProbeTimeout  time.Duration
}

// Ack is the controller's acknowledgment of a preset.
type Ack struct {
	RequestID  string          `json:"request_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

type presetRequest struct {
	SessionID     string  `json:"sessionId"`
	PlannedLiters float64 `json:"plannedLiters"`
}

// Gateway sends presets to the dispenser controller.
type Gateway struct {
	baseURL       string
	presetTimeout time.Duration
	probeTimeout  time.Duration
	client        HTTPDoer
	logger        *zap.Logger
}

// NewGateway builds a gateway. A nil client falls back to an http.Client
// without its own timeout, since the bounds are applied per call.
func NewGateway(cfg Config, client HTTPDoer, logger *zap.Logger) *Gateway {
	if cfg.PresetTimeout <= 0 {
		cfg.PresetTimeout = DefaultPresetTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		presetTimeout: cfg.PresetTimeout,
		probeTimeout:  cfg.ProbeTimeout,
		client:        client,
		logger:        logger,
	}
}

// Configured reports whether a controller address is set.
func (g *Gateway) Configured() bool {
	return g != nil && g.baseURL != ""
}

// SendPreset pushes the authorized volume for a session.
func (g *Gateway) SendPreset(ctx context.Context, sessionID string, liters float64) (*Ack, error) {
	if !g.Configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, terminalerr.Validation("dispenser: session id is required")
	}
	if liters <= 0 {
		return nil, terminalerr.Validation(fmt.Sprintf("dispenser: planned volume must be positive, got %v", liters))
	}

	body, err := json.Marshal(presetRequest{SessionID: sessionID, PlannedLiters: liters})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.presetTimeout)
	defer cancel()

	requestID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/preset", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	status, respBody, err := g.do(req)
	if err != nil {
		g.logger.Warn("dispenser preset failed",
			zap.String("order_id", sessionID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &RejectedError{StatusCode: status, Body: strings.TrimSpace(string(respBody))}
	}

	ack := &Ack{RequestID: requestID, StatusCode: status}
	if json.Valid(respBody) {
		ack.Body = json.RawMessage(respBody)
	}
	g.logger.Info("dispenser preset accepted",
		zap.String("order_id", sessionID),
		zap.String("request_id", requestID),
		zap.Float64("planned_liters", liters),
	)
	return ack, nil
}

// Probe checks controller connectivity with the short timeout. Any HTTP answer
// below 500 counts as reachable.
func (g *Gateway) Probe(ctx context.Context) error {
	if !g.Configured() {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	status, respBody, err := g.do(req)
	if err != nil {
		return err
	}
	if status >= 500 {
		return &RejectedError{StatusCode: status, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

func (g *Gateway) do(req *http.Request) (int, []byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, classify(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, classify(req.Context(), err)
	}
	return resp.StatusCode, body, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &TransportError{Err: err}
}
