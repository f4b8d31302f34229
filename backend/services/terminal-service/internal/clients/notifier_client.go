package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// PinNotification is sent to the notifier so the PIN reaches the driver out of band.
type PinNotification struct {
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	Pin       string    `json:"pin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NotifierClient delivers PINs through the notification service.
type NotifierClient struct {
	baseURL string
	client  HTTPDoer
	logger  *zap.Logger
}

// NewNotifierClient returns HTTP client wrapper. Empty baseURL disables delivery.
func NewNotifierClient(baseURL string, timeout time.Duration, logger *zap.Logger) *NotifierClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewNotifierClientWithDoer(baseURL, &http.Client{Timeout: timeout}, logger)
}

// NewNotifierClientWithDoer lets tests supply the transport.
func NewNotifierClientWithDoer(baseURL string, client HTTPDoer, logger *zap.Logger) *NotifierClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifierClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
		logger:  logger,
	}
}

// SendPin dispatches the PIN. The PIN value never appears in logs.
func (c *NotifierClient) SendPin(ctx context.Context, n PinNotification) error {
	if c.baseURL == "" {
		c.logger.Debug("notifier client disabled, skip pin delivery", zap.String("order_id", n.OrderID))
		return nil
	}
	return c.post(ctx, "/internal/notifications/pin", n)
}

func (c *NotifierClient) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", c.baseURL, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("notifier client request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("notifier client returned non-success", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("notifier: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
