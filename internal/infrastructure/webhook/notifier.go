package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/clients"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	SignatureHeader = "X-CPG-Signature"
	EventHeader     = "X-CPG-Event"
	TimestampHeader = "X-CPG-Timestamp"

	maxResponseBody = 4 << 10
)

var ErrNoEndpoint = errors.New("no webhook endpoint configured")

// Payload is the JSON body POSTed to merchant endpoints.
type Payload struct {
	ID         string           `json:"id"`
	Event      domain.EventType `json:"event"`
	PaymentID  string           `json:"payment_id"`
	MerchantID string           `json:"merchant_id"`
	Payment    *domain.Payment  `json:"payment,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Notifier delivers lifecycle events to merchant webhook endpoints.
type Notifier struct {
	httpClient *http.Client
	secret     string
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewNotifier(cfg config.WebhookConfig, logger zerolog.Logger) *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With().Str("component", "webhook").Logger(),
		now:        time.Now,
	}
}

// Deliver POSTs event to endpoint, retrying transport errors, 429 and 5xx
// responses up to the configured number of times.
func (n *Notifier) Deliver(ctx context.Context, endpoint string, event domain.Event) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}

	body, err := json.Marshal(Payload{
		ID:         event.ID,
		Event:      event.Type,
		PaymentID:  event.PaymentID,
		MerchantID: event.MerchantID,
		Payment:    event.Payment,
		Data:       event.Data,
		Timestamp:  event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryDelay):
			}
		}

		retry, err := n.send(ctx, endpoint, event.Type, body)
		if err == nil {
			n.logger.Debug().
				Str("payment_id", event.PaymentID).
				Str("event", string(event.Type)).
				Int("attempt", attempt+1).
				Msg("Webhook delivered")
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		n.logger.Warn().
			Err(err).
			Str("payment_id", event.PaymentID).
			Str("event", string(event.Type)).
			Int("attempt", attempt+1).
			Msg("Webhook delivery failed, retrying")
	}

	return fmt.Errorf("webhook delivery to %s failed: %w", endpoint, lastErr)
}

func (n *Notifier) send(ctx context.Context, endpoint string, eventType domain.EventType, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	ts := strconv.FormatInt(n.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cpg-webhook/1.0")
	req.Header.Set(EventHeader, string(eventType))
	req.Header.Set(TimestampHeader, ts)
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Signature(n.secret, body))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, respBody)
	default:
		return false, fmt.Errorf("endpoint rejected webhook (status %d): %s", resp.StatusCode, respBody)
	}
}

// Signature is the value of the signature header for body.
func Signature(secret string, body []byte) string {
	return "sha256=" + clients.Sign(secret, body)
}
