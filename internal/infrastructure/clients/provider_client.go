package clients

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

// ProviderClient talks JSON to one route provider's HTTP API.
type ProviderClient struct {
	name       string
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewProviderClient(name string, cfg config.ProviderConfig, logger zerolog.Logger) *ProviderClient {
	return &ProviderClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiSecret:  cfg.APISecret,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With().Str("component", "provider_client").Str("provider", name).Logger(),
		now:        time.Now,
	}
}

func (c *ProviderClient) Name() string {
	return c.name
}

func (c *ProviderClient) Get(ctx context.Context, endpoint string, response any) error {
	return c.makeRequest(ctx, http.MethodGet, endpoint, nil, response)
}

func (c *ProviderClient) Post(ctx context.Context, endpoint string, body, response any) error {
	return c.makeRequest(ctx, http.MethodPost, endpoint, body, response)
}

// makeRequest sends one JSON request with retries on transport errors, 429
// and 5xx. Other 4xx responses are returned immediately.
func (c *ProviderClient) makeRequest(ctx context.Context, method, endpoint string, body, response any) error {
	if c.baseURL == "" {
		return domain.NewExternalServiceError(c.name, false, errors.New("no base url configured"))
	}
	fullURL := c.baseURL + endpoint

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.NewExternalServiceError(c.name, true, ctx.Err())
			case <-time.After(c.retryDelay * time.Duration(1<<(attempt-1))):
			}
		}

		retry, err := c.send(ctx, method, fullURL, reqBody, response)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("url", fullURL).Msg("Provider request failed, retrying")
	}

	c.logger.Error().Err(lastErr).Str("url", fullURL).Int("max_retries", c.maxRetries).Msg("Provider request failed after all retries")
	return domain.NewExternalServiceError(c.name, true,
		fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr))
}

func (c *ProviderClient) send(ctx context.Context, method, fullURL string, reqBody []byte, response any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(reqBody))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.apiSecret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set("X-API-Timestamp", ts)
		req.Header.Set("X-API-Signature", Sign(c.apiSecret, []byte(ts+"."+string(reqBody))))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return shouldRetry(ctx), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if response != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, response); err != nil {
				return false, fmt.Errorf("failed to unmarshal response: %w", err)
			}
		}
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, domain.NewNotFoundError(c.name+" resource", req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, domain.NewExternalServiceError(c.name, false,
			fmt.Errorf("authentication failed (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("rate limited (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("server error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return false, domain.NewExternalServiceError(c.name, false,
			fmt.Errorf("client error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *ProviderClient) Close() {
	c.httpClient.CloseIdleConnections()
}
