package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authservice "github.com/tuncanbit/cpg/internal/application/auth"
	"github.com/tuncanbit/cpg/internal/application/paymentservice"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/server/handlers"
	"github.com/tuncanbit/cpg/internal/server/websocket"
	"github.com/tuncanbit/cpg/pkg/config"
)

type fakePayments struct {
	mu          sync.Mutex
	payments    map[string]*domain.Payment
	lastRequest domain.CreatePaymentRequest
	createErr   error
	cancelErr   error
	refunded    *decimal.Decimal
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: map[string]*domain.Payment{
		"pay_1": {ID: "pay_1", MerchantID: "merchant_1", Amount: decimal.NewFromInt(100), Currency: domain.CurrencyAUD, Status: domain.PaymentStatusProcessing},
		"pay_2": {ID: "pay_2", MerchantID: "merchant_2", Amount: decimal.NewFromInt(50), Currency: domain.CurrencyAUD, Status: domain.PaymentStatusCompleted},
	}}
}

func (f *fakePayments) Start(ctx context.Context) {}

func (f *fakePayments) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.CreatePaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := &domain.Payment{ID: "pay_new", MerchantID: req.MerchantID, Amount: req.Amount, Currency: req.Currency, Status: domain.PaymentStatusCreated}
	return &domain.CreatePaymentResult{Payment: p, Instructions: &domain.PaymentInstructions{Reference: "ref-1"}}, nil
}

func (f *fakePayments) get(id string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, domain.NewNotFoundError("payment", id)
	}
	return p.Clone(), nil
}

func (f *fakePayments) CheckPaymentStatus(ctx context.Context, id string) (*domain.PaymentStatusView, error) {
	p, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentStatusView{Payment: p, Status: p.Status}, nil
}

func (f *fakePayments) CancelPayment(ctx context.Context, id, reason string) (bool, error) {
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	return true, nil
}

func (f *fakePayments) ProcessRefund(ctx context.Context, id string, amount *decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = amount
	return true, nil
}

func (f *fakePayments) GetPaymentDetails(ctx context.Context, id string) (*domain.PaymentDetails, error) {
	p, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentDetails{Payment: p, Context: &domain.PaymentContextView{WebhookStatus: domain.WebhookStatusPending}}, nil
}

func (f *fakePayments) GetProcessingStats(ctx context.Context) (*domain.ProcessingStats, error) {
	return &domain.ProcessingStats{ActivePayments: 1, TotalProcessed: 4, SuccessRate: 0.75}, nil
}

func (f *fakePayments) Subscribe(name string, fn paymentservice.ListenerFunc, types ...domain.EventType) {}

func (f *fakePayments) Shutdown(ctx context.Context) error { return nil }

type fakeRoutes struct {
	criteria domain.RouteCriteria
	payment  *domain.Payment
}

func (f *fakeRoutes) GetAvailableRoutes(ctx context.Context, criteria domain.RouteCriteria) ([]domain.RouteAvailability, error) {
	f.criteria = criteria
	return []domain.RouteAvailability{{Route: &domain.PaymentRoute{ID: "blockchain_ethereum"}, Available: true}}, nil
}

func (f *fakeRoutes) GetRouteRecommendation(ctx context.Context, payment *domain.Payment) (*domain.RouteRecommendation, error) {
	f.payment = payment
	return &domain.RouteRecommendation{Route: &domain.PaymentRoute{ID: "blockchain_ethereum"}, Reason: "High success rate"}, nil
}

func (f *fakeRoutes) ValidateRoute(routeID string, payment *domain.Payment) domain.RouteValidation {
	f.payment = payment
	if routeID == "blockchain_ethereum" {
		return domain.RouteValidation{Valid: true}
	}
	return domain.RouteValidation{Valid: false, Reason: "Route not found"}
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type fixture struct {
	server   *Server
	payments *fakePayments
	routes   *fakeRoutes
	auth     *authservice.AuthService
	deps     map[string]handlers.Pinger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Security: config.SecurityConfig{APIKey: "platform_key"},
		JWT:      config.JWTConfig{Secret: "test-secret", Expiry: time.Hour},
		Merchants: []domain.Merchant{
			{ID: "merchant_1", APIKey: "key_1"},
			{ID: "merchant_2", APIKey: "key_2"},
		},
		Processor: config.ProcessorConfig{DefaultCryptoCurrency: "USDT"},
		WebSocket: config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024, PingPeriod: time.Second},
	}

	f := &fixture{
		payments: newFakePayments(),
		routes:   &fakeRoutes{},
		auth:     authservice.NewAuthService(cfg, zerolog.Nop()),
		deps:     map[string]handlers.Pinger{"redis": pinger{}},
	}
	hub := websocket.NewWsHub(cfg.WebSocket.PingPeriod, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	f.server = New(cfg, f.payments, f.routes, f.auth, hub, f.deps, zerolog.Nop())
	f.server.SetupRouter()
	return f
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.server.Router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) domain.ApiResponse {
	t.Helper()
	var resp domain.ApiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"cpg"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestReady(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.deps["redis"] = pinger{err: errors.New("connection refused")}
	rec = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status domain.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Dependencies["redis"], "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodOptions, "/v1/payments", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	t.Run("missing credentials", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/stats", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong api key", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/stats", "nope", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		f.server.Router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		token, err := f.auth.GenerateToken(context.Background(), "merchant_1")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		f.server.Router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode(t, rec).Success)
	})

	t.Run("platform key cannot create payments", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/payments", "platform_key", map[string]any{"amount": "100", "currency": "AUD"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("platform key reads stats", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/stats", "platform_key", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payments", "key_1", map[string]any{
		"merchant_id": "merchant_2",
		"amount":      "100",
		"currency":    "AUD",
		"customer":    map[string]any{"email": "buyer@example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Contains(t, rec.Body.String(), `"reference":"ref-1"`)

	assert.Equal(t, "merchant_1", f.payments.lastRequest.MerchantID)
	assert.NotEmpty(t, f.payments.lastRequest.Customer.IPAddress)
	assert.True(t, f.payments.lastRequest.Amount.Equal(decimal.NewFromInt(100)))
}

func TestCreatePaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.NewValidationError("amount", "Invalid payment amount"), http.StatusBadRequest},
		{"no routes", domain.ErrNoEligibleRoutes, http.StatusBadRequest},
		{"fraud", &domain.FraudRejectedError{Reasons: []string{"high_amount"}}, http.StatusForbidden},
		{"rate limit", &domain.RateLimitError{Scope: "merchant", Limit: 60, RetryAfter: 29500 * time.Millisecond}, http.StatusTooManyRequests},
		{"exhausted", domain.ErrRoutesExhausted, http.StatusBadGateway},
		{"oracle down", domain.NewExternalServiceError("price_oracle", true, errors.New("timeout")), http.StatusServiceUnavailable},
		{"stopped", domain.ErrProcessorStopped, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
		{"store down", fmt.Errorf("failed to get route_metrics:blockchain_ethereum: %w", errors.New("dial tcp 10.0.0.5:6379: connection refused")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payments.createErr = tt.err

			rec := f.do(t, http.MethodPost, "/v1/payments", "key_1", map[string]any{"amount": "100", "currency": "AUD"})
			assert.Equal(t, tt.status, rec.Code)

			resp := decode(t, rec)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
			if tt.status >= http.StatusInternalServerError {
				assert.Empty(t, resp.Error)
				assert.NotContains(t, rec.Body.String(), tt.err.Error())
			} else {
				assert.Equal(t, tt.err.Error(), resp.Error)
			}
		})
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.payments.createErr = &domain.RateLimitError{Scope: "merchant", Limit: 60, RetryAfter: 29500 * time.Millisecond}

	rec := f.do(t, http.MethodPost, "/v1/payments", "key_1", map[string]any{"amount": "100", "currency": "AUD"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestCreatePaymentMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", strings.NewReader(`{"amount":`))
	req.Header.Set("X-API-Key", "key_1")
	rec := httptest.NewRecorder()
	f.server.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/payments/pay_1", "key_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"webhook_status":"pending"`)

	rec = f.do(t, http.MethodGet, "/v1/payments/pay_1/status", "key_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"processing"`)

	rec = f.do(t, http.MethodGet, "/v1/payments/missing", "key_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentsAreScopedToMerchant(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/v1/payments/pay_2", "/v1/payments/pay_2/status"} {
		rec := f.do(t, http.MethodGet, path, "key_1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := f.do(t, http.MethodPost, "/v1/payments/pay_2/refund", "key_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, f.payments.refunded)
}

func TestCancelPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payments/pay_1/cancel", "key_1", map[string]any{"reason": "customer request"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/payments/pay_1/cancel", "key_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.payments.cancelErr = domain.ErrCannotCancelCompleted
	rec = f.do(t, http.MethodPost, "/v1/payments/pay_1/cancel", "key_1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefundPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/payments/pay_2/refund", "key_2", map[string]any{"amount": "20.5"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.payments.refunded)
	assert.Equal(t, "20.5", f.payments.refunded.String())

	rec = f.do(t, http.MethodPost, "/v1/payments/pay_2/refund", "key_2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.payments.refunded)
}

func TestRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/routes?amount=250&currency=aud&country=AU", "key_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.routes.criteria.Amount)
	assert.Equal(t, "250", f.routes.criteria.Amount.String())
	assert.Equal(t, domain.CurrencyAUD, f.routes.criteria.Currency)

	rec = f.do(t, http.MethodGet, "/v1/routes?amount=lots", "key_1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteRecommendation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/routes/recommendation?amount=100&currency=AUD&country=au", "key_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "High success rate")
	assert.Equal(t, "USDT", f.routes.payment.CryptoCurrency)
	assert.Equal(t, "AU", f.routes.payment.MetadataString(domain.MetadataCountry))
	assert.Equal(t, "merchant_1", f.routes.payment.MerchantID)

	rec = f.do(t, http.MethodGet, "/v1/routes/recommendation?amount=100&currency=XYZ", "key_1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/routes/blockchain_ethereum/validate", "key_1", map[string]any{"amount": "100", "currency": "AUD", "crypto_currency": "eth"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)
	assert.Equal(t, "ETH", f.routes.payment.CryptoCurrency)

	rec = f.do(t, http.MethodPost, "/v1/routes/unknown/validate", "key_1", map[string]any{"amount": "100", "currency": "AUD"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Route not found")
}
