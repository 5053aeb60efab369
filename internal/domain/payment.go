package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type FiatCurrency string

const (
	CurrencyAUD FiatCurrency = "AUD"
	CurrencyUSD FiatCurrency = "USD"
	CurrencyEUR FiatCurrency = "EUR"
	CurrencyGBP FiatCurrency = "GBP"
)

// SupportedFiatCurrencies is the closed set of fiat codes the gateway accepts.
// A "*" currency capability on a route expands to exactly this set.
var SupportedFiatCurrencies = []FiatCurrency{CurrencyAUD, CurrencyUSD, CurrencyEUR, CurrencyGBP}

func (c FiatCurrency) IsSupported() bool {
	return slices.Contains(SupportedFiatCurrencies, c)
}

type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "created"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// IsTerminal reports whether no further monitor-driven transition is possible.
// COMPLETED is terminal for the monitor even though a refund may still follow.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusExpired,
		PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// IsActive reports whether the payment is still awaiting a route outcome.
func (s PaymentStatus) IsActive() bool {
	return s == PaymentStatusCreated || s == PaymentStatusProcessing
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated: {
		PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusExpired, PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled,
	},
	PaymentStatusCompleted: {PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return slices.Contains(paymentTransitions[s], next)
}

type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
)

type CustomerInfo struct {
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Payment is a fiat-to-crypto payment intent. Route is nil until routing
// succeeds; FailedRoutes keeps every route id that failed for this payment.
type Payment struct {
	ID               string           `json:"id"`
	MerchantID       string           `json:"merchant_id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         FiatCurrency     `json:"currency"`
	CryptoCurrency   string           `json:"crypto_currency"`
	Route            *PaymentRoute    `json:"route,omitempty"`
	FailedRoutes     []string         `json:"failed_routes,omitempty"`
	Status           PaymentStatus    `json:"status"`
	Customer         CustomerInfo     `json:"customer"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	RefundedAmount   *decimal.Decimal `json:"refunded_amount,omitempty"`
	SettlementID     string           `json:"settlement_id,omitempty"`
	SettlementStatus SettlementStatus `json:"settlement_status,omitempty"`
}

const (
	MetadataCountry          = "country"
	MetadataPaymentMethod    = "payment_method"
	MetadataCryptoExperience = "crypto_experienced"
	MetadataWebhookURL       = "webhook_url"
)

func (p *Payment) MetadataString(key string) string {
	if p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func (p *Payment) MetadataBool(key string) bool {
	if p.Metadata == nil {
		return false
	}
	switch v := p.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (p *Payment) HasFailed(routeID string) bool {
	return slices.Contains(p.FailedRoutes, routeID)
}

// Clone returns a copy that shares no mutable state with p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.FailedRoutes = slices.Clone(p.FailedRoutes)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	if p.RefundedAmount != nil {
		a := *p.RefundedAmount
		c.RefundedAmount = &a
	}
	return &c
}

type PaymentInstructions struct {
	Method    string          `json:"method"`
	Details   json.RawMessage `json:"details"`
	Reference string          `json:"reference"`
	ExpiresAt time.Time       `json:"expires_at"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	QRCode    string          `json:"qr_code,omitempty"`
}

type CreatePaymentRequest struct {
	MerchantID     string          `json:"merchant_id"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       FiatCurrency    `json:"currency" binding:"required"`
	CryptoCurrency string          `json:"crypto_currency"`
	Customer       CustomerInfo    `json:"customer"`
	Metadata       map[string]any  `json:"metadata"`
}

type CreatePaymentResult struct {
	Payment      *Payment             `json:"payment"`
	Instructions *PaymentInstructions `json:"instructions"`
}

type AuditEntry struct {
	Action    string         `json:"action"`
	Status    PaymentStatus  `json:"status"`
	RouteID   string         `json:"route_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusDelivered WebhookStatus = "delivered"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusSkipped   WebhookStatus = "skipped"
)

type PaymentContextView struct {
	Route            *PaymentRoute    `json:"route,omitempty"`
	RetryCount       int              `json:"retry_count"`
	StartedAt        time.Time        `json:"started_at"`
	RouteStartedAt   time.Time        `json:"route_started_at"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	SettlementStatus SettlementStatus `json:"settlement_status,omitempty"`
	WebhookStatus    WebhookStatus    `json:"webhook_status"`
	AuditTrail       []AuditEntry     `json:"audit_trail"`
}

type PaymentDetails struct {
	Payment *Payment            `json:"payment"`
	Context *PaymentContextView `json:"context,omitempty"`
}

type PaymentStatusView struct {
	Payment      *Payment             `json:"payment"`
	Status       PaymentStatus        `json:"status"`
	Instructions *PaymentInstructions `json:"instructions,omitempty"`
	Settlement   *Settlement          `json:"settlement,omitempty"`
}

type ProcessingStats struct {
	ActivePayments        int              `json:"active_payments"`
	ProcessingQueue       int              `json:"processing_queue"`
	TotalProcessed        int64            `json:"total_processed"`
	TotalCompleted        int64            `json:"total_completed"`
	TotalFailed           int64            `json:"total_failed"`
	SuccessRate           float64          `json:"success_rate"`
	AverageProcessingTime float64          `json:"average_processing_time"`
	RouteStats            []RouteStatistic `json:"route_stats"`
}
