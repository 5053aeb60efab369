package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RouteType string

const (
	RouteTypeBlockchain RouteType = "blockchain"
	RouteTypeDEX        RouteType = "dex"
	RouteTypeP2P        RouteType = "p2p"
	RouteTypeGiftCard   RouteType = "giftcard"
	RouteTypeSelfHosted RouteType = "selfhosted"
)

var RouteTypes = []RouteType{
	RouteTypeBlockchain, RouteTypeDEX, RouteTypeP2P, RouteTypeGiftCard, RouteTypeSelfHosted,
}

func (t RouteType) IsValid() bool {
	return slices.Contains(RouteTypes, t)
}

// IsMarketData reports whether the route settles through a P2P board or other
// market-data sourced counterparty rather than a chain or liquidity pool.
func (t RouteType) IsMarketData() bool {
	return t == RouteTypeP2P
}

const Wildcard = "*"

type RouteCapabilities struct {
	Currencies       []string `json:"currencies" yaml:"currencies"`
	CryptoCurrencies []string `json:"crypto_currencies" yaml:"crypto_currencies"`
	PaymentMethods   []string `json:"payment_methods" yaml:"payment_methods"`
	Countries        []string `json:"countries" yaml:"countries"`
	Features         []string `json:"features" yaml:"features"`
}

type RouteLimits struct {
	MinAmount     float64 `json:"min_amount" yaml:"min_amount"`
	MaxAmount     float64 `json:"max_amount" yaml:"max_amount"`
	DailyVolume   float64 `json:"daily_volume" yaml:"daily_volume"`
	MonthlyVolume float64 `json:"monthly_volume" yaml:"monthly_volume"`
}

type RouteFees struct {
	Percentage float64 `json:"percentage" yaml:"percentage"`
	Fixed      float64 `json:"fixed" yaml:"fixed"`
	Currency   string  `json:"currency" yaml:"currency"`
}

// PaymentRoute describes one settlement channel. Only Active changes at
// runtime; capabilities, limits and fees come from configuration.
type PaymentRoute struct {
	ID           string            `json:"id"`
	Type         RouteType         `json:"type"`
	Provider     string            `json:"provider"`
	Priority     int               `json:"priority"`
	Active       bool              `json:"active"`
	Capabilities RouteCapabilities `json:"capabilities"`
	Limits       RouteLimits       `json:"limits"`
	Fees         RouteFees         `json:"fees"`
}

func RouteID(t RouteType, provider string) string {
	return string(t) + "_" + provider
}

// SupportsCurrency matches against the gateway's closed fiat set, so a
// wildcard never admits an unsupported code.
func (r *PaymentRoute) SupportsCurrency(currency FiatCurrency) bool {
	if !currency.IsSupported() {
		return false
	}
	return containsOrWildcard(r.Capabilities.Currencies, string(currency))
}

func (r *PaymentRoute) SupportsCrypto(symbol string) bool {
	return containsOrWildcard(r.Capabilities.CryptoCurrencies, symbol)
}

// ListsCrypto is the strict form of SupportsCrypto: the symbol must be named.
func (r *PaymentRoute) ListsCrypto(symbol string) bool {
	return containsFold(r.Capabilities.CryptoCurrencies, symbol)
}

func (r *PaymentRoute) SupportsCountry(country string) bool {
	return containsOrWildcard(r.Capabilities.Countries, country)
}

// ListsCountry reports an explicit, non-wildcard country entry.
func (r *PaymentRoute) ListsCountry(country string) bool {
	return containsFold(r.Capabilities.Countries, country)
}

func (r *PaymentRoute) SupportsPaymentMethod(method string) bool {
	return containsOrWildcard(r.Capabilities.PaymentMethods, method)
}

// ListsPaymentMethod reports an explicit, non-wildcard payment method entry.
func (r *PaymentRoute) ListsPaymentMethod(method string) bool {
	return containsFold(r.Capabilities.PaymentMethods, method)
}

func (r *PaymentRoute) HasFeature(feature string) bool {
	return containsFold(r.Capabilities.Features, feature)
}

func (r *PaymentRoute) AmountWithinLimits(amount decimal.Decimal) bool {
	return !amount.LessThan(decimal.NewFromFloat(r.Limits.MinAmount)) &&
		!amount.GreaterThan(decimal.NewFromFloat(r.Limits.MaxAmount))
}

// EffectiveFeePercent folds the fixed fee into a percentage of amount.
func (r *PaymentRoute) EffectiveFeePercent(amount float64) float64 {
	if amount <= 0 {
		return r.Fees.Percentage
	}
	return r.Fees.Percentage + r.Fees.Fixed/amount*100
}

func (r *PaymentRoute) Clone() *PaymentRoute {
	if r == nil {
		return nil
	}
	c := *r
	c.Capabilities = RouteCapabilities{
		Currencies:       slices.Clone(r.Capabilities.Currencies),
		CryptoCurrencies: slices.Clone(r.Capabilities.CryptoCurrencies),
		PaymentMethods:   slices.Clone(r.Capabilities.PaymentMethods),
		Countries:        slices.Clone(r.Capabilities.Countries),
		Features:         slices.Clone(r.Capabilities.Features),
	}
	return &c
}

func containsOrWildcard(values []string, v string) bool {
	return slices.Contains(values, Wildcard) || containsFold(values, v)
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// RouteMetrics holds aggregate reliability figures for one route.
type RouteMetrics struct {
	RouteID               string         `json:"route_id"`
	SuccessRate           float64        `json:"success_rate"`
	AverageSettlementTime float64        `json:"average_settlement_time"`
	TotalVolume           int64          `json:"total_volume"`
	FailureReasons        map[string]int `json:"failure_reasons,omitempty"`
	LastUpdated           time.Time      `json:"last_updated"`
}

const (
	DefaultSuccessRate           = 1.0
	DefaultAverageSettlementTime = 900.0
)

func DefaultRouteMetrics(routeID string, now time.Time) RouteMetrics {
	return RouteMetrics{
		RouteID:               routeID,
		SuccessRate:           DefaultSuccessRate,
		AverageSettlementTime: DefaultAverageSettlementTime,
		LastUpdated:           now,
	}
}

func (m RouteMetrics) Clone() RouteMetrics {
	if m.FailureReasons != nil {
		reasons := make(map[string]int, len(m.FailureReasons))
		for k, v := range m.FailureReasons {
			reasons[k] = v
		}
		m.FailureReasons = reasons
	}
	return m
}

type RouteOutcome struct {
	Success           bool
	SettlementSeconds float64
	FailureReason     string
}

// RouteStatus is a handler's view of a payment on its route.
type RouteStatus string

const (
	RouteStatusPending   RouteStatus = "pending"
	RouteStatusCompleted RouteStatus = "completed"
	RouteStatusFailed    RouteStatus = "failed"
)

type RouteCriteria struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency FiatCurrency     `json:"currency,omitempty"`
	Country  string           `json:"country,omitempty"`
}

type RouteAvailability struct {
	Route                   *PaymentRoute `json:"route"`
	Available               bool          `json:"available"`
	EstimatedFee            float64       `json:"estimated_fee"`
	EstimatedSettlementTime float64       `json:"estimated_settlement_time"`
}

type RouteStatisticMetrics struct {
	SuccessRate       string    `json:"success_rate"`
	AvgSettlementTime string    `json:"avg_settlement_time"`
	TotalVolume       int64     `json:"total_volume"`
	LastUpdated       time.Time `json:"last_updated"`
}

type RouteStatistic struct {
	RouteID  string                `json:"route_id"`
	Type     RouteType             `json:"type"`
	Provider string                `json:"provider"`
	Metrics  RouteStatisticMetrics `json:"metrics"`
	Status   string                `json:"status"`
}

type RouteValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type RouteAlternative struct {
	Route  *PaymentRoute `json:"route"`
	Reason string        `json:"reason"`
}

type RouteRecommendation struct {
	Route        *PaymentRoute      `json:"route"`
	Reason       string             `json:"reason"`
	Alternatives []RouteAlternative `json:"alternatives"`
}
