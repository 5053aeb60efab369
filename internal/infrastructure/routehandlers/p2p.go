package routehandlers

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	methodP2PTrade      = "p2p_trade"
	p2pTradeWindow      = 15 * time.Minute
	p2pReferenceLength  = 10
	p2pDefaultBankLabel = "bank_transfer"
)

// TradeState is the lifecycle of an escrowed peer-to-peer trade.
type TradeState string

const (
	TradeCreated         TradeState = "created"
	TradePaymentPending  TradeState = "payment_pending"
	TradePaymentReceived TradeState = "payment_received"
	TradeEscrowLocked    TradeState = "escrow_locked"
	TradeReleased        TradeState = "released"
	TradeCancelled       TradeState = "cancelled"
	TradeDisputed        TradeState = "disputed"
)

var tradeTransitions = map[TradeState][]TradeState{
	TradeCreated:         {TradePaymentPending, TradeCancelled},
	TradePaymentPending:  {TradePaymentReceived, TradeCancelled, TradeDisputed},
	TradePaymentReceived: {TradeEscrowLocked, TradeDisputed},
	TradeEscrowLocked:    {TradeReleased, TradeDisputed},
	TradeDisputed:        {TradeReleased, TradeCancelled},
}

func (s TradeState) CanTransitionTo(next TradeState) bool {
	return slices.Contains(tradeTransitions[s], next)
}

// CanReach reports whether next follows s through zero or more transitions.
// Polling may skip intermediate states.
func (s TradeState) CanReach(next TradeState) bool {
	seen := map[TradeState]bool{s: true}
	queue := []TradeState{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == next {
			return true
		}
		for _, n := range tradeTransitions[cur] {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// P2PHandler opens an escrowed trade on a peer-to-peer marketplace. The buyer
// pays the seller in fiat and the marketplace releases crypto once the seller
// confirms receipt.
type P2PHandler struct {
	*base

	// last observed state per trade reference
	states sync.Map
}

type tradeRequest struct {
	Marketplace    string `json:"marketplace"`
	Reference      string `json:"reference"`
	PaymentID      string `json:"payment_id"`
	FiatAmount     string `json:"fiat_amount"`
	FiatCurrency   string `json:"fiat_currency"`
	CryptoAmount   string `json:"crypto_amount"`
	CryptoCurrency string `json:"crypto_currency"`
	PaymentMethod  string `json:"payment_method"`
	BuyerEmail     string `json:"buyer_email"`
	BuyerPhone     string `json:"buyer_phone"`
	ExpiresAt      string `json:"expires_at"`
}

type tradeResponse struct {
	TradeID     string `json:"trade_id"`
	TradeURL    string `json:"trade_url"`
	SellerName  string `json:"seller_name"`
	BankDetails string `json:"bank_details"`
}

type tradeStatus struct {
	State string `json:"state"`
}

type p2pDetails struct {
	Marketplace   string `json:"marketplace"`
	TradeID       string `json:"trade_id"`
	TradeURL      string `json:"trade_url"`
	PaymentCode   string `json:"payment_code"`
	PaymentMethod string `json:"payment_method"`
	Seller        string `json:"seller,omitempty"`
	BankDetails   string `json:"bank_details,omitempty"`
	CryptoAmount  string `json:"crypto_amount"`
	Crypto        string `json:"crypto_currency"`
}

func NewP2PHandler(cfg config.ProviderConfig, prices PriceSource, logger zerolog.Logger) *P2PHandler {
	if cfg.InstructionTTL <= 0 {
		cfg.InstructionTTL = p2pTradeWindow
	}
	return &P2PHandler{base: newBase(domain.RouteTypeP2P, cfg, prices, logger)}
}

func (h *P2PHandler) CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	if strings.TrimSpace(payment.Customer.Phone) == "" {
		return nil, domain.NewValidationError("customer.phone", "phone number is required for peer-to-peer trades")
	}

	conv, err := h.convert(ctx, payment, route)
	if err != nil {
		return nil, err
	}

	code := TradeReference(payment.ID)
	method := p2pPaymentMethod(payment)
	expiresAt := h.expiry()

	var trade tradeResponse
	err = h.post(ctx, "/v1/trades", tradeRequest{
		Marketplace:    route.Provider,
		Reference:      code,
		PaymentID:      payment.ID,
		FiatAmount:     payment.Amount.String(),
		FiatCurrency:   string(payment.Currency),
		CryptoAmount:   conv.CryptoAmount.String(),
		CryptoCurrency: conv.CryptoCurrency,
		PaymentMethod:  method,
		BuyerEmail:     payment.Customer.Email,
		BuyerPhone:     payment.Customer.Phone,
		ExpiresAt:      expiresAt.Format(time.RFC3339),
	}, &trade)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade: %w", err)
	}
	h.states.Store(code, TradeCreated)

	h.logger.Info().
		Str("payment_id", payment.ID).
		Str("marketplace", route.Provider).
		Str("trade_id", trade.TradeID).
		Str("payment_method", method).
		Msg("P2P trade opened")

	return &domain.PaymentInstructions{
		Method: methodP2PTrade,
		Details: marshalDetails(p2pDetails{
			Marketplace:   route.Provider,
			TradeID:       trade.TradeID,
			TradeURL:      trade.TradeURL,
			PaymentCode:   code,
			PaymentMethod: method,
			Seller:        trade.SellerName,
			BankDetails:   trade.BankDetails,
			CryptoAmount:  conv.CryptoAmount.String(),
			Crypto:        conv.CryptoCurrency,
		}),
		Reference: code,
		ExpiresAt: expiresAt,
		Amount:    payment.Amount,
		Currency:  string(payment.Currency),
		QRCode:    trade.TradeURL,
	}, nil
}

// CheckStatus follows the trade through escrow. A state that cannot follow
// the last one seen is logged and reported as pending.
func (h *P2PHandler) CheckStatus(ctx context.Context, _ *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	var status tradeStatus
	if err := h.get(ctx, "/v1/trades/by-reference/"+url.PathEscape(reference), &status); err != nil {
		return domain.RouteStatusPending, err
	}

	next := TradeState(strings.ToLower(status.State))
	prev := TradeCreated
	if v, ok := h.states.Load(reference); ok {
		prev = v.(TradeState)
	}
	if !prev.CanReach(next) {
		h.logger.Warn().
			Str("reference", reference).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("Ignoring invalid trade state transition")
		return domain.RouteStatusPending, nil
	}
	h.states.Store(reference, next)

	switch next {
	case TradeReleased:
		h.states.Delete(reference)
		return domain.RouteStatusCompleted, nil
	case TradeCancelled, TradeDisputed:
		return domain.RouteStatusFailed, nil
	default:
		return domain.RouteStatusPending, nil
	}
}

// Cancel withdraws the trade so the seller's escrow is released.
func (h *P2PHandler) Cancel(ctx context.Context, _ *domain.PaymentRoute, reference string) error {
	if err := h.post(ctx, "/v1/trades/"+url.PathEscape(reference)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel trade %s: %w", reference, err)
	}
	h.states.Delete(reference)
	return nil
}

// TradeReference derives the short code the buyer quotes in their bank
// transfer description.
func TradeReference(paymentID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(paymentID) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			if b.Len() == p2pReferenceLength {
				break
			}
		}
	}
	return b.String()
}

func p2pPaymentMethod(payment *domain.Payment) string {
	preferred := strings.ToLower(payment.MetadataString(domain.MetadataPaymentMethod))
	switch payment.Currency {
	case domain.CurrencyAUD:
		if preferred == "payid" {
			return "payid"
		}
		return "bank_transfer_australia"
	case domain.CurrencyUSD:
		return "bank_transfer_usa"
	default:
		return p2pDefaultBankLabel
	}
}
