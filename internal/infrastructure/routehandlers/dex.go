package routehandlers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

const methodDEXSwap = "dex_swap"

// DEXHandler quotes an on-ramp swap on a decentralised exchange with the
// merchant's wallet as recipient.
type DEXHandler struct {
	*base
	wallets WalletDirectory
}

type swapQuoteRequest struct {
	Exchange     string `json:"exchange"`
	Reference    string `json:"reference"`
	SellCurrency string `json:"sell_currency"`
	SellAmount   string `json:"sell_amount"`
	BuyCurrency  string `json:"buy_currency"`
	BuyAmount    string `json:"buy_amount"`
	Recipient    string `json:"recipient"`
	ExpiresAt    string `json:"expires_at"`
}

type swapQuote struct {
	QuoteID     string  `json:"quote_id"`
	SwapURL     string  `json:"swap_url"`
	PriceImpact float64 `json:"price_impact"`
}

type swapStatus struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
}

type dexDetails struct {
	Exchange    string  `json:"exchange"`
	QuoteID     string  `json:"quote_id"`
	SwapURL     string  `json:"swap_url"`
	BuyAmount   string  `json:"buy_amount"`
	BuyCurrency string  `json:"buy_currency"`
	Recipient   string  `json:"recipient"`
	PriceImpact float64 `json:"price_impact"`
}

func NewDEXHandler(cfg config.ProviderConfig, prices PriceSource, wallets WalletDirectory, logger zerolog.Logger) *DEXHandler {
	return &DEXHandler{
		base:    newBase(domain.RouteTypeDEX, cfg, prices, logger),
		wallets: wallets,
	}
}

func (h *DEXHandler) CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	conv, err := h.convert(ctx, payment, route)
	if err != nil {
		return nil, err
	}

	recipient, ok := h.wallets.WalletAddress(payment.MerchantID, conv.CryptoCurrency)
	if !ok {
		return nil, domain.NewValidationError("wallet",
			fmt.Sprintf("merchant %s has no %s wallet configured", payment.MerchantID, conv.CryptoCurrency))
	}

	expiresAt := h.expiry()
	var quote swapQuote
	err = h.post(ctx, "/v1/quotes", swapQuoteRequest{
		Exchange:     route.Provider,
		Reference:    payment.ID,
		SellCurrency: string(payment.Currency),
		SellAmount:   payment.Amount.String(),
		BuyCurrency:  conv.CryptoCurrency,
		BuyAmount:    conv.CryptoAmount.String(),
		Recipient:    recipient,
		ExpiresAt:    expiresAt.Format(time.RFC3339),
	}, &quote)
	if err != nil {
		return nil, fmt.Errorf("failed to request swap quote: %w", err)
	}
	if quote.QuoteID == "" {
		return nil, domain.NewExternalServiceError("dex provider", false, fmt.Errorf("quote for %s returned no id", payment.ID))
	}

	h.logger.Info().
		Str("payment_id", payment.ID).
		Str("exchange", route.Provider).
		Str("quote_id", quote.QuoteID).
		Float64("price_impact", quote.PriceImpact).
		Msg("Swap quote created")

	return &domain.PaymentInstructions{
		Method: methodDEXSwap,
		Details: marshalDetails(dexDetails{
			Exchange:    route.Provider,
			QuoteID:     quote.QuoteID,
			SwapURL:     quote.SwapURL,
			BuyAmount:   conv.CryptoAmount.String(),
			BuyCurrency: conv.CryptoCurrency,
			Recipient:   recipient,
			PriceImpact: quote.PriceImpact,
		}),
		Reference: quote.QuoteID,
		ExpiresAt: expiresAt,
		Amount:    payment.Amount,
		Currency:  string(payment.Currency),
		QRCode:    quote.SwapURL,
	}, nil
}

func (h *DEXHandler) CheckStatus(ctx context.Context, _ *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	var status swapStatus
	if err := h.get(ctx, "/v1/swaps/"+url.PathEscape(reference), &status); err != nil {
		return domain.RouteStatusPending, err
	}

	switch strings.ToLower(status.Status) {
	case "executed", "completed":
		return domain.RouteStatusCompleted, nil
	case "failed", "expired", "reverted":
		return domain.RouteStatusFailed, nil
	default:
		return domain.RouteStatusPending, nil
	}
}
