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

const methodGiftCardPurchase = "giftcard_purchase"

// GiftCardHandler settles through a gift card merchant that accepts crypto:
// the order is paid on the vendor's checkout page.
type GiftCardHandler struct {
	*base
}

type giftCardOrder struct {
	Vendor         string `json:"vendor"`
	Reference      string `json:"reference"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	PaymentMethod  string `json:"payment_method"`
	CryptoAmount   string `json:"crypto_amount"`
	RecipientEmail string `json:"recipient_email"`
	ExpiresAt      string `json:"expires_at"`
}

type giftCardOrderResponse struct {
	OrderID    string `json:"order_id"`
	PaymentURI string `json:"payment_uri"`
	Address    string `json:"address"`
}

type giftCardOrderStatus struct {
	Status string `json:"status"`
}

type giftCardDetails struct {
	Vendor       string `json:"vendor"`
	OrderID      string `json:"order_id"`
	PaymentURI   string `json:"payment_uri"`
	Address      string `json:"address,omitempty"`
	CryptoAmount string `json:"crypto_amount"`
	Crypto       string `json:"crypto_currency"`
}

func NewGiftCardHandler(cfg config.ProviderConfig, prices PriceSource, logger zerolog.Logger) *GiftCardHandler {
	return &GiftCardHandler{base: newBase(domain.RouteTypeGiftCard, cfg, prices, logger)}
}

func (h *GiftCardHandler) CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	if payment.Customer.Email == "" {
		return nil, domain.NewValidationError("customer.email", "email is required to deliver a gift card")
	}

	conv, err := h.convert(ctx, payment, route)
	if err != nil {
		return nil, err
	}

	expiresAt := h.expiry()
	var order giftCardOrderResponse
	err = h.post(ctx, "/v1/orders", giftCardOrder{
		Vendor:         route.Provider,
		Reference:      payment.ID,
		Amount:         payment.Amount.String(),
		Currency:       string(payment.Currency),
		PaymentMethod:  strings.ToLower(conv.CryptoCurrency),
		CryptoAmount:   conv.CryptoAmount.String(),
		RecipientEmail: payment.Customer.Email,
		ExpiresAt:      expiresAt.Format(time.RFC3339),
	}, &order)
	if err != nil {
		return nil, fmt.Errorf("failed to place gift card order: %w", err)
	}
	if order.OrderID == "" {
		return nil, domain.NewExternalServiceError("giftcard provider", false, fmt.Errorf("order for %s returned no id", payment.ID))
	}

	h.logger.Info().
		Str("payment_id", payment.ID).
		Str("vendor", route.Provider).
		Str("order_id", order.OrderID).
		Msg("Gift card order placed")

	return &domain.PaymentInstructions{
		Method: methodGiftCardPurchase,
		Details: marshalDetails(giftCardDetails{
			Vendor:       route.Provider,
			OrderID:      order.OrderID,
			PaymentURI:   order.PaymentURI,
			Address:      order.Address,
			CryptoAmount: conv.CryptoAmount.String(),
			Crypto:       conv.CryptoCurrency,
		}),
		Reference: order.OrderID,
		ExpiresAt: expiresAt,
		Amount:    payment.Amount,
		Currency:  string(payment.Currency),
		QRCode:    order.PaymentURI,
	}, nil
}

func (h *GiftCardHandler) CheckStatus(ctx context.Context, _ *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	var status giftCardOrderStatus
	if err := h.get(ctx, "/v1/orders/"+url.PathEscape(reference), &status); err != nil {
		return domain.RouteStatusPending, err
	}

	switch strings.ToLower(status.Status) {
	case "paid", "delivered":
		return domain.RouteStatusCompleted, nil
	case "expired", "failed", "refunded":
		return domain.RouteStatusFailed, nil
	default:
		return domain.RouteStatusPending, nil
	}
}
