package routehandlers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

const methodSelfHostedCheckout = "self_hosted_checkout"

// SelfHostedHandler creates invoices on a merchant-run payment server with a
// BTCPay-compatible API. Pricing happens on the server, so no conversion is
// done here.
type SelfHostedHandler struct {
	*base
}

type invoiceRequest struct {
	Amount   string          `json:"amount"`
	Currency string          `json:"currency"`
	Metadata invoiceMetadata `json:"metadata"`
	Checkout invoiceCheckout `json:"checkout"`
}

type invoiceMetadata struct {
	OrderID    string `json:"orderId"`
	MerchantID string `json:"merchantId"`
	BuyerEmail string `json:"buyerEmail,omitempty"`
}

type invoiceCheckout struct {
	PaymentMethods    []string `json:"paymentMethods,omitempty"`
	ExpirationMinutes int      `json:"expirationMinutes"`
}

type invoice struct {
	ID           string `json:"id"`
	CheckoutLink string `json:"checkoutLink"`
	Status       string `json:"status"`
}

type selfHostedDetails struct {
	InvoiceID    string `json:"invoice_id"`
	CheckoutLink string `json:"checkout_link"`
	Server       string `json:"server"`
}

func NewSelfHostedHandler(cfg config.ProviderConfig, prices PriceSource, logger zerolog.Logger) *SelfHostedHandler {
	return &SelfHostedHandler{base: newBase(domain.RouteTypeSelfHosted, cfg, prices, logger)}
}

func (h *SelfHostedHandler) CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	expiresAt := h.expiry()

	req := invoiceRequest{
		Amount:   payment.Amount.String(),
		Currency: string(payment.Currency),
		Metadata: invoiceMetadata{
			OrderID:    payment.ID,
			MerchantID: payment.MerchantID,
			BuyerEmail: payment.Customer.Email,
		},
		Checkout: invoiceCheckout{ExpirationMinutes: int(h.cfg.InstructionTTL.Minutes())},
	}
	if crypto := cryptoFor(payment, route); crypto != "" {
		req.Checkout.PaymentMethods = []string{crypto}
	}

	var inv invoice
	if err := h.post(ctx, "/v1/invoices", req, &inv); err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, domain.NewExternalServiceError("selfhosted provider", false, fmt.Errorf("invoice for %s returned no id", payment.ID))
	}

	h.logger.Info().
		Str("payment_id", payment.ID).
		Str("invoice_id", inv.ID).
		Msg("Self-hosted invoice created")

	return &domain.PaymentInstructions{
		Method: methodSelfHostedCheckout,
		Details: marshalDetails(selfHostedDetails{
			InvoiceID:    inv.ID,
			CheckoutLink: inv.CheckoutLink,
			Server:       route.Provider,
		}),
		Reference: inv.ID,
		ExpiresAt: expiresAt,
		Amount:    payment.Amount,
		Currency:  string(payment.Currency),
		QRCode:    inv.CheckoutLink,
	}, nil
}

func (h *SelfHostedHandler) CheckStatus(ctx context.Context, _ *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	var inv invoice
	if err := h.get(ctx, "/v1/invoices/"+url.PathEscape(reference), &inv); err != nil {
		return domain.RouteStatusPending, err
	}

	switch inv.Status {
	case "Settled", "Complete", "Confirmed":
		return domain.RouteStatusCompleted, nil
	case "Expired", "Invalid":
		return domain.RouteStatusFailed, nil
	default:
		return domain.RouteStatusPending, nil
	}
}
