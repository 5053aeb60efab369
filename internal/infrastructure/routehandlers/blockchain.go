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

const methodBlockchainTransfer = "blockchain_transfer"

type BlockchainHandler struct {
	*base
	wallets WalletDirectory
}

type depositWatch struct {
	Reference string `json:"reference"`
	Network   string `json:"network"`
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	ExpiresAt string `json:"expires_at"`
}

type depositStatus struct {
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
	TxHash        string `json:"tx_hash"`
}

type blockchainDetails struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Memo    string `json:"memo"`
	Crypto  string `json:"currency"`
	QRCode  string `json:"qr_code"`
}

func NewBlockchainHandler(cfg config.ProviderConfig, prices PriceSource, wallets WalletDirectory, logger zerolog.Logger) *BlockchainHandler {
	return &BlockchainHandler{
		base:    newBase(domain.RouteTypeBlockchain, cfg, prices, logger),
		wallets: wallets,
	}
}

// CreatePayment asks the customer to pay straight into the merchant's wallet
// and registers a deposit watch with the chain indexer.
func (h *BlockchainHandler) CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	conv, err := h.convert(ctx, payment, route)
	if err != nil {
		return nil, err
	}

	address, ok := h.wallets.WalletAddress(payment.MerchantID, conv.CryptoCurrency)
	if !ok {
		return nil, domain.NewValidationError("wallet",
			fmt.Sprintf("merchant %s has no %s wallet configured", payment.MerchantID, conv.CryptoCurrency))
	}

	network := route.Provider
	expiresAt := h.expiry()
	amount := conv.CryptoAmount.String()

	watch := depositWatch{
		Reference: payment.ID,
		Network:   network,
		Address:   address,
		Amount:    amount,
		Currency:  conv.CryptoCurrency,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	}
	if err := h.post(ctx, "/v1/"+url.PathEscape(network)+"/deposits", watch, nil); err != nil {
		return nil, fmt.Errorf("failed to register deposit watch: %w", err)
	}

	qr := paymentURI(conv.CryptoCurrency, address, amount)
	h.logger.Info().
		Str("payment_id", payment.ID).
		Str("network", network).
		Str("crypto_amount", amount).
		Msg("Blockchain payment instructions created")

	return &domain.PaymentInstructions{
		Method: methodBlockchainTransfer,
		Details: marshalDetails(blockchainDetails{
			Network: network,
			Address: address,
			Amount:  amount,
			Memo:    "Payment " + payment.ID,
			Crypto:  conv.CryptoCurrency,
			QRCode:  qr,
		}),
		Reference: payment.ID,
		ExpiresAt: expiresAt,
		Amount:    payment.Amount,
		Currency:  string(payment.Currency),
		QRCode:    qr,
	}, nil
}

// CheckStatus completes once the deposit has the required confirmations.
func (h *BlockchainHandler) CheckStatus(ctx context.Context, route *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	var status depositStatus
	endpoint := "/v1/" + url.PathEscape(route.Provider) + "/deposits/" + url.PathEscape(reference)
	if err := h.get(ctx, endpoint, &status); err != nil {
		return domain.RouteStatusPending, err
	}

	switch strings.ToLower(status.Status) {
	case "failed", "expired", "reverted":
		return domain.RouteStatusFailed, nil
	}
	if status.TxHash != "" && status.Confirmations >= h.cfg.RequiredConfirmations {
		return domain.RouteStatusCompleted, nil
	}
	return domain.RouteStatusPending, nil
}

// paymentURI builds the wallet deep link shown as a QR code.
func paymentURI(crypto, address, amount string) string {
	switch strings.ToUpper(crypto) {
	case "BTC":
		return fmt.Sprintf("bitcoin:%s?amount=%s", address, amount)
	case "ETH":
		return fmt.Sprintf("ethereum:%s?value=%s", address, amount)
	case "USDT", "USDC", "DAI":
		return fmt.Sprintf("ethereum:%s?value=%s&symbol=%s", address, amount, strings.ToUpper(crypto))
	default:
		return fmt.Sprintf("%s:%s?amount=%s", strings.ToLower(crypto), address, amount)
	}
}
