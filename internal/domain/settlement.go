package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementFees struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	NetworkFee  decimal.Decimal `json:"network_fee"`
	RouteFee    decimal.Decimal `json:"route_fee"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
}

// Settlement is the transfer of converted value to the merchant wallet.
type Settlement struct {
	ID                    string           `json:"id"`
	PaymentID             string           `json:"payment_id"`
	MerchantID            string           `json:"merchant_id"`
	RouteID               string           `json:"route_id"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency"`
	WalletAddress         string           `json:"wallet_address"`
	TxHash                string           `json:"tx_hash,omitempty"`
	Status                SettlementStatus `json:"status"`
	Fees                  SettlementFees   `json:"fees"`
	Confirmations         int              `json:"confirmations"`
	RequiredConfirmations int              `json:"required_confirmations"`
	CreatedAt             time.Time        `json:"created_at"`
	SettledAt             *time.Time       `json:"settled_at,omitempty"`
}
