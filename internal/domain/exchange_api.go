package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CoinGeckoSimplePrice is the /simple/price response: coin id -> fiat -> price.
type CoinGeckoSimplePrice map[string]map[string]float64

type ExchangeRate struct {
	CryptoCurrency string          `json:"crypto_currency"`
	FiatCurrency   string          `json:"fiat_currency"`
	Rate           decimal.Decimal `json:"rate"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

type Conversion struct {
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	FiatCurrency   string          `json:"fiat_currency"`
	CryptoAmount   decimal.Decimal `json:"crypto_amount"`
	CryptoCurrency string          `json:"crypto_currency"`
	Rate           decimal.Decimal `json:"rate"`
}
