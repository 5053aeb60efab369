package currency

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	FiatPlaces   = 2
	CryptoPlaces = 8
)

var hundred = decimal.NewFromInt(100)

type CurrencyUtils struct{}

func NewCurrencyUtils() *CurrencyUtils {
	return &CurrencyUtils{}
}

// RoundFiat applies banker's rounding to two decimal places.
func (u *CurrencyUtils) RoundFiat(value decimal.Decimal) decimal.Decimal {
	return value.RoundBank(FiatPlaces)
}

// RoundCrypto rounds away from zero at eight places so the quoted crypto
// amount never falls short of the fiat value.
func (u *CurrencyUtils) RoundCrypto(value decimal.Decimal) decimal.Decimal {
	return value.RoundUp(CryptoPlaces)
}

// FiatToCrypto converts a fiat amount at rate (fiat per one crypto unit).
func (u *CurrencyUtils) FiatToCrypto(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid exchange rate %s", rate)
	}
	return u.RoundCrypto(amount.Div(rate)), nil
}

// PercentageFee returns amount*percentage/100 + fixed.
func (u *CurrencyUtils) PercentageFee(amount decimal.Decimal, percentage, fixed float64) decimal.Decimal {
	fee := amount.Mul(decimal.NewFromFloat(percentage)).Div(hundred)
	return fee.Add(decimal.NewFromFloat(fixed))
}

// ToMinorUnits converts a fiat amount to integer cents using banker's rounding.
func (u *CurrencyUtils) ToMinorUnits(amount decimal.Decimal) int64 {
	return u.RoundFiat(amount).Mul(hundred).IntPart()
}

func (u *CurrencyUtils) Format(amount decimal.Decimal, code string) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(FiatPlaces), code)
}
