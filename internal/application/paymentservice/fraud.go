package paymentservice

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	PatternRapidSuccession = "rapid_succession"
	PatternHighAmount      = "high_amount"
	PatternMultipleIPs     = "multiple_ips"

	fraudKeyPrefix = "fraud:"

	rapidSuccessionWindow = time.Minute
	rapidSuccessionLimit  = 3
	multipleIPsLimit      = 3
	highAmountRatio       = 0.9
)

// FraudScreen rejects payments from customers whose recent activity trips a
// configured rule. Customers are identified by e-mail address.
type FraudScreen struct {
	store cache.Store
	cfg   config.FraudConfig
}

func NewFraudScreen(store cache.Store, cfg config.FraudConfig) *FraudScreen {
	return &FraudScreen{store: store, cfg: cfg}
}

func (f *FraudScreen) enabled(pattern string) bool {
	return slices.Contains(f.cfg.SuspiciousPatterns, pattern)
}

// Screen records the attempt and returns a FraudRejectedError listing every
// rule that tripped.
func (f *FraudScreen) Screen(ctx context.Context, payment *domain.Payment) error {
	if f.cfg.Disabled {
		return nil
	}

	customer := strings.ToLower(strings.TrimSpace(payment.Customer.Email))
	maxAmount := decimal.NewFromFloat(f.cfg.MaxAmountPerCustomer)
	var reasons []string

	if f.cfg.MaxAmountPerCustomer > 0 && payment.Amount.GreaterThan(maxAmount) {
		reasons = append(reasons, fmt.Sprintf("amount exceeds customer limit of %s", maxAmount.String()))
	}

	count, err := f.store.Incr(ctx, fraudKeyPrefix+"count:"+customer, f.cfg.Window)
	if err != nil {
		return domain.NewExternalServiceError("fraud store", true, err)
	}
	if f.cfg.MaxPaymentsPerCustomer > 0 && count > f.cfg.MaxPaymentsPerCustomer {
		reasons = append(reasons, fmt.Sprintf("customer exceeded %d payments per %s", f.cfg.MaxPaymentsPerCustomer, f.cfg.Window))
	}

	if f.enabled(PatternRapidSuccession) {
		recent, err := f.store.Incr(ctx, fraudKeyPrefix+"rapid:"+customer, rapidSuccessionWindow)
		if err != nil {
			return domain.NewExternalServiceError("fraud store", true, err)
		}
		if recent > rapidSuccessionLimit {
			reasons = append(reasons, PatternRapidSuccession)
		}
	}

	if f.enabled(PatternHighAmount) && f.cfg.MaxAmountPerCustomer > 0 && count == 1 {
		threshold := maxAmount.Mul(decimal.NewFromFloat(highAmountRatio))
		if payment.Amount.GreaterThanOrEqual(threshold) {
			reasons = append(reasons, PatternHighAmount)
		}
	}

	if f.enabled(PatternMultipleIPs) && payment.Customer.IPAddress != "" {
		ips, err := f.store.AddToSet(ctx, fraudKeyPrefix+"ips:"+customer, payment.Customer.IPAddress, f.cfg.Window)
		if err != nil {
			return domain.NewExternalServiceError("fraud store", true, err)
		}
		if ips > multipleIPsLimit {
			reasons = append(reasons, PatternMultipleIPs)
		}
	}

	if len(reasons) > 0 {
		return &domain.FraudRejectedError{Reasons: reasons}
	}
	return nil
}
