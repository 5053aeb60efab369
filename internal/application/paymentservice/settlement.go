package paymentservice

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
)

// handleSettlement creates the merchant settlement for a completed payment.
func (s *paymentService) handleSettlement(ctx context.Context, event domain.Event) {
	s.mu.RLock()
	pc, ok := s.payments[event.PaymentID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	payment := pc.payment
	if payment.Status != domain.PaymentStatusCompleted || payment.SettlementID != "" {
		return
	}

	settlement, err := s.createSettlement(ctx, payment)
	if err != nil {
		payment.SettlementStatus = domain.SettlementStatusFailed
		pc.record("settlement_failed", map[string]any{"error": err.Error()}, s.now().UTC())
		s.logger.Error().Err(err).Str("payment_id", payment.ID).Msg("Failed to create settlement")
		return
	}
	if settlement == nil {
		return
	}

	pc.settlement = settlement
	payment.SettlementID = settlement.ID
	payment.SettlementStatus = settlement.Status
	pc.record("settlement_created", map[string]any{"settlement_id": settlement.ID}, settlement.CreatedAt)

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("settlement_id", settlement.ID).
		Str("amount", settlement.Amount.String()).
		Str("currency", settlement.Currency).
		Msg("Settlement created")

	s.emit(domain.EventSettlementCreated, pc, map[string]any{
		"settlement": cloneSettlement(settlement),
	})
}

// createSettlement returns nil without error when the payment does not
// qualify for automatic settlement.
func (s *paymentService) createSettlement(ctx context.Context, payment *domain.Payment) (*domain.Settlement, error) {
	cfg := s.config.Settlement
	if !cfg.AutoSettlement() {
		return nil, nil
	}
	if payment.Amount.LessThan(decimal.NewFromFloat(cfg.MinSettlementAmount)) {
		s.logger.Debug().
			Str("payment_id", payment.ID).
			Float64("min_settlement_amount", cfg.MinSettlementAmount).
			Msg("Payment below settlement minimum")
		return nil, nil
	}

	crypto := payment.CryptoCurrency
	wallet := ""
	if s.merchants != nil {
		wallet, _ = s.merchants.WalletAddress(payment.MerchantID, crypto)
	}
	if wallet == "" {
		return nil, domain.NewValidationError("wallet", fmt.Sprintf("merchant %s has no %s wallet configured", payment.MerchantID, crypto))
	}

	routeFee := decimal.Zero
	if route := payment.Route; route != nil {
		if handler, err := s.handlers.Get(route.Type); err == nil {
			routeFee = handler.EstimateFee(route, payment.Amount)
		}
	}
	platformFee := s.currency.RoundFiat(s.currency.PercentageFee(payment.Amount, cfg.PlatformFeePercentage, 0))
	total := routeFee.Add(platformFee)

	net := payment.Amount.Sub(total)
	if !net.IsPositive() {
		return nil, fmt.Errorf("fees of %s consume the payment amount", total.String())
	}

	var conv domain.Conversion
	err := s.withRetry(ctx, "settlement_price", func(callCtx context.Context) error {
		var err error
		conv, err = s.prices.ConvertFiatToCrypto(callCtx, net, string(payment.Currency), crypto)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to price settlement: %w", err)
	}

	settlement := &domain.Settlement{
		ID:            s.newID(),
		PaymentID:     payment.ID,
		MerchantID:    payment.MerchantID,
		Amount:        conv.CryptoAmount,
		Currency:      conv.CryptoCurrency,
		WalletAddress: wallet,
		Status:        domain.SettlementStatusPending,
		Fees: domain.SettlementFees{
			PlatformFee: platformFee,
			NetworkFee:  decimal.Zero,
			RouteFee:    routeFee,
			Total:       total,
			Currency:    string(payment.Currency),
		},
		RequiredConfirmations: cfg.RequiredConfirmations,
		CreatedAt:             s.now().UTC(),
	}
	if payment.Route != nil {
		settlement.RouteID = payment.Route.ID
	}
	return settlement, nil
}
