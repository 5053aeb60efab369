package paymentservice

import (
	"context"

	"github.com/tuncanbit/cpg/internal/domain"
)

func (s *paymentService) handleWebhook(ctx context.Context, event domain.Event) {
	if event.Payment == nil {
		return
	}
	endpoint := s.webhookEndpoint(event.Payment)
	if endpoint == "" {
		return
	}

	err := s.notifier.Deliver(ctx, endpoint, event)
	status := domain.WebhookStatusDelivered
	if err != nil {
		status = domain.WebhookStatusFailed
	}

	s.mu.RLock()
	pc, ok := s.payments[event.PaymentID]
	s.mu.RUnlock()
	if ok {
		pc.mu.Lock()
		pc.webhookStatus = status
		pc.mu.Unlock()
	}

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("payment_id", event.PaymentID).
			Str("event", string(event.Type)).
			Msg("Webhook delivery failed")

		s.bus.Publish(domain.Event{
			ID:         s.newID(),
			Type:       domain.EventWebhookFailed,
			PaymentID:  event.PaymentID,
			MerchantID: event.MerchantID,
			Data: map[string]any{
				"event":    string(event.Type),
				"event_id": event.ID,
				"error":    err.Error(),
			},
			OccurredAt: s.now().UTC(),
		})
	}
}

// handlePersistence writes payment snapshots, audit entries and settlements
// through to the repository. Failures are logged only.
func (s *paymentService) handlePersistence(ctx context.Context, event domain.Event) {
	log := s.logger.With().Str("payment_id", event.PaymentID).Str("event", string(event.Type)).Logger()

	if event.Payment != nil {
		instructions, _ := event.Data["instructions"].(*domain.PaymentInstructions)
		if err := s.repo.SavePayment(ctx, event.Payment, instructions); err != nil {
			log.Error().Err(err).Msg("Failed to persist payment")
		}
	}

	if settlement, ok := event.Data["settlement"].(*domain.Settlement); ok {
		if err := s.repo.SaveSettlement(ctx, settlement); err != nil {
			log.Error().Err(err).Msg("Failed to persist settlement")
		}
	}

	entry := domain.AuditEntry{
		Action:    string(event.Type),
		Details:   auditDetails(event.Data),
		Timestamp: event.OccurredAt,
	}
	if event.Payment != nil {
		entry.Status = event.Payment.Status
		if event.Payment.Route != nil {
			entry.RouteID = event.Payment.Route.ID
		}
	}
	if err := s.repo.AppendAudit(ctx, event.PaymentID, entry); err != nil {
		log.Error().Err(err).Msg("Failed to append audit entry")
	}
}

// auditDetails drops the bulky instruction and settlement snapshots.
func auditDetails(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "instructions" || k == "settlement" {
			continue
		}
		out[k] = v
	}
	return out
}
