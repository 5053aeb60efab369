package paymentservice

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuncanbit/cpg/internal/domain"
)

// paymentContext owns one payment. Every mutation of the payment, including
// its failed-route history, happens under mu.
type paymentContext struct {
	mu sync.Mutex

	payment        *domain.Payment
	instructions   *domain.PaymentInstructions
	settlement     *domain.Settlement
	retryCount     int
	startedAt      time.Time
	routeStartedAt time.Time
	lastCheckedAt  *time.Time
	webhookStatus  domain.WebhookStatus
	audit          []domain.AuditEntry

	// set while a monitor check for this payment is in flight
	checking bool

	// listener deliveries of this payment's events not yet handled
	pending atomic.Int64
}

func newPaymentContext(payment *domain.Payment, instructions *domain.PaymentInstructions, now time.Time) *paymentContext {
	return &paymentContext{
		payment:        payment,
		instructions:   instructions,
		startedAt:      now,
		routeStartedAt: now,
		webhookStatus:  domain.WebhookStatusPending,
	}
}

func (pc *paymentContext) record(action string, details map[string]any, now time.Time) {
	entry := domain.AuditEntry{
		Action:    action,
		Status:    pc.payment.Status,
		Details:   details,
		Timestamp: now,
	}
	if pc.payment.Route != nil {
		entry.RouteID = pc.payment.Route.ID
	}
	pc.audit = append(pc.audit, entry)
}

// transition moves the payment to next when the state machine allows it.
func (pc *paymentContext) transition(next domain.PaymentStatus, now time.Time) bool {
	if !pc.payment.Status.CanTransitionTo(next) {
		return false
	}
	pc.payment.Status = next
	pc.payment.UpdatedAt = now
	return true
}

func (pc *paymentContext) view() *domain.PaymentContextView {
	v := &domain.PaymentContextView{
		Route:          pc.payment.Route.Clone(),
		RetryCount:     pc.retryCount,
		StartedAt:      pc.startedAt,
		RouteStartedAt: pc.routeStartedAt,
		WebhookStatus:  pc.webhookStatus,
		AuditTrail:     slices.Clone(pc.audit),
	}
	if pc.lastCheckedAt != nil {
		t := *pc.lastCheckedAt
		v.LastCheckedAt = &t
	}
	if pc.payment.CompletedAt != nil {
		t := *pc.payment.CompletedAt
		v.CompletedAt = &t
	}
	v.SettlementStatus = pc.payment.SettlementStatus
	return v
}

func cloneInstructions(in *domain.PaymentInstructions) *domain.PaymentInstructions {
	if in == nil {
		return nil
	}
	c := *in
	c.Details = slices.Clone(in.Details)
	return &c
}

func cloneSettlement(s *domain.Settlement) *domain.Settlement {
	if s == nil {
		return nil
	}
	c := *s
	if s.SettledAt != nil {
		t := *s.SettledAt
		c.SettledAt = &t
	}
	return &c
}
