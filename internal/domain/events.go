package domain

import "time"

type EventType string

const (
	EventPaymentCreated    EventType = "payment_created"
	EventPaymentProcessing EventType = "payment_processing"
	EventPaymentCompleted  EventType = "payment_completed"
	EventPaymentFailed     EventType = "payment_failed"
	EventPaymentExpired    EventType = "payment_expired"
	EventPaymentCancelled  EventType = "payment_cancelled"
	EventPaymentRefunded   EventType = "payment_refunded"
	EventRouteFailover     EventType = "route_failover"
	EventSettlementCreated EventType = "settlement_created"
	EventWebhookFailed     EventType = "webhook_failed"
)

// Event is a lifecycle notification. Payment is a snapshot taken when the
// event was raised and is never mutated afterwards.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	PaymentID  string         `json:"payment_id"`
	MerchantID string         `json:"merchant_id"`
	Payment    *Payment       `json:"payment,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
