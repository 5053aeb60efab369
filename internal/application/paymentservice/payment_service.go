package paymentservice

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/routehandlers"
)

type IPaymentService interface {
	Start(ctx context.Context)
	CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.CreatePaymentResult, error)
	CheckPaymentStatus(ctx context.Context, id string) (*domain.PaymentStatusView, error)
	CancelPayment(ctx context.Context, id, reason string) (bool, error)
	ProcessRefund(ctx context.Context, id string, amount *decimal.Decimal) (bool, error)
	GetPaymentDetails(ctx context.Context, id string) (*domain.PaymentDetails, error)
	GetProcessingStats(ctx context.Context) (*domain.ProcessingStats, error)
	Subscribe(name string, fn ListenerFunc, types ...domain.EventType)
	Shutdown(ctx context.Context) error
}

// HandlerSource resolves the route handler for a route type.
type HandlerSource interface {
	Get(t domain.RouteType) (routehandlers.Handler, error)
	Close() error
}

type WebhookSender interface {
	Deliver(ctx context.Context, endpoint string, event domain.Event) error
}

type MerchantDirectory interface {
	Merchant(id string) (domain.Merchant, bool)
	WalletAddress(merchantID, crypto string) (string, bool)
}

// Repository persists payments for lookups after they leave memory. A nil
// Repository keeps the processor purely in memory.
type Repository interface {
	SavePayment(ctx context.Context, payment *domain.Payment, instructions *domain.PaymentInstructions) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, *domain.PaymentInstructions, error)
	SaveSettlement(ctx context.Context, settlement *domain.Settlement) error
	GetSettlement(ctx context.Context, id string) (*domain.Settlement, error)
	AppendAudit(ctx context.Context, paymentID string, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, paymentID string) ([]domain.AuditEntry, error)
}
