package paymentrepo

import (
	"context"

	"github.com/tuncanbit/cpg/internal/domain"
)

type IPaymentRepository interface {
	SavePayment(ctx context.Context, payment *domain.Payment, instructions *domain.PaymentInstructions) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, *domain.PaymentInstructions, error)
	SaveSettlement(ctx context.Context, settlement *domain.Settlement) error
	GetSettlement(ctx context.Context, id string) (*domain.Settlement, error)
	AppendAudit(ctx context.Context, paymentID string, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, paymentID string) ([]domain.AuditEntry, error)
}
