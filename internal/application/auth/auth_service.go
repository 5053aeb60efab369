package authservice

import (
	"context"

	"github.com/tuncanbit/cpg/internal/domain"
)

const (
	ScopePayments = "payments"
	ScopeAdmin    = "admin"
)

type IAuthService interface {
	VerifyToken(ctx context.Context, tokenString string) (*domain.MerchantClaim, error)
	GenerateToken(ctx context.Context, merchantID string, scopes ...string) (string, error)
	VerifyAPIKey(ctx context.Context, apiKey string) (*domain.MerchantClaim, error)
}
