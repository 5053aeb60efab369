package authservice

import (
	"context"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	cfg := &config.Config{
		Security: config.SecurityConfig{APIKey: "platform_key"},
		JWT:      config.JWTConfig{Secret: "test-secret", Expiry: time.Hour},
		Merchants: []domain.Merchant{
			{ID: "merchant_1", APIKey: "key_1"},
			{ID: "merchant_2", APIKey: "key_2"},
		},
	}
	return NewAuthService(cfg, zerolog.Nop())
}

func TestGenerateAndVerifyToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.GenerateToken(ctx, "merchant_1")
	require.NoError(t, err)

	claims, err := svc.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "merchant_1", claims.MerchantID)
	assert.Equal(t, []string{ScopePayments}, claims.Scopes)
	assert.Equal(t, domain.TokenIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.Id)
}

func TestGenerateTokenUnknownMerchant(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GenerateToken(context.Background(), "merchant_9")
	assert.ErrorIs(t, err, ErrUnknownMerchant)
}

func TestVerifyTokenRejects(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sign := func(claims *domain.MerchantClaim, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() *domain.MerchantClaim {
		return &domain.MerchantClaim{
			MerchantID: "merchant_1",
			StandardClaims: jwt.StandardClaims{
				Issuer:    domain.TokenIssuer,
				ExpiresAt: time.Now().Add(time.Hour).Unix(),
			},
		}
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"garbage", func() string { return "not-a-token" }},
		{"wrong secret", func() string {
			return sign(valid(), jwt.SigningMethodHS256, []byte("other-secret"))
		}},
		{"expired", func() string {
			c := valid()
			c.ExpiresAt = time.Now().Add(-time.Minute).Unix()
			return sign(c, jwt.SigningMethodHS256, []byte("test-secret"))
		}},
		{"foreign issuer", func() string {
			c := valid()
			c.Issuer = "someone-else"
			return sign(c, jwt.SigningMethodHS256, []byte("test-secret"))
		}},
		{"unknown merchant", func() string {
			c := valid()
			c.MerchantID = "merchant_9"
			return sign(c, jwt.SigningMethodHS256, []byte("test-secret"))
		}},
		{"none algorithm", func() string {
			return sign(valid(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.VerifyToken(ctx, tt.token())
			assert.Error(t, err)
		})
	}
}

func TestVerifyTokenWithoutSecret(t *testing.T) {
	svc := newTestService(t)
	svc.config.JWT.Secret = ""

	_, err := svc.VerifyToken(context.Background(), "anything")
	assert.EqualError(t, err, "JWT secret not configured")
}

func TestVerifyAPIKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	claims, err := svc.VerifyAPIKey(ctx, "key_2")
	require.NoError(t, err)
	assert.Equal(t, "merchant_2", claims.MerchantID)
	assert.Equal(t, []string{ScopePayments}, claims.Scopes)

	claims, err = svc.VerifyAPIKey(ctx, "platform_key")
	require.NoError(t, err)
	assert.Empty(t, claims.MerchantID)
	assert.Equal(t, []string{ScopeAdmin}, claims.Scopes)

	_, err = svc.VerifyAPIKey(ctx, "wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = svc.VerifyAPIKey(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
