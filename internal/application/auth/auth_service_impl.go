package authservice

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownMerchant = errors.New("unknown merchant")
)

type AuthService struct {
	config *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewAuthService(config *config.Config, logger zerolog.Logger) *AuthService {
	return &AuthService{
		config: config,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

func (s *AuthService) VerifyToken(ctx context.Context, tokenString string) (*domain.MerchantClaim, error) {
	jwtSecret := s.config.JWT.Secret
	if jwtSecret == "" {
		s.logger.Error().Msg("JWT secret not configured")
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &domain.MerchantClaim{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse token")
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*domain.MerchantClaim)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.ExpiresAt < s.now().Unix() {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if claims.Issuer != domain.TokenIssuer {
		s.logger.Warn().Str("issuer", claims.Issuer).Msg("Token with foreign issuer")
		return nil, fmt.Errorf("%w: invalid issuer", ErrInvalidToken)
	}
	if claims.MerchantID != "" {
		if _, ok := s.config.Merchant(claims.MerchantID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMerchant, claims.MerchantID)
		}
	}

	return claims, nil
}

// GenerateToken issues a merchant token valid for the configured expiry.
func (s *AuthService) GenerateToken(ctx context.Context, merchantID string, scopes ...string) (string, error) {
	jwtSecret := s.config.JWT.Secret
	if jwtSecret == "" {
		s.logger.Error().Msg("JWT secret not configured")
		return "", fmt.Errorf("JWT secret not configured")
	}
	if _, ok := s.config.Merchant(merchantID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMerchant, merchantID)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopePayments}
	}

	now := s.now()
	claim := &domain.MerchantClaim{
		MerchantID: merchantID,
		Scopes:     scopes,
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			ExpiresAt: now.Add(s.config.JWT.Expiry).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    domain.TokenIssuer,
			Subject:   merchantID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	tokenString, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", merchantID).Msg("Failed to sign token")
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyAPIKey resolves a merchant API key, or the platform key which carries
// the admin scope and no merchant.
func (s *AuthService) VerifyAPIKey(ctx context.Context, apiKey string) (*domain.MerchantClaim, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	for _, m := range s.config.Merchants {
		if m.APIKey != "" && subtle.ConstantTimeCompare([]byte(m.APIKey), []byte(apiKey)) == 1 {
			return &domain.MerchantClaim{MerchantID: m.ID, Scopes: []string{ScopePayments}}, nil
		}
	}
	if platform := s.config.Security.APIKey; platform != "" && subtle.ConstantTimeCompare([]byte(platform), []byte(apiKey)) == 1 {
		return &domain.MerchantClaim{Scopes: []string{ScopeAdmin}}, nil
	}

	return nil, ErrInvalidAPIKey
}
