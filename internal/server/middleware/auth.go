package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tuncanbit/cpg/internal/domain"
)

const (
	ClaimsKey     = "claims"
	MerchantIDKey = "merchant_id"
)

// AuthMiddleware accepts an X-API-Key header or a Bearer JWT. Websocket
// clients that cannot set headers may pass api_key or token as query
// parameters.
func (m *Middleware) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			claims *domain.MerchantClaim
			err    error
		)

		apiKey := c.GetHeader("X-API-Key")
		authHeader := c.GetHeader("Authorization")

		switch {
		case apiKey != "":
			claims, err = m.AuthSvc.VerifyAPIKey(c.Request.Context(), apiKey)
		case authHeader != "":
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				m.logger.Warn().Msg("Invalid Authorization header format")
				unauthorized(c, "Invalid Authorization header format, expected 'Bearer <token>'")
				return
			}
			claims, err = m.AuthSvc.VerifyToken(c.Request.Context(), parts[1])
		case c.Query("api_key") != "":
			claims, err = m.AuthSvc.VerifyAPIKey(c.Request.Context(), c.Query("api_key"))
		case c.Query("token") != "":
			claims, err = m.AuthSvc.VerifyToken(c.Request.Context(), c.Query("token"))
		default:
			unauthorized(c, "API key or bearer token required")
			return
		}

		if err != nil {
			m.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Authentication failed")
			unauthorized(c, err.Error())
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(MerchantIDKey, claims.MerchantID)
		c.Next()
	}
}

// RequireMerchant rejects principals that are not bound to a merchant.
func (m *Middleware) RequireMerchant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(MerchantIDKey) == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, domain.ApiResponse{
				Message: "Merchant credentials required",
				Status:  http.StatusForbidden,
				Error:   "forbidden",
			})
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, domain.ApiResponse{
		Message: "Unauthorized",
		Status:  http.StatusUnauthorized,
		Error:   reason,
	})
}
