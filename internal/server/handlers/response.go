package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tuncanbit/cpg/internal/domain"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, domain.ApiResponse{
		Message: message,
		Success: true,
		Status:  status,
		Data:    data,
	})
}

func respondError(c *gin.Context, err error) {
	status, message := classify(err)

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	resp := domain.ApiResponse{
		Message: message,
		Success: false,
		Status:  status,
	}
	// server-side failures are logged by the access log, never returned
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	} else {
		resp.Error = err.Error()
	}
	c.JSON(status, resp)
}

func classify(err error) (int, string) {
	var (
		validation *domain.ValidationError
		notFound   *domain.NotFoundError
		fraud      *domain.FraudRejectedError
		rateLimit  *domain.RateLimitError
		external   *domain.ExternalServiceError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, domain.ErrNoEligibleRoutes):
		return http.StatusBadRequest, "No eligible payment routes"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "Not found"
	case errors.As(err, &fraud):
		return http.StatusForbidden, "Payment rejected"
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.Is(err, domain.ErrCannotCancelCompleted),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrPaymentTerminal):
		return http.StatusConflict, "Payment state conflict"
	case errors.Is(err, domain.ErrProcessorStopped):
		return http.StatusServiceUnavailable, "Payment processor unavailable"
	case errors.Is(err, domain.ErrRoutesExhausted):
		return http.StatusBadGateway, "All payment routes failed"
	case errors.As(err, &external):
		if external.Retryable {
			return http.StatusServiceUnavailable, "Upstream service unavailable"
		}
		return http.StatusBadGateway, "Upstream service error"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, domain.ApiResponse{
		Message: "Invalid request",
		Success: false,
		Status:  http.StatusBadRequest,
		Error:   reason,
	})
}
