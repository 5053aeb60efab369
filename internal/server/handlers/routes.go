package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/server/middleware"
)

type RouteHandler struct {
	routes        RouteAdvisor
	defaultCrypto string
	logger        zerolog.Logger
}

func NewRouteHandler(routes RouteAdvisor, defaultCrypto string, logger zerolog.Logger) *RouteHandler {
	return &RouteHandler{
		routes:        routes,
		defaultCrypto: defaultCrypto,
		logger:        logger,
	}
}

// routeQuery describes a prospective payment for route queries.
type routeQuery struct {
	Amount         string `form:"amount" json:"amount"`
	Currency       string `form:"currency" json:"currency"`
	CryptoCurrency string `form:"crypto_currency" json:"crypto_currency"`
	Country        string `form:"country" json:"country"`
	PaymentMethod  string `form:"payment_method" json:"payment_method"`
}

func (q routeQuery) payment(c *gin.Context, defaultCrypto string) (*domain.Payment, error) {
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		return nil, domain.NewValidationError("amount", "amount must be a decimal number")
	}
	currency := domain.FiatCurrency(strings.ToUpper(q.Currency))
	if !currency.IsSupported() {
		return nil, domain.NewValidationError("currency", "unsupported currency "+q.Currency)
	}
	crypto := strings.ToUpper(q.CryptoCurrency)
	if crypto == "" {
		crypto = defaultCrypto
	}

	p := &domain.Payment{
		MerchantID:     c.GetString(middleware.MerchantIDKey),
		Amount:         amount,
		Currency:       currency,
		CryptoCurrency: crypto,
		Status:         domain.PaymentStatusCreated,
		Metadata:       map[string]any{},
	}
	if q.Country != "" {
		p.Metadata[domain.MetadataCountry] = strings.ToUpper(q.Country)
	}
	if q.PaymentMethod != "" {
		p.Metadata[domain.MetadataPaymentMethod] = q.PaymentMethod
	}
	return p, nil
}

func (h *RouteHandler) ListRoutes(c *gin.Context) {
	var q routeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}

	criteria := domain.RouteCriteria{
		Currency: domain.FiatCurrency(strings.ToUpper(q.Currency)),
		Country:  q.Country,
	}
	if q.Amount != "" {
		amount, err := decimal.NewFromString(q.Amount)
		if err != nil {
			badRequest(c, "amount must be a decimal number")
			return
		}
		criteria.Amount = &amount
	}

	routes, err := h.routes.GetAvailableRoutes(c.Request.Context(), criteria)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list routes")
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Available routes", routes)
}

func (h *RouteHandler) Recommend(c *gin.Context) {
	var q routeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	payment, err := q.payment(c, h.defaultCrypto)
	if err != nil {
		respondError(c, err)
		return
	}

	rec, err := h.routes.GetRouteRecommendation(c.Request.Context(), payment)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Route recommendation", rec)
}

func (h *RouteHandler) Validate(c *gin.Context) {
	var q routeQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	payment, err := q.payment(c, h.defaultCrypto)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Route validation", h.routes.ValidateRoute(c.Param("id"), payment))
}
