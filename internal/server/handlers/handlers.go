package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/application/paymentservice"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/server/middleware"
	"github.com/tuncanbit/cpg/internal/server/websocket"
	"github.com/tuncanbit/cpg/pkg/config"
)

// RouteAdvisor answers route queries without creating payments.
type RouteAdvisor interface {
	GetAvailableRoutes(ctx context.Context, criteria domain.RouteCriteria) ([]domain.RouteAvailability, error)
	GetRouteRecommendation(ctx context.Context, payment *domain.Payment) (*domain.RouteRecommendation, error)
	ValidateRoute(routeID string, payment *domain.Payment) domain.RouteValidation
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	PaymentSvc paymentservice.IPaymentService
	Routes     RouteAdvisor
	Middleware *middleware.Middleware
	WsHub      *websocket.WsHub
	Logger     zerolog.Logger
	Config     *config.Config
	Deps       map[string]Pinger
}

func New(
	paymentSvc paymentservice.IPaymentService,
	routes RouteAdvisor,
	mw *middleware.Middleware,
	wsHub *websocket.WsHub,
	logger zerolog.Logger,
	config *config.Config,
	deps map[string]Pinger,
) *Handlers {
	return &Handlers{
		PaymentSvc: paymentSvc,
		Routes:     routes,
		Middleware: mw,
		WsHub:      wsHub,
		Logger:     logger,
		Config:     config,
		Deps:       deps,
	}
}

func (h *Handlers) SetupHandlers(router *gin.Engine) {
	paymentHandler := NewPaymentHandler(h.PaymentSvc, h.Logger)
	routeHandler := NewRouteHandler(h.Routes, h.Config.Processor.DefaultCryptoCurrency, h.Logger)
	wsHandler := NewWebSocketHandler(h.WsHub, h.Config.WebSocket, h.Logger)
	healthHandler := NewHealthHandler(h.Deps)

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/v1", h.Middleware.AuthMiddleware())
	{
		v1.GET("/ws", wsHandler.HandleConnection)
		v1.GET("/stats", paymentHandler.GetStats)

		payments := v1.Group("/payments", h.Middleware.RequireMerchant())
		{
			payments.POST("", paymentHandler.CreatePayment)
			payments.GET("/:id", paymentHandler.GetPayment)
			payments.GET("/:id/status", paymentHandler.GetPaymentStatus)
			payments.POST("/:id/cancel", paymentHandler.CancelPayment)
			payments.POST("/:id/refund", paymentHandler.RefundPayment)
		}

		routes := v1.Group("/routes")
		{
			routes.GET("", routeHandler.ListRoutes)
			routes.GET("/recommendation", routeHandler.Recommend)
			routes.POST("/:id/validate", routeHandler.Validate)
		}
	}
}
