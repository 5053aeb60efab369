package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	authservice "github.com/tuncanbit/cpg/internal/application/auth"
	"github.com/tuncanbit/cpg/internal/application/paymentservice"
	"github.com/tuncanbit/cpg/internal/server/handlers"
	"github.com/tuncanbit/cpg/internal/server/middleware"
	"github.com/tuncanbit/cpg/internal/server/websocket"
	"github.com/tuncanbit/cpg/pkg/config"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	PaymentSvc paymentservice.IPaymentService
	Routes     handlers.RouteAdvisor
	AuthSvc    authservice.IAuthService
	Cfg        *config.Config
	Logger     zerolog.Logger
	Router     *gin.Engine
	WsHub      *websocket.WsHub
	Deps       map[string]handlers.Pinger
	httpServer *http.Server
}

func New(
	cfg *config.Config,
	paymentSvc paymentservice.IPaymentService,
	routes handlers.RouteAdvisor,
	authSvc authservice.IAuthService,
	wsHub *websocket.WsHub,
	deps map[string]handlers.Pinger,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	return &Server{
		Cfg:        cfg,
		PaymentSvc: paymentSvc,
		Routes:     routes,
		AuthSvc:    authSvc,
		Logger:     logger,
		Router:     router,
		WsHub:      wsHub,
		Deps:       deps,
	}
}

func (s *Server) SetupRouter() {
	mw := middleware.NewMiddleware(s.AuthSvc, s.Logger)
	mw.SetupMiddleware(s.Router)

	handler := handlers.New(
		s.PaymentSvc,
		s.Routes,
		mw,
		s.WsHub,
		s.Logger,
		s.Cfg,
		s.Deps,
	)
	handler.SetupHandlers(s.Router)
}

// Start serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives, then
// drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.SetupRouter()

	s.httpServer = &http.Server{
		Addr:         s.Cfg.Server.Host + ":" + s.Cfg.Server.Port,
		Handler:      s.Router,
		ReadTimeout:  s.Cfg.Server.ReadTimeout,
		WriteTimeout: s.Cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	s.Logger.Info().Msgf("Starting server on %s", s.httpServer.Addr)
	go func() {
		var err error
		if s.Cfg.Security.TLSCertPath != "" && s.Cfg.Security.TLSKeyPath != "" {
			err = s.httpServer.ListenAndServeTLS(s.Cfg.Security.TLSCertPath, s.Cfg.Security.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Logger.Error().Err(err).Msg("Failed to start server")
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.Logger.Info().Msg("Shutdown signal received, shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	s.Logger.Info().Msg("Server exited gracefully")
	return nil
}
