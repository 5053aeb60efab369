package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/server/middleware"
	"github.com/tuncanbit/cpg/internal/server/websocket"
	"github.com/tuncanbit/cpg/pkg/config"
)

const maxClientMessage = 512

// WebSocketHandler streams payment events of the authenticated merchant.
type WebSocketHandler struct {
	wsHub      *websocket.WsHub
	upgrader   gws.Upgrader
	pingPeriod time.Duration
	logger     zerolog.Logger
}

func NewWebSocketHandler(wsHub *websocket.WsHub, cfg config.WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	upgrader := gws.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}
	if !cfg.CheckOrigin {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &WebSocketHandler{
		wsHub:      wsHub,
		upgrader:   upgrader,
		pingPeriod: cfg.PingPeriod,
		logger:     logger,
	}
}

func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &websocket.WsClient{
		MerchantID: c.GetString(middleware.MerchantIDKey),
		Conn:       conn,
	}
	h.wsHub.Register <- client
	defer func() { h.wsHub.Unregister <- client }()

	// Reads only serve control frames; the hub owns all writes.
	readWait := 2 * h.pingPeriod
	if readWait <= 0 {
		readWait = time.Minute
	}
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("merchant_id", client.MerchantID).Msg("WebSocket closed")
			}
			return
		}
	}
}
