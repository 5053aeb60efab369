package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
)

const writeWait = 10 * time.Second

// WsHub fans payment events out to the websocket connections of the merchant
// that owns the payment. Admin connections (empty merchant id) receive every
// event.
type WsHub struct {
	Clients    map[string]map[*websocket.Conn]bool
	Broadcast  chan WsMessage
	Register   chan *WsClient
	Unregister chan *WsClient
	Logger     zerolog.Logger

	mu         sync.RWMutex
	pingPeriod time.Duration
}

type WsClient struct {
	MerchantID string
	Conn       *websocket.Conn
}

type WsMessage struct {
	Type       domain.EventType `json:"type"`
	EventID    string           `json:"event_id"`
	PaymentID  string           `json:"payment_id"`
	MerchantID string           `json:"merchant_id"`
	Payment    *domain.Payment  `json:"payment,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func NewWsHub(pingPeriod time.Duration, logger zerolog.Logger) *WsHub {
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &WsHub{
		Clients:    make(map[string]map[*websocket.Conn]bool),
		Broadcast:  make(chan WsMessage, 100),
		Register:   make(chan *WsClient, 100),
		Unregister: make(chan *WsClient, 100),
		Logger:     logger.With().Str("component", "ws_hub").Logger(),
		pingPeriod: pingPeriod,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes all
// connections.
func (h *WsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.mu.Lock()
			if h.Clients[client.MerchantID] == nil {
				h.Clients[client.MerchantID] = make(map[*websocket.Conn]bool)
			}
			h.Clients[client.MerchantID][client.Conn] = true
			count := len(h.Clients[client.MerchantID])
			h.mu.Unlock()
			h.Logger.Info().
				Str("merchant_id", client.MerchantID).
				Int("connection_count", count).
				Msg("WebSocket client registered")

		case client := <-h.Unregister:
			h.mu.Lock()
			if clients, ok := h.Clients[client.MerchantID]; ok && clients[client.Conn] {
				delete(clients, client.Conn)
				if len(clients) == 0 {
					delete(h.Clients, client.MerchantID)
				}
				client.Conn.Close()
				h.Logger.Info().Str("merchant_id", client.MerchantID).Msg("WebSocket client unregistered")
			}
			h.mu.Unlock()

		case message := <-h.Broadcast:
			h.deliver(message.MerchantID, message)
			if message.MerchantID != "" {
				h.deliver("", message)
			}

		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *WsHub) deliver(merchantID string, message WsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.Clients[merchantID]
	if !ok {
		return
	}
	for conn := range clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(message); err != nil {
			h.Logger.Err(err).
				Str("merchant_id", merchantID).
				Str("payment_id", message.PaymentID).
				Str("type", string(message.Type)).
				Msg("Failed to send WebSocket message")
			conn.Close()
			delete(clients, conn)
		}
	}
	if len(clients) == 0 {
		delete(h.Clients, merchantID)
	}
}

func (h *WsHub) ping() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for merchantID, clients := range h.Clients {
		for conn := range clients {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				delete(clients, conn)
			}
		}
		if len(clients) == 0 {
			delete(h.Clients, merchantID)
		}
	}
}

func (h *WsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for merchantID, clients := range h.Clients {
		for conn := range clients {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			conn.Close()
		}
		delete(h.Clients, merchantID)
	}
}

// ConnectionCount returns the open connections of a merchant.
func (h *WsHub) ConnectionCount(merchantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Clients[merchantID])
}

// HandleEvent is an event bus listener.
func (h *WsHub) HandleEvent(ctx context.Context, event domain.Event) {
	h.BroadcastEvent(event)
}

func (h *WsHub) BroadcastEvent(event domain.Event) {
	message := WsMessage{
		Type:       event.Type,
		EventID:    event.ID,
		PaymentID:  event.PaymentID,
		MerchantID: event.MerchantID,
		Payment:    event.Payment,
		Data:       event.Data,
		OccurredAt: event.OccurredAt,
	}
	select {
	case h.Broadcast <- message:
	default:
		h.Logger.Warn().
			Str("payment_id", event.PaymentID).
			Str("type", string(event.Type)).
			Msg("Broadcast queue full, dropping event")
	}
}
