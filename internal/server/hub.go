package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/feederwatch/internal/alerts"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/pkg/types"
)

// AlertMessage is the websocket payload for one alert transition.
type AlertMessage struct {
	Type   string           `json:"type"` // always "alert"
	From   types.AlertState `json:"from"`
	To     types.AlertState `json:"to"`
	Reason string           `json:"reason"`
	Alert  *types.Alert     `json:"alert"`
}

// Hub fans alert transitions out to websocket clients.
type Hub struct {
	clients    map[hubClient]bool
	broadcast  chan any
	register   chan hubClient
	unregister chan hubClient
	origins    []string
	logger     *logrus.Logger
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// hubClient allows tests to register clients without a socket.
type hubClient interface {
	sendChannel() chan []byte
	close()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte {
	return c.send
}

func (c *wsClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
}

// NewHub creates a hub. origins are host patterns accepted in the Origin
// header; requests without an Origin header are always accepted.
func NewHub(origins []string, logger *logrus.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[hubClient]bool),
		broadcast:  make(chan any, 256),
		register:   make(chan hubClient),
		unregister: make(chan hubClient),
		origins:    origins,
		logger:     logging.OrDiscard(logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", count).Debug("server: websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", count).Debug("server: websocket client disconnected")

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("server: failed to marshal websocket message")
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow consumer; drop it.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop closes every client and ends Run.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.close()
	}
	h.clients = make(map[hubClient]bool)
	h.mu.Unlock()
}

// Broadcast queues a message for every client. Messages are dropped when the
// queue is full.
func (h *Hub) Broadcast(message any) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("server: websocket broadcast queue full, dropping message")
	}
}

// Listener adapts the hub to an alert listener.
func (h *Hub) Listener() alerts.Listener {
	return func(tr alerts.Transition) {
		h.Broadcast(AlertMessage{
			Type:   "alert",
			From:   tr.From,
			To:     tr.To,
			Reason: tr.Reason,
			Alert:  tr.Alert,
		})
	}
}

func (h *Hub) add(client hubClient) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) remove(client hubClient) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request to a websocket subscribed to alert events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.WithError(err).Warn("server: websocket upgrade failed")
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.add(client)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client frames to notice disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
