package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front.
		return true
	},
}

// Hub fans settlement status transitions out to connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	log *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run owns client membership. Broadcasts do not pass through here, so a
// hub that is not running can still be broadcast to (it just has no
// clients yet).
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws_client_connected", "client", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws_client_disconnected", "client", client.id, "total", total)
		}
	}
}

// BroadcastSettlement pushes one status transition to every client whose
// watch list covers it. Slow clients are skipped, never waited on.
func (h *Hub) BroadcastSettlement(info SettlementInfo) {
	frame, err := json.Marshal(SettlementEvent{Type: "settlement_update", Settlement: info})
	if err != nil {
		h.log.Warnw("ws_event_encode_failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(info) {
			continue
		}
		select {
		case client.send <- frame:
		default:
		}
	}
}

// Client is one WebSocket subscriber. An empty watch list receives every
// settlement; a non-empty one only settlements touching a watched wallet.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	watchMu sync.RWMutex
	watch   map[string]bool
}

func (c *Client) wants(info SettlementInfo) bool {
	c.watchMu.RLock()
	defer c.watchMu.RUnlock()
	if len(c.watch) == 0 {
		return true
	}
	return c.watch[strings.ToLower(info.Buyer)] || c.watch[strings.ToLower(info.Seller)]
}

func (c *Client) watchWallets(wallets []string, on bool) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, w := range wallets {
		key := strings.ToLower(w)
		if on {
			c.watch[key] = true
		} else {
			delete(c.watch, key)
		}
	}
}

// readPump consumes watch-list control messages until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WatchRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Warnw("ws_bad_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "watch":
			c.watchWallets(req.Wallets, true)
		case "unwatch":
			c.watchWallets(req.Wallets, false)
		default:
			c.hub.log.Warnw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:   s.hub,
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		id:    uuid.NewString(),
		watch: make(map[string]bool),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
