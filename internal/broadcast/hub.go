// Package broadcast доставляет уведомления о заказах в websocket-подписки
// и пересылает их между узлами через Redis.
package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 64
	maxMessageSize = 512
	maxChannels    = 16
)

// ErrHubClosed — hub уже остановлен.
var ErrHubClosed = errors.New("broadcast hub is closed")

// Hub держит websocket-подписки этого узла по каналам.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	allow    func(channel string) bool
	logger   *log.Entry
}

// HubOption настраивает Hub.
type HubOption func(*Hub)

// WithChannelFilter задаёт, на какие каналы разрешена подписка.
func WithChannelFilter(allow func(channel string) bool) HubOption {
	return func(h *Hub) {
		if allow != nil {
			h.allow = allow
		}
	}
}

// WithAllowedOrigins ограничивает Origin при апгрейде соединения.
// Пустой список разрешает любой Origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

func WithHubLogger(logger *log.Entry) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		channels: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		allow:  func(string) bool { return true },
		logger: log.WithField("component", "broadcast-hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels []string
	once     sync.Once
}

// ServeHTTP апгрейдит запрос GET /ws?channel=...&channel=... до websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels := r.URL.Query()["channel"]
	if len(channels) == 0 || len(channels) > maxChannels {
		http.Error(w, "one or more channel parameters are required", http.StatusBadRequest)
		return
	}
	for _, channel := range channels {
		if !h.allow(channel) {
			http.Error(w, "channel not allowed: "+channel, http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), channels: channels}
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, channel := range c.channels {
		subs, ok := h.channels[channel]
		if !ok {
			subs = make(map[*client]struct{})
			h.channels[channel] = subs
		}
		subs[c] = struct{}{}
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range c.channels {
		if subs, ok := h.channels[channel]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	c.close()
}

// Broadcast отправляет payload подписчикам канала на этом узле.
// Медленный подписчик с заполненным буфером отключается.
func (h *Hub) Broadcast(_ context.Context, channel string, payload []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	var slow []*client
	for c := range h.channels[channel] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.WithField("channel", channel).Warn("dropping slow websocket subscriber")
		h.unregister(c)
	}
	return nil
}

// Subscribers возвращает число подписчиков канала на этом узле.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close отключает всех подписчиков.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.channels {
		for c := range subs {
			c.close()
		}
	}
	h.channels = make(map[string]map[*client]struct{})
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump нужен для обработки pong и закрытия со стороны клиента;
// входящие сообщения игнорируются.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
