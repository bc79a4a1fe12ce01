package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/roverlink/roverlink/internal/console"
	"github.com/roverlink/roverlink/internal/overlay"
	"github.com/roverlink/roverlink/internal/pkg/models"
	"github.com/roverlink/roverlink/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// WebSocketConn interface for testability
type WebSocketConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Envelope is one event pushed to UI subscribers
type Envelope struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Tag    string    `json:"tag,omitempty"`
	Data   any       `json:"data,omitempty"`
	PeerID string    `json:"peer_id,omitempty"`
	State  string    `json:"state,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

const (
	EnvelopeSnapshot = "snapshot"
	EnvelopeNotice   = "notice"
)

// EventEnvelope converts an overlay event
func EventEnvelope(ev overlay.Event) Envelope {
	env := Envelope{
		Type:   string(ev.Kind),
		Time:   ev.Time,
		PeerID: ev.PeerID,
		Reason: ev.Reason,
	}
	switch ev.Kind {
	case overlay.EventMessage:
		env.Tag = ev.Message.Tag().String()
		env.Data = ev.Message
	case overlay.EventUpstream:
		env.State = ev.State.String()
	}
	return env
}

func NoticeEnvelope(n console.Notice) Envelope {
	return Envelope{Type: EnvelopeNotice, Time: n.Time, Data: n}
}

// subscriberConn is one attached UI client
type subscriberConn struct {
	id     string
	sub    *models.Subscriber
	conn   WebSocketConn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newSubscriberConn(parent context.Context, sub *models.Subscriber, conn WebSocketConn, buffer int) *subscriberConn {
	ctx, cancel := context.WithCancel(parent)
	return &subscriberConn{
		id:     sub.ID,
		sub:    sub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Snapshotter builds the current state and passes it to join. It must call join from
// the same goroutine that publishes events, so that a new subscriber sees each event
// either in the snapshot or after it.
type Snapshotter func(ctx context.Context, join func(Envelope)) error

// Hub fans console events out to websocket subscribers. Broadcast never blocks: a
// subscriber that cannot keep up is disconnected.
type Hub struct {
	logger   *slog.Logger
	registry *registry.Registry
	snapshot Snapshotter

	conns map[string]*subscriberConn
	mu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(reg *registry.Registry, snapshot Snapshotter, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:   logger.With("component", "hub"),
		registry: reg,
		snapshot: snapshot,
		conns:    make(map[string]*subscriberConn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the stale subscriber cleanup
func (h *Hub) Start() {
	go h.cleanupLoop()
}

// Stop disconnects every subscriber
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for id, sc := range h.conns {
		sc.cancel()
		sc.conn.Close()
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// RegisterRoutes adds the /events websocket endpoint
func (h *Hub) RegisterRoutes(router fiber.Router) {
	router.Get("/events", h.wsMiddleware(), h.handleWebSocket())
}

func (h *Hub) wsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}
}

func (h *Hub) handleWebSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		sub := &models.Subscriber{
			ID:         uuid.NewString(),
			RemoteAddr: conn.RemoteAddr().String(),
		}
		sc := newSubscriberConn(h.ctx, sub, conn, sendBuffer)
		h.join(sc)
		h.logger.Info("Subscriber connected", "id", sub.ID, "remote", sub.RemoteAddr)

		go h.writeLoop(sc)

		defer func() {
			sc.cancel()
			conn.Close()
			h.remove(sub.ID)
			h.logger.Info("Subscriber disconnected", "id", sub.ID)
		}()

		conn.SetReadLimit(maxMessageSize)
		conn.SetPongHandler(func(string) error {
			h.registry.UpdateLastPing(sub.ID)
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})

		// subscribers only listen; reading keeps pongs and close frames flowing
		for {
			conn.SetReadDeadline(time.Now().Add(readWait))
			if _, _, err := conn.ReadMessage(); err != nil {
				h.logger.Debug("WebSocket read error", "subscriber", sub.ID, "error", err)
				return
			}
		}
	})
}

// join queues the snapshot and registers sc in one step on the event source, then
// falls back to registering without a snapshot when none could be built
func (h *Hub) join(sc *subscriberConn) {
	var once sync.Once
	add := func(first []byte) {
		once.Do(func() {
			if sc.ctx.Err() != nil {
				return
			}
			if first != nil {
				sc.send <- first
			}
			h.registry.Add(sc.sub)
			h.mu.Lock()
			h.conns[sc.id] = sc
			h.mu.Unlock()
		})
	}

	err := h.snapshot(sc.ctx, func(env Envelope) {
		b, err := json.Marshal(env)
		if err != nil {
			h.logger.Warn("Snapshot not encodable", "subscriber", sc.id, "error", err)
		}
		add(b)
	})
	if err != nil {
		h.logger.Warn("Snapshot unavailable", "subscriber", sc.id, "error", err)
		add(nil)
	}
}

// Broadcast queues env for every subscriber
func (h *Hub) Broadcast(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("Event not encodable", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sc := range h.conns {
		select {
		case sc.send <- b:
		default:
			h.logger.Warn("Subscriber too slow, disconnecting", "id", id)
			sc.cancel()
		}
	}
}

// Count returns the number of attached subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(id string) {
	h.registry.Remove(id)
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// writeLoop owns all writes to one connection
func (h *Hub) writeLoop(sc *subscriberConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer sc.conn.Close()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case b := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Debug("WebSocket write error", "subscriber", sc.id, "error", err)
				sc.cancel()
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("Failed to send ping", "subscriber", sc.id, "error", err)
				sc.cancel()
				return
			}
		}
	}
}

// cleanupLoop drops subscribers that stopped answering pings
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			removed := h.registry.CleanupStale(2*pingInterval + readWait)
			if len(removed) == 0 {
				continue
			}
			h.logger.Info("Cleaned up stale subscribers", "count", len(removed))
			h.mu.Lock()
			for _, id := range removed {
				if sc, exists := h.conns[id]; exists {
					sc.cancel()
					delete(h.conns, id)
				}
			}
			h.mu.Unlock()
		}
	}
}
