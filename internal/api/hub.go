package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gridmix/internal/domain"
	"gridmix/internal/observability"
	"gridmix/internal/refresh"
)

// HubConfig configures WebSocket client handling.
type HubConfig struct {
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout bounds the wait for the next pong.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing one message.
	WriteTimeout time.Duration
	// SendBuffer is the per-client queue size; a client that falls this far
	// behind is disconnected.
	SendBuffer int
}

// DefaultHubConfig returns default WebSocket configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   16,
	}
}

// StreamMessage is sent to stream clients.
type StreamMessage struct {
	Type       string           `json:"type"`
	CycleID    string           `json:"cycle_id,omitempty"`
	Generation uint64           `json:"generation"`
	Snapshot   *domain.Snapshot `json:"snapshot"`
}

// Message types.
const (
	MessageSnapshot = "snapshot"
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans snapshots out to connected WebSocket clients. It is a
// refresh.Sink: each successful cycle broadcasts the new snapshot.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *observability.Metrics

	// initial returns the message sent right after a client connects, if any.
	initial func() ([]byte, bool)

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	wg      sync.WaitGroup
}

// NewHub creates a hub. A nil config selects DefaultHubConfig.
func NewHub(config *HubConfig, logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "stream").Logger(),
		metrics: metrics,
		clients: make(map[*streamClient]struct{}),
	}
}

// SetInitial sets the source of the greeting message for new clients.
func (h *Hub) SetInitial(fn func() ([]byte, bool)) {
	h.initial = fn
}

// Name implements refresh.Sink.
func (h *Hub) Name() string {
	return "stream"
}

// Publish broadcasts the update's snapshot. Updates without a snapshot are skipped.
func (h *Hub) Publish(_ context.Context, u *refresh.Update) error {
	if u.Generation == nil || u.Generation.Snapshot == nil {
		return nil
	}
	msg, err := encodeSnapshot(u.CycleID, u.Generation)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

func encodeSnapshot(cycleID string, g *refresh.Generation) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Type:       MessageSnapshot,
		CycleID:    cycleID,
		Generation: g.Number,
		Snapshot:   g.Snapshot,
	})
}

// Broadcast queues msg for every client. Clients whose queue is full are dropped.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}

	if h.initial != nil {
		if msg, ok := h.initial(); ok {
			c.send <- msg
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.StreamClients.Set(float64(n))

	h.wg.Add(2)
	go h.readPump(c)
	go h.writePump(c)
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.StreamClients.Set(float64(n))
	c.close()
}

// readPump discards client messages and keeps the read deadline fresh on pong.
func (h *Hub) readPump(c *streamClient) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	defer h.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// Close disconnects all clients and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	h.wg.Wait()
}

var _ refresh.Sink = (*Hub)(nil)
