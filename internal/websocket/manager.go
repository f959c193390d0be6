package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/conneroisu/livedocs/internal/errors"
	"github.com/conneroisu/livedocs/internal/logging"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 4096
	clientBuffer        = 64
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the hub logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger.WithComponent("websocket") }
}

// WithStats sets the function answering get-stats requests.
func WithStats(fn func() interface{}) Option {
	return func(m *Manager) { m.stats = fn }
}

// WithOriginPatterns sets the origins accepted on upgrade, in addition to
// same-host requests.
func WithOriginPatterns(patterns ...string) Option {
	return func(m *Manager) { m.originPatterns = patterns }
}

// WithWriteTimeout bounds how long a single write to one client may take.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// WithPingInterval sets how often idle clients are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// Manager is the HMR hub. A single goroutine owns the client set; every
// client has its own write pump, so a slow or dead browser only ever
// drops itself.
type Manager struct {
	clients      map[string]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan string

	stats          func() interface{}
	originPatterns []string
	writeTimeout   time.Duration
	pingInterval   time.Duration
	logger         logging.Logger

	broadcasts atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64

	ctx          context.Context
	cancel       context.CancelFunc
	hubDone      chan struct{}
	pumps        sync.WaitGroup
	shutdownOnce sync.Once
}

// NewManager creates the hub and starts its goroutine.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		clients:      make(map[string]*Client),
		broadcast:    make(chan []byte, 256),
		register:     make(chan *Client),
		unregister:   make(chan string, clientBuffer),
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		logger:       logging.Discard(),
		ctx:          ctx,
		cancel:       cancel,
		hubDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.runHub()
	return m
}

// HandleWebSocket upgrades the request and attaches the connection.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  m.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	m.Attach(conn, r.RemoteAddr)
}

// Attach registers an open connection, greets it and starts its pumps. It
// returns the client id, or an empty string when the hub is shut down.
func (m *Manager) Attach(conn Conn, remote string) string {
	c := &Client{
		ID:          uuid.NewString(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, clientBuffer),
		done:        make(chan struct{}),
		registered:  make(chan struct{}),
	}

	// The greeting is queued first so it precedes any broadcast.
	m.enqueue(c, Message{Type: TypeConnected, Data: map[string]interface{}{
		"id":        c.ID,
		"timestamp": c.ConnectedAt.UnixMilli(),
	}})

	select {
	case m.register <- c:
	case <-m.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ""
	}
	// The hub counted the pumps before closing registered.
	<-c.registered

	go m.writePump(c)
	go m.readPump(c)

	m.logger.Info(m.ctx, "WebSocket client connected", "client", c.ID, "remote", remote)
	return c.ID
}

// Broadcast sends msg to every connected client.
func (m *Manager) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error(m.ctx, err, "Failed to encode broadcast", "type", msg.Type)
		return
	}

	select {
	case m.broadcast <- data:
	case <-m.ctx.Done():
	default:
		m.dropped.Add(1)
		m.logger.Warn(m.ctx, nil, "Broadcast queue full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}

// ClientIDs returns the ids of the connected clients.
func (m *Manager) ClientIDs() []string {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the hub counters.
func (m *Manager) Stats() HubStats {
	return HubStats{
		Clients:    m.ClientCount(),
		Broadcasts: m.broadcasts.Load(),
		Sent:       m.sent.Load(),
		Dropped:    m.dropped.Load(),
	}
}

func (m *Manager) runHub() {
	defer close(m.hubDone)
	for {
		select {
		case c := <-m.register:
			// Counting pumps on the hub goroutine orders every Add before
			// the Wait in Shutdown, which only starts once the hub is done.
			m.pumps.Add(2)
			m.clientsMutex.Lock()
			m.clients[c.ID] = c
			m.clientsMutex.Unlock()
			close(c.registered)

		case id := <-m.unregister:
			m.remove(id, websocket.StatusNormalClosure, "")

		case data := <-m.broadcast:
			m.broadcasts.Add(1)
			m.clientsMutex.RLock()
			var slow []string
			for id, c := range m.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, id)
				}
			}
			m.clientsMutex.RUnlock()
			for _, id := range slow {
				m.logger.Warn(m.ctx, errors.NewNetworkError(id, nil), "Client too slow, disconnecting")
				m.remove(id, websocket.StatusPolicyViolation, "too slow")
			}

		case <-m.ctx.Done():
			return
		}
	}
}

// remove forgets a client and closes its connection. It runs on the hub
// goroutine, or after the hub has stopped.
func (m *Manager) remove(id string, code websocket.StatusCode, reason string) {
	m.clientsMutex.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.clientsMutex.Unlock()
	if !ok {
		return
	}

	m.dropped.Add(uint64(len(c.send)))
	close(c.done)
	_ = c.conn.Close(code, reason)
	m.logger.Info(m.ctx, "WebSocket client disconnected", "client", id, "clients", m.ClientCount())
}

// drop asks the hub to remove a client.
func (m *Manager) drop(id string) {
	select {
	case m.unregister <- id:
	case <-m.ctx.Done():
	}
}

// enqueue queues msg for one client without blocking.
func (m *Manager) enqueue(c *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error(m.ctx, err, "Failed to encode message", "type", msg.Type)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) writePump(c *Client) {
	defer m.pumps.Done()
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				m.logger.Warn(m.ctx, errors.NewNetworkError(c.ID, err), "WebSocket write failed")
				m.drop(c.ID)
				return
			}
			m.sent.Add(1)

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				m.drop(c.ID)
				return
			}

		case <-c.done:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) readPump(c *Client) {
	defer m.pumps.Done()
	for {
		_, data, err := c.conn.Read(m.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && m.ctx.Err() == nil {
				m.logger.Debug(m.ctx, "WebSocket read ended", "client", c.ID, "error", err.Error())
			}
			m.drop(c.ID)
			return
		}
		m.handleClientMessage(c, data)
	}
}

func (m *Manager) handleClientMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn(m.ctx, errors.NewNetworkError(c.ID, err), "Malformed client message")
		return
	}

	switch msg.Type {
	case TypePing:
		m.enqueue(c, Message{Type: TypePong, Data: map[string]interface{}{
			"timestamp": time.Now().UnixMilli(),
		}})
	case TypeGetStats:
		var stats interface{} = m.Stats()
		if m.stats != nil {
			stats = m.stats()
		}
		m.enqueue(c, Message{Type: TypeStats, Data: stats})
	default:
		m.logger.Warn(m.ctx, nil, "Unknown client message", "client", c.ID, "type", msg.Type)
	}
}

// Shutdown stops the hub, closes every client with a going-away status and
// waits for the client goroutines until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.cancel()
		<-m.hubDone

		for _, id := range m.ClientIDs() {
			m.remove(id, websocket.StatusGoingAway, "server shutting down")
		}

		done := make(chan struct{})
		go func() {
			m.pumps.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
