package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/textbook-tutor/backend/internal/metrics"
	"github.com/textbook-tutor/backend/pkg/logger"
)

// Conn is the part of a WebSocket connection the registry needs.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Client is one authenticated connection.
type Client struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	conn      Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Send writes one event. Writes to a connection are serialised.
func (c *Client) Send(eventType string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(Event{Type: eventType, Data: data})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			logger.Debug("WebSocket close failed", zap.String("client_id", c.ID), zap.Error(err))
		}
	})
}

// Registry tracks live connections and their verified identities.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) Add(identity string, conn Conn) *Client {
	client := &Client{
		ID:          uuid.New().String(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	metrics.WSConnections.Inc()
	logger.Info("Realtime client connected",
		zap.String("client_id", client.ID),
		zap.String("identity", identity),
	)
	return client
}

func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// Remove unregisters and closes the client. It reports whether the client
// was registered, so repeated teardown is harmless.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	client, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	client.close()
	metrics.WSConnections.Dec()
	logger.Info("Realtime client disconnected",
		zap.String("client_id", id),
		zap.Duration("connected_for", time.Since(client.ConnectedAt)),
	)
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll removes every client, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}
