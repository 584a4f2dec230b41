// Package gateway is the WebSocket fanout layer. Clients connect to
// /gateway, subscribe to server and channel topics, and receive every event
// published to those topics as a wire.Envelope.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

// Hub tracks live connections and their topic subscriptions.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // userID -> connections
	topics  map[string]map[*Client]struct{} // topic -> subscribers

	// onUserGone runs after a user's last connection closes.
	onUserGone func(userID string)

	// pumps counts registered connections whose unregister has not finished.
	pumps    sync.WaitGroup
	stopping bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
	}
}

// OnUserGone sets the callback for a user's last disconnect.
func (h *Hub) OnUserGone(fn func(userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUserGone = fn
}

// register adds c. It reports false once Shutdown has begun.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.pumps.Add(1)

	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.logger.Info("client connected",
		zap.String("user_id", c.userID),
		zap.Int("connections", len(conns)))
	return true
}

// unregister drops c and closes its send channel. Safe to call repeatedly.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := conns[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	for topic := range c.topics {
		h.dropSubscriberLocked(topic, c)
	}
	c.closed = true
	close(c.send)

	gone := len(conns) == 0
	if gone {
		delete(h.clients, c.userID)
	}
	fn := h.onUserGone
	h.mu.Unlock()
	defer h.pumps.Done()

	if gone {
		h.logger.Info("user fully disconnected", zap.String("user_id", c.userID))
		if fn != nil {
			fn(c.userID)
		}
	} else {
		h.logger.Info("client disconnected", zap.String("user_id", c.userID))
	}
}

func (h *Hub) subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscriberLocked(topic, c)
}

func (h *Hub) dropSubscriberLocked(topic string, c *Client) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish sends op to every subscriber of topic.
func (h *Hub) Publish(topic, op string, payload any) {
	h.PublishExcept(topic, "", op, payload)
}

// PublishExcept sends op to every subscriber of topic except the connections
// of excludeUserID.
func (h *Hub) PublishExcept(topic, excludeUserID, op string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err), zap.String("op", op))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		h.deliverLocked(c, op, data)
	}
}

// sendTo delivers op to a single connection.
func (h *Hub) sendTo(c *Client, op string, payload any) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error("failed to marshal event", zap.Error(err), zap.String("op", op))
			return
		}
		data = raw
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(c, op, data)
}

// deliverLocked queues a frame for c. The caller holds h.mu for reading,
// which keeps unregister from closing c.send underneath us.
func (h *Hub) deliverLocked(c *Client, op string, data json.RawMessage) {
	if c.closed {
		return
	}
	frame, err := json.Marshal(wire.Envelope{Op: op, Data: data, Seq: c.seq.Add(1)})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("send buffer full, dropping connection", zap.String("user_id", c.userID))
		go c.conn.Close()
	}
}

// Online reports whether userID has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Shutdown closes every connection and waits until each one has been
// unregistered, so disconnect callbacks finish before the caller tears down
// what they use. New connections are refused from here on.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	for _, conns := range h.clients {
		for c := range conns {
			_ = c.conn.Close()
		}
	}
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		h.logger.Info("hub shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
