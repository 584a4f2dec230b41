package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	// DefaultHeartbeat keeps the gateway's read deadline fresh.
	DefaultHeartbeat = 30 * time.Second

	eventBufferSize = 256
)

// Transport carries envelopes to and from the gateway.
type Transport interface {
	Send(ctx context.Context, op string, data any) error
	// Events yields inbound envelopes and is closed when the connection ends.
	Events() <-chan wire.Envelope
	Close() error
}

// WSTransport is a Transport over a gorilla/websocket connection.
type WSTransport struct {
	conn   *websocket.Conn
	events chan wire.Envelope
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// GatewayURL turns an http(s) base URL into the gateway WebSocket URL for
// the given identity.
func GatewayURL(base, userID, username string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", errs.ErrInvalidArgument, u.Scheme)
	}
	u.Path += "/gateway"
	q := url.Values{}
	q.Set("user", userID)
	if username != "" {
		q.Set("username", username)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialWS connects to the gateway and starts the reader and heartbeat loops.
func DialWS(ctx context.Context, wsURL string, heartbeat time.Duration, logger *zap.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	t := &WSTransport{
		conn:   conn,
		events: make(chan wire.Envelope, eventBufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.readLoop()
	go t.heartbeatLoop(heartbeat)
	return t, nil
}

// Send writes one envelope.
func (t *WSTransport) Send(ctx context.Context, op string, data any) error {
	env, err := wire.NewEnvelope(op, data)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return errs.ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

// Events implements Transport.
func (t *WSTransport) Events() <-chan wire.Envelope {
	return t.events
}

// Close shuts the connection down. The events channel closes once the reader
// notices.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) readLoop() {
	defer close(t.events)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("gateway connection lost", zap.Error(err))
			}
			_ = t.Close()
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Debug("invalid frame from gateway", zap.Error(err))
			continue
		}
		select {
		case t.events <- env:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Send(context.Background(), wire.OpHeartbeat, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
