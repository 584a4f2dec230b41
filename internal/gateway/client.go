package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent between heartbeats.
	pongWait = 90 * time.Second

	// maxMessageSize covers a full-length message plus its envelope.
	maxMessageSize = 16 * 1024

	sendBufferSize = 256
)

// Client is one WebSocket connection. A reader goroutine handles inbound ops
// in order; a writer goroutine drains send.
type Client struct {
	hub      *Hub
	gw       *Handler
	conn     *websocket.Conn
	userID   string
	username string
	send     chan []byte
	seq      atomic.Int64

	// Guarded by hub.mu.
	topics map[string]struct{}
	closed bool

	writeMu sync.Mutex
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("unexpected close", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.gw.logger.Debug("invalid frame", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env wire.Envelope) {
	switch env.Op {
	case wire.OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		c.hub.sendTo(c, wire.OpHeartbeatAck, nil)

	case wire.OpSubscribe:
		var d wire.SubscribeData
		if err := env.Decode(&d); err != nil || !wire.ValidTopic(d.Topic) {
			c.gw.logger.Debug("bad subscribe", zap.String("user_id", c.userID), zap.String("topic", d.Topic))
			return
		}
		c.hub.subscribe(c, d.Topic)
		if serverID, ok := wire.ParseServerTopic(d.Topic); ok {
			c.onServerSubscribe(ctx, serverID)
		}

	case wire.OpUnsubscribe:
		var d wire.SubscribeData
		if err := env.Decode(&d); err != nil {
			return
		}
		c.hub.unsubscribe(c, d.Topic)

	case wire.OpJoinVoice:
		var d wire.JoinVoiceData
		if err := env.Decode(&d); err != nil {
			return
		}
		if err := c.gw.voice.Join(ctx, d.ServerID, d.ChannelID, c.userID); err != nil {
			c.gw.logger.Warn("join voice failed", zap.String("user_id", c.userID), zap.Error(err))
		}

	case wire.OpLeaveVoice:
		c.gw.voice.Leave(ctx, c.userID, true)

	case wire.OpTyping:
		var d wire.TypingData
		if err := env.Decode(&d); err != nil || d.ChannelID == "" {
			return
		}
		c.hub.PublishExcept(wire.ChannelTopic(d.ChannelID), c.userID, wire.OpUserTyping, wire.UserTyping{
			ChannelID: d.ChannelID,
			UserID:    c.userID,
			Username:  c.username,
			IsTyping:  d.IsTyping,
		})

	case wire.OpSendMessage:
		var d wire.SendMessageData
		if err := env.Decode(&d); err != nil {
			return
		}
		if _, err := c.gw.messages.Send(ctx, c.userID, d); err != nil {
			c.rejectMessage(d.Nonce, "", err)
		}

	case wire.OpEditMessage:
		var d wire.EditMessageData
		if err := env.Decode(&d); err != nil {
			return
		}
		if _, err := c.gw.messages.Edit(ctx, d); err != nil {
			c.rejectMessage("", d.MessageID, err)
		}

	case wire.OpDeleteMessage:
		var d wire.DeleteMessageData
		if err := env.Decode(&d); err != nil {
			return
		}
		if err := c.gw.messages.Delete(ctx, d); err != nil {
			c.rejectMessage("", d.MessageID, err)
		}

	case wire.OpReact:
		var d wire.ReactData
		if err := env.Decode(&d); err != nil {
			return
		}
		if _, err := c.gw.messages.React(ctx, c.userID, d); err != nil {
			c.rejectMessage("", d.MessageID, err)
		}

	default:
		c.gw.logger.Debug("unknown op", zap.String("user_id", c.userID), zap.String("op", env.Op))
	}
}

// onServerSubscribe records the user in the server roster and sends the
// full voice state, since syncs only go out on change.
func (c *Client) onServerSubscribe(ctx context.Context, serverID string) {
	if c.gw.roster != nil {
		if err := c.gw.roster.UpsertMember(ctx, &store.Member{
			ServerID: serverID,
			UserID:   c.userID,
			Username: c.username,
		}); err != nil {
			c.gw.logger.Warn("failed to record member", zap.Error(err), zap.String("server_id", serverID))
		}
	}
	for _, vs := range c.gw.voice.ServerSnapshot(serverID) {
		c.hub.sendTo(c, wire.OpVoiceChannelSync, vs)
	}
}

func (c *Client) rejectMessage(nonce, messageID string, err error) {
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "connection closed"
	}
	c.gw.logger.Debug("message op rejected",
		zap.String("user_id", c.userID),
		zap.String("nonce", nonce),
		zap.String("msg_id", messageID),
		zap.Error(err))
	c.hub.sendTo(c, wire.OpMessageError, wire.MessageError{Nonce: nonce, MessageID: messageID, Error: msg})
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for frame := range c.send {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
