// Package wire defines the JSON protocol spoken between the gateway and its
// clients. Every frame is an Envelope; the op names the event and d carries
// its payload.
package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// Envelope is one WebSocket frame.
//
// Seq increases for every outbound frame on a connection so a client can
// detect gaps. Inbound frames leave it zero.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// NewEnvelope marshals data into an envelope for op.
func NewEnvelope(op string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Op: op}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: op, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

// Client -> server ops.
const (
	OpHeartbeat     = "heartbeat"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpJoinVoice     = "joinVoice"
	OpLeaveVoice    = "leaveVoice"
	OpTyping        = "typing"
	OpSendMessage   = "sendMessage"
	OpEditMessage   = "editMessage"
	OpDeleteMessage = "deleteMessage"
	OpReact         = "react"
)

// Server -> client events.
const (
	OpHeartbeatAck     = "heartbeat_ack"
	OpNewMessage       = "newMessage"
	OpMessageUpdated   = "message_updated"
	OpMessageDeleted   = "message_deleted"
	OpReactionUpdate   = "reactionUpdate"
	OpUserTyping       = "userTyping"
	OpVoiceChannelSync = "voiceChannelSync"
	OpMessageError     = "messageError"
)

const (
	serverTopicPrefix  = "server:"
	channelTopicPrefix = "channel:"
)

// ServerTopic is the fanout topic for everything scoped to a server.
func ServerTopic(serverID string) string { return serverTopicPrefix + serverID }

// ChannelTopic is the fanout topic for a single text channel.
func ChannelTopic(channelID string) string { return channelTopicPrefix + channelID }

// ParseServerTopic returns the server ID of a server topic.
func ParseServerTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, serverTopicPrefix)
	return id, ok && id != ""
}

// ValidTopic reports whether topic names a server or channel.
func ValidTopic(topic string) bool {
	if id, ok := strings.CutPrefix(topic, serverTopicPrefix); ok {
		return id != ""
	}
	if id, ok := strings.CutPrefix(topic, channelTopicPrefix); ok {
		return id != ""
	}
	return false
}

// Author is a roster entry, and the populated form of a message author.
type Author struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Reaction is one emoji and the users who reacted with it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Message is the server's rendering of a stored message. Author is either an
// *Author (populated) or a bare user ID string, the same way the history
// endpoint and live pushes deliver it.
type Message struct {
	ID        string     `json:"_id"`
	Content   string     `json:"content"`
	Author    any        `json:"author"`
	ChannelID string     `json:"channel"`
	ServerID  string     `json:"server,omitempty"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	Edited    bool       `json:"edited,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Nonce     string     `json:"nonce,omitempty"`
}

// SubscribeData is the payload of subscribe and unsubscribe.
type SubscribeData struct {
	Topic string `json:"topic"`
}

// JoinVoiceData is the payload of joinVoice.
type JoinVoiceData struct {
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
}

// TypingData is the payload of the typing op.
type TypingData struct {
	ChannelID string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

// UserTyping is relayed to everyone else viewing the channel.
type UserTyping struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"isTyping"`
}

// VoiceChannelSync carries the full member list of one voice channel.
type VoiceChannelSync struct {
	ChannelID      string   `json:"channelId"`
	ServerID       string   `json:"serverId,omitempty"`
	ConnectedUsers []string `json:"connectedUsers"`
}

// SendMessageData is the payload of sendMessage. Nonce is the client's
// temporary message ID; the server echoes it on the resulting newMessage.
type SendMessageData struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// EditMessageData is the payload of editMessage.
type EditMessageData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMessageData is the payload of deleteMessage.
type DeleteMessageData struct {
	MessageID string `json:"messageId"`
}

// ReactData toggles the sender's reaction on a message.
type ReactData struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// MessageDeleted is broadcast after a delete.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ReactionUpdate carries the full reaction list of a message.
type ReactionUpdate struct {
	MessageID string     `json:"messageId"`
	ChannelID string     `json:"channelId"`
	Reactions []Reaction `json:"reactions"`
}

// MessageError reports a rejected message op back to its sender.
type MessageError struct {
	Nonce     string `json:"nonce,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}
