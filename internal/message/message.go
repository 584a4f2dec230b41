// Package message normalizes raw chat messages and reconciles them into a
// single duplicate-free, chronologically ordered view.
//
// Three sources feed a channel's view: paged history, live pushes and local
// optimistic sends. All of them go through Merge, which absorbs duplicates and
// replaces an optimistic entry with its confirmed counterpart.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags what a message carries.
type Type string

const (
	TypeText   Type = "text"
	TypeSystem Type = "system"
	TypeFile   Type = "file"
	TypeGIF    Type = "gif"
)

// Status is the delivery state of a message. Transitions are
// sending -> sent and sending -> failed; failed is terminal.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// TempIDPrefix marks locally generated IDs. Server IDs never carry it.
const TempIDPrefix = "temp_"

// Author is the resolved display data of a message author.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	Avatar      string
}

// Reaction is one emoji and the users who reacted with it.
type Reaction struct {
	Emoji string
	Users []string
}

// Message is the canonical shape every raw payload is normalized into.
type Message struct {
	ID         string
	Nonce      string
	Content    string
	Author     Author
	ChannelID  string
	ServerID   string
	Type       Type
	Timestamp  time.Time
	Edited     bool
	Deleted    bool
	Reactions  []Reaction
	Optimistic bool
	Status     Status
}

// IsTemporaryID reports whether id was generated by CreateOptimistic.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID returns an ID that cannot collide with a server-assigned one.
func NewTempID(at time.Time) string {
	return fmt.Sprintf("%s%d_%s", TempIDPrefix, at.UnixNano(), uuid.NewString()[:8])
}

// CreateOptimistic builds the local placeholder shown while a send is in
// flight. Its nonce equals its ID so the server can echo it back.
func CreateOptimistic(content string, author Author, channelID, serverID string) Message {
	now := time.Now()
	id := NewTempID(now)
	return Message{
		ID:         id,
		Nonce:      id,
		Content:    content,
		Author:     author,
		ChannelID:  channelID,
		ServerID:   serverID,
		Type:       TypeText,
		Timestamp:  now,
		Optimistic: true,
		Status:     StatusSending,
	}
}
