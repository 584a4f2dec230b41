// Package chat is the server side of channel messaging. Every mutation is
// persisted first and then published to the channel topic, so the sender sees
// its own message through the same path as everyone else.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

// MaxContentLength is the longest accepted message, in runes.
const MaxContentLength = 2000

// Store is the persistence the service needs.
type Store interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) (bool, error)
	DeleteMessage(ctx context.Context, id string) (bool, error)
	ToggleReaction(ctx context.Context, messageID, emoji, userID string) ([]store.Reaction, error)
	FetchChannelHistory(ctx context.Context, channelID string, page, pageSize int) ([]store.Message, error)
	SearchMessages(ctx context.Context, query, channelID string, limit int) ([]store.Message, error)
	MembersByID(ctx context.Context, userIDs []string) (map[string]store.Member, error)
}

// Publisher fans an event out to everyone viewing a channel.
type Publisher interface {
	BroadcastToChannelTopic(channelID, event string, payload any)
}

// Service validates, persists and publishes message operations.
type Service struct {
	db     Store
	pub    Publisher
	logger *zap.Logger
}

// NewService creates a message service.
func NewService(db Store, pub Publisher, logger *zap.Logger) *Service {
	return &Service{db: db, pub: pub, logger: logger}
}

// Send stores a new message from userID and publishes newMessage. The
// client's nonce is echoed so it can replace its optimistic copy.
func (s *Service) Send(ctx context.Context, userID string, req wire.SendMessageData) (wire.Message, error) {
	if req.ChannelID == "" {
		return wire.Message{}, fmt.Errorf("%w: channel is required", errs.ErrInvalidArgument)
	}
	content, err := validContent(req.Content)
	if err != nil {
		return wire.Message{}, err
	}
	typ := req.Type
	if typ == "" {
		typ = "text"
	}

	m := &store.Message{
		ID:        uuid.NewString(),
		ChannelID: req.ChannelID,
		ServerID:  req.ServerID,
		AuthorID:  userID,
		Content:   content,
		Type:      typ,
		Nonce:     req.Nonce,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.db.CreateMessage(ctx, m); err != nil {
		return wire.Message{}, fmt.Errorf("create message: %w", err)
	}

	out := s.render(ctx, []store.Message{*m})[0]
	s.pub.BroadcastToChannelTopic(m.ChannelID, wire.OpNewMessage, out)
	s.logger.Debug("message created",
		zap.String("msg_id", m.ID),
		zap.String("channel_id", m.ChannelID),
		zap.String("nonce", m.Nonce))
	return out, nil
}

// Edit replaces a message's content and publishes message_updated.
func (s *Service) Edit(ctx context.Context, req wire.EditMessageData) (wire.Message, error) {
	content, err := validContent(req.Content)
	if err != nil {
		return wire.Message{}, err
	}
	ok, err := s.db.UpdateMessageContent(ctx, req.MessageID, content)
	if err != nil {
		return wire.Message{}, err
	}
	if !ok {
		return wire.Message{}, fmt.Errorf("%w: message %q", errs.ErrNotFound, req.MessageID)
	}

	m, err := s.db.GetMessage(ctx, req.MessageID)
	if err != nil {
		return wire.Message{}, fmt.Errorf("reload message: %w", err)
	}
	if m == nil {
		return wire.Message{}, fmt.Errorf("%w: message %q", errs.ErrNotFound, req.MessageID)
	}

	out := s.render(ctx, []store.Message{*m})[0]
	s.pub.BroadcastToChannelTopic(m.ChannelID, wire.OpMessageUpdated, out)
	return out, nil
}

// Delete removes a message and publishes message_deleted.
func (s *Service) Delete(ctx context.Context, req wire.DeleteMessageData) error {
	m, err := s.db.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: message %q", errs.ErrNotFound, req.MessageID)
	}
	if _, err := s.db.DeleteMessage(ctx, req.MessageID); err != nil {
		return err
	}
	s.pub.BroadcastToChannelTopic(m.ChannelID, wire.OpMessageDeleted, wire.MessageDeleted{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
	})
	return nil
}

// React toggles userID's emoji on a message and publishes the full reaction
// list as reactionUpdate.
func (s *Service) React(ctx context.Context, userID string, req wire.ReactData) (wire.ReactionUpdate, error) {
	if strings.TrimSpace(req.Emoji) == "" {
		return wire.ReactionUpdate{}, fmt.Errorf("%w: emoji is required", errs.ErrInvalidArgument)
	}
	m, err := s.db.GetMessage(ctx, req.MessageID)
	if err != nil {
		return wire.ReactionUpdate{}, err
	}
	if m == nil {
		return wire.ReactionUpdate{}, fmt.Errorf("%w: message %q", errs.ErrNotFound, req.MessageID)
	}

	reactions, err := s.db.ToggleReaction(ctx, m.ID, req.Emoji, userID)
	if err != nil {
		return wire.ReactionUpdate{}, err
	}
	out := wire.ReactionUpdate{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		Reactions: wireReactions(reactions),
	}
	s.pub.BroadcastToChannelTopic(m.ChannelID, wire.OpReactionUpdate, out)
	return out, nil
}

// History returns one page of a channel in wire form, oldest first.
func (s *Service) History(ctx context.Context, channelID string, page, pageSize int) ([]wire.Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel is required", errs.ErrInvalidArgument)
	}
	msgs, err := s.db.FetchChannelHistory(ctx, channelID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return s.render(ctx, msgs), nil
}

// Search returns messages containing query, newest first. An empty
// channelID searches everywhere.
func (s *Service) Search(ctx context.Context, query, channelID string, limit int) ([]wire.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", errs.ErrInvalidArgument)
	}
	msgs, err := s.db.SearchMessages(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return s.render(ctx, msgs), nil
}

// render converts stored messages to wire form. Authors known to a roster
// are embedded; unknown ones stay bare IDs, which clients resolve themselves.
func (s *Service) render(ctx context.Context, msgs []store.Message) []wire.Message {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.AuthorID)
	}
	members, err := s.db.MembersByID(ctx, ids)
	if err != nil {
		s.logger.Warn("author lookup failed", zap.Error(err))
	}

	out := make([]wire.Message, len(msgs))
	for i, m := range msgs {
		var author any = m.AuthorID
		if mem, ok := members[m.AuthorID]; ok {
			author = &wire.Author{
				ID:          mem.UserID,
				Username:    mem.Username,
				DisplayName: mem.DisplayName,
				Avatar:      mem.Avatar,
			}
		}
		out[i] = wire.Message{
			ID:        m.ID,
			Content:   m.Content,
			Author:    author,
			ChannelID: m.ChannelID,
			ServerID:  m.ServerID,
			Type:      m.Type,
			CreatedAt: time.UnixMilli(m.CreatedAt).UTC(),
			Edited:    m.Edited,
			Reactions: wireReactions(m.Reactions),
			Nonce:     m.Nonce,
		}
	}
	return out
}

func validContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("%w: message content is empty", errs.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxContentLength {
		return "", fmt.Errorf("%w: message is %d characters, limit is %d", errs.ErrInvalidArgument, n, MaxContentLength)
	}
	return trimmed, nil
}

func wireReactions(rs []store.Reaction) []wire.Reaction {
	out := make([]wire.Reaction, len(rs))
	for i, r := range rs {
		out[i] = wire.Reaction{Emoji: r.Emoji, Users: r.Users}
	}
	return out
}
