package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// Page sizes for FetchChannelHistory.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// CreateMessage inserts a new message. CreatedAt defaults to now.
func (db *DB) CreateMessage(ctx context.Context, m *Message) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.Type == "" {
		m.Type = "text"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, server_id, author_id, content, type, nonce, edited, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.ServerID, m.AuthorID, m.Content, m.Type, m.Nonce, m.Edited, m.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns a message with its reactions, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := db.QueryRowContext(ctx, `
		SELECT id, channel_id, server_id, author_id, content, type, nonce, edited, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.Content, &m.Type, &m.Nonce, &m.Edited, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	reactions, err := db.reactionsFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions[id]
	return &m, nil
}

// UpdateMessageContent replaces the content and marks the message edited.
// Reports false when the message does not exist.
func (db *DB) UpdateMessageContent(ctx context.Context, id, content string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited = 1, updated_at = ? WHERE id = ?`,
		content, time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("update message %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessage removes a message and its reactions.
func (db *DB) DeleteMessage(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ToggleReaction adds the user's emoji reaction, or removes it if present,
// and returns the message's resulting reaction list.
func (db *DB) ToggleReaction(ctx context.Context, messageID, emoji, userID string) ([]Reaction, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`,
		messageID, emoji, userID)
	if err != nil {
		return nil, fmt.Errorf("remove reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?)`,
			messageID, emoji, userID, time.Now().UnixMilli()); err != nil {
			return nil, fmt.Errorf("add reaction: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	reactions, err := db.reactionsFor(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if r := reactions[messageID]; r != nil {
		return r, nil
	}
	return []Reaction{}, nil
}

// FetchChannelHistory returns one page of a channel's messages. Page 1 holds
// the newest messages; each page is returned oldest first.
func (db *DB) FetchChannelHistory(ctx context.Context, channelID string, page, pageSize int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	rows, err := db.QueryContext(ctx, `
		SELECT id, channel_id, server_id, author_id, content, type, nonce, edited, created_at
		FROM messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, channelID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.Content, &m.Type, &m.Nonce, &m.Edited, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	reactions, err := db.reactionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return msgs, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// reactionsFor groups reactions per message, emojis in order of first use.
func (db *DB) reactionsFor(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	out := make(map[string][]Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT message_id, emoji, user_id
		FROM reactions
		WHERE message_id IN (`+placeholders(len(messageIDs))+`)
		ORDER BY created_at, rowid`, stringArgs(messageIDs)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var msgID, emoji, userID string
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			return nil, err
		}
		list := out[msgID]
		idx := slices.IndexFunc(list, func(r Reaction) bool { return r.Emoji == emoji })
		if idx < 0 {
			list = append(list, Reaction{Emoji: emoji})
			idx = len(list) - 1
		}
		list[idx].Users = append(list[idx].Users, userID)
		out[msgID] = list
	}
	return out, rows.Err()
}
