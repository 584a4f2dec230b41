package store

import (
	"context"
	"strings"
)

// SearchMessages finds messages whose content contains query, newest first.
// An empty channelID searches every channel.
func (db *DB) SearchMessages(ctx context.Context, query, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	q := `
		SELECT id, channel_id, server_id, author_id, content, type, nonce, edited, created_at
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`

	args := []any{"%" + escapeLike(query) + "%"}
	if channelID != "" {
		q += " AND channel_id = ?"
		args = append(args, channelID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	results := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.Content, &m.Type, &m.Nonce, &m.Edited, &m.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
