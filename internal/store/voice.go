package store

import (
	"context"
	"fmt"
	"time"
)

// ReplaceChannelMembers overwrites the persisted member list of a voice
// channel. An empty list clears the channel.
func (db *DB) ReplaceChannelMembers(ctx context.Context, channelID string, members []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM voice_members WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("clear voice_members %q: %w", channelID, err)
	}

	now := time.Now().UnixMilli()
	for i, userID := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO voice_members (channel_id, user_id, position, updated_at) VALUES (?, ?, ?, ?)`,
			channelID, userID, i, now); err != nil {
			return fmt.Errorf("insert voice member %q: %w", userID, err)
		}
	}
	return tx.Commit()
}

// ChannelMembers returns the persisted member list of a voice channel.
func (db *DB) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT user_id FROM voice_members WHERE channel_id = ? ORDER BY position`, channelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ClearVoiceMembers drops every persisted voice membership. The daemon calls
// it on start since no gateway connection survives a restart.
func (db *DB) ClearVoiceMembers(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM voice_members`)
	if err != nil {
		return 0, fmt.Errorf("clear voice_members: %w", err)
	}
	return res.RowsAffected()
}
