package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UpsertMember inserts or updates a roster entry. Empty profile fields never
// overwrite known ones.
func (db *DB) UpsertMember(ctx context.Context, m *Member) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO members (server_id, user_id, username, display_name, avatar, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, user_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE members.username END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE members.display_name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE members.avatar END,
			updated_at = excluded.updated_at`,
		m.ServerID, m.UserID, m.Username, m.DisplayName, m.Avatar, now)
	if err != nil {
		return fmt.Errorf("upsert member %q: %w", m.UserID, err)
	}
	return nil
}

// ListMembers returns the roster of a server ordered by username.
func (db *DB) ListMembers(ctx context.Context, serverID string) ([]Member, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT server_id, user_id, username, display_name, avatar
		FROM members
		WHERE server_id = ?
		ORDER BY username, user_id`, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ServerID, &m.UserID, &m.Username, &m.DisplayName, &m.Avatar); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MembersByID looks up profiles for the given user IDs across all servers.
// IDs without a roster entry are absent from the result.
func (db *DB) MembersByID(ctx context.Context, userIDs []string) (map[string]Member, error) {
	out := make(map[string]Member, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	q := `
		SELECT server_id, user_id, username, display_name, avatar
		FROM members
		WHERE user_id IN (` + placeholders(len(userIDs)) + `)
		ORDER BY updated_at DESC`
	rows, err := db.QueryContext(ctx, q, stringArgs(userIDs)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ServerID, &m.UserID, &m.Username, &m.DisplayName, &m.Avatar); err != nil {
			return nil, err
		}
		// Most recently updated profile wins.
		if _, ok := out[m.UserID]; !ok {
			out[m.UserID] = m
		}
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
