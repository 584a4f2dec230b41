package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Normalize converts a raw message of unknown shape into a Message. It never
// fails: a payload that is not a JSON object still yields a message with
// placeholder values, so one bad event cannot break the rest of a channel.
func Normalize(raw json.RawMessage, roster Roster) Message {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Message{
			ID:        anonID(string(raw)),
			Author:    UnknownAuthor(""),
			Type:      TypeText,
			Timestamp: time.Now(),
			Status:    StatusSent,
		}
	}
	return NormalizeFields(fields, roster)
}

// NormalizeFields is Normalize for an already decoded object.
func NormalizeFields(fields map[string]any, roster Roster) Message {
	ref := ResolveAuthorRef(firstPresent(fields, "author", "sender", "user", "authorId", "userId"))
	m := Message{
		ID:        firstString(fields, "_id", "id"),
		Nonce:     firstString(fields, "nonce"),
		Content:   firstString(fields, "content"),
		Author:    ref.Resolve(roster),
		ChannelID: idOf(firstPresent(fields, "channel", "channelId")),
		ServerID:  idOf(firstPresent(fields, "server", "serverId")),
		Type:      parseType(firstString(fields, "type")),
		Edited:    firstBool(fields, "edited", "isEdited") || fields["editedAt"] != nil,
		Deleted:   firstBool(fields, "deleted", "isDeleted"),
		Reactions: parseReactions(fields["reactions"]),
		Status:    StatusSent,
	}

	ts, ok := parseTime(firstPresent(fields, "createdAt", "timestamp"))
	stamp := ""
	if ok {
		stamp = strconv.FormatInt(ts.UnixNano(), 10)
	} else {
		ts = time.Now()
	}
	m.Timestamp = ts

	if m.ID == "" {
		// The fallback clock stays out of the seed so redelivery hashes the same.
		m.ID = anonID(m.ChannelID + "|" + m.Author.ID + "|" + m.Content + "|" + stamp)
	}
	if IsTemporaryID(m.ID) {
		// A raw payload echoing a temp ID is still a local placeholder.
		m.Optimistic = true
		m.Status = StatusSending
	}
	return m
}

// anonID derives a stable ID for payloads that arrived without one, so
// merging the same payload twice stays idempotent.
func anonID(seed string) string {
	return fmt.Sprintf("anon_%016x", xxhash.Sum64String(seed))
}

func parseType(s string) Type {
	switch Type(s) {
	case TypeSystem, TypeFile, TypeGIF:
		return Type(s)
	default:
		return TypeText
	}
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	}
	return time.Time{}, false
}

func parseReactions(v any) []Reaction {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Reaction, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		emoji := firstString(obj, "emoji")
		if emoji == "" {
			continue
		}
		r := Reaction{Emoji: emoji}
		if users, ok := obj["users"].([]any); ok {
			for _, u := range users {
				if id := idOf(u); id != "" {
					r.Users = append(r.Users, id)
				}
			}
		}
		out = append(out, r)
	}
	return out
}

// idOf accepts a bare ID or a populated object carrying _id or id.
func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return firstString(t, "_id", "id")
	}
	return ""
}

func firstPresent(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstBool(fields map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := fields[k].(bool); ok {
			return b
		}
	}
	return false
}
