package api

import "github.com/matheus3301/fluxy/internal/wire"

// ChannelMembers is the member list of one voice channel.
type ChannelMembers struct {
	ServerID  string   `json:"serverId,omitempty"`
	ChannelID string   `json:"channelId"`
	Members   []string `json:"members"`
}

type JoinRequest struct {
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type JoinResponse struct {
	Channel ChannelMembers `json:"channel"`
}

type LeaveRequest struct {
	UserID string `json:"userId"`
}

// LeaveResponse reports the channel the user left, if any.
type LeaveResponse struct {
	Left    bool           `json:"left"`
	Channel ChannelMembers `json:"channel"`
}

// SnapshotRequest filters by server when ServerID is set.
type SnapshotRequest struct {
	ServerID string `json:"serverId,omitempty"`
}

type SnapshotResponse struct {
	Channels []ChannelMembers `json:"channels"`
}

// WatchVoiceRequest filters the stream by server when ServerID is set.
type WatchVoiceRequest struct {
	ServerID string `json:"serverId,omitempty"`
}

// VoiceEvent is one voiceChannelSync as seen by admin watchers.
type VoiceEvent struct {
	EventID          string   `json:"eventId"`
	OccurredAtUnixMs int64    `json:"occurredAtUnixMs"`
	ServerID         string   `json:"serverId"`
	ChannelID        string   `json:"channelId"`
	ConnectedUsers   []string `json:"connectedUsers"`
}

type HistoryRequest struct {
	ChannelID string `json:"channelId"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
}

type HistoryResponse struct {
	Messages []wire.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

type SearchRequest struct {
	Query     string `json:"query"`
	ChannelID string `json:"channelId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type SearchResponse struct {
	Messages []wire.Message `json:"messages"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Instance      string `json:"instance"`
	Gateway       string `json:"gateway"`
	UptimeMs      int64  `json:"uptimeMs"`
	Connections   int    `json:"connections"`
	VoiceChannels int    `json:"voiceChannels"`
	VoiceUsers    int    `json:"voiceUsers"`
	MessageCount  int64  `json:"messageCount"`
}
