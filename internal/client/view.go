package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/message"
	"github.com/matheus3301/fluxy/internal/typing"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

const ackKeyPrefix = "ack/"

// SendOptions tunes a single send.
type SendOptions struct {
	Type message.Type
}

// ChannelView is the local state of one open text channel.
type ChannelView struct {
	s         *Session
	serverID  string
	channelID string
	timeline  *message.Timeline

	mu        sync.RWMutex
	roster    message.MemberRoster
	loading   bool
	err       error
	page      int
	exhausted bool
	closed    bool
}

func newChannelView(s *Session, serverID, channelID string) *ChannelView {
	return &ChannelView{
		s:         s,
		serverID:  serverID,
		channelID: channelID,
		timeline:  message.NewTimeline(),
		roster:    message.MemberRoster{},
		loading:   true,
	}
}

// ChannelID returns the channel this view shows.
func (v *ChannelView) ChannelID() string { return v.channelID }

// Messages returns the reconciled timeline, oldest first.
func (v *ChannelView) Messages() []message.Message {
	return v.timeline.Snapshot()
}

// Loading reports whether a history fetch is in flight.
func (v *ChannelView) Loading() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loading
}

// Err returns the last history error, if any.
func (v *ChannelView) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

// HasMore reports whether older history may still exist.
func (v *ChannelView) HasMore() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return !v.exhausted
}

// TypingUsers returns who else is typing here.
func (v *ChannelView) TypingUsers() []typing.Indicator {
	return v.s.typing.Active(v.channelID)
}

// Roster returns the server roster used to resolve bare author IDs.
func (v *ChannelView) Roster() message.MemberRoster {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.roster
}

// SendMessage inserts an optimistic message and sends it. The returned
// message carries the temporary ID; it turns failed on a send error, on a
// rejection from the gateway, or when no confirmation arrives within the ack
// timeout.
func (v *ChannelView) SendMessage(ctx context.Context, content string, opts SendOptions) (message.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return message.Message{}, fmt.Errorf("%w: message content is empty", errs.ErrInvalidArgument)
	}
	if v.isClosed() {
		return message.Message{}, errs.ErrClosed
	}

	m := message.CreateOptimistic(content, v.s.self, v.channelID, v.serverID)
	if opts.Type != "" {
		m.Type = opts.Type
	}
	v.timeline.Merge(m)
	v.s.notifyView(v.channelID)

	id := m.ID
	v.s.sched.Arm(v.ackKey(id), v.s.opts.AckTimeout, func() {
		if v.timeline.MarkFailed(id) {
			v.s.logger.Info("send timed out", zap.String("channel_id", v.channelID), zap.String("nonce", id))
			v.s.notifyView(v.channelID)
		}
	})

	err := v.s.tr.Send(ctx, wire.OpSendMessage, wire.SendMessageData{
		ChannelID: v.channelID,
		ServerID:  v.serverID,
		Content:   content,
		Type:      string(m.Type),
		Nonce:     m.Nonce,
	})
	if err != nil {
		v.fail(id)
		m.Status = message.StatusFailed
		return m, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// Edit asks the gateway to replace a message's content. The timeline changes
// when the resulting message_updated arrives.
func (v *ChannelView) Edit(ctx context.Context, messageID, content string) error {
	return v.s.tr.Send(ctx, wire.OpEditMessage, wire.EditMessageData{MessageID: messageID, Content: content})
}

// Delete asks the gateway to delete a message.
func (v *ChannelView) Delete(ctx context.Context, messageID string) error {
	return v.s.tr.Send(ctx, wire.OpDeleteMessage, wire.DeleteMessageData{MessageID: messageID})
}

// React toggles this user's reaction on a message.
func (v *ChannelView) React(ctx context.Context, messageID, emoji string) error {
	return v.s.tr.Send(ctx, wire.OpReact, wire.ReactData{MessageID: messageID, Emoji: emoji})
}

// SetTyping tells the others in the channel whether this user is typing.
func (v *ChannelView) SetTyping(ctx context.Context, isTyping bool) error {
	return v.s.tr.Send(ctx, wire.OpTyping, wire.TypingData{ChannelID: v.channelID, IsTyping: isTyping})
}

// LoadOlder fetches the next page of history and returns how many messages
// it added. It does nothing once history is exhausted or while a fetch is
// running.
func (v *ChannelView) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.loading || v.exhausted || v.closed {
		v.mu.Unlock()
		return 0, nil
	}
	v.loading = true
	page := v.page + 1
	v.mu.Unlock()
	v.s.notifyView(v.channelID)

	added, n, err := v.fetchPage(ctx, page)

	v.mu.Lock()
	v.loading = false
	v.err = err
	if err == nil {
		v.page = page
		v.exhausted = n < v.s.opts.PageSize
	}
	v.mu.Unlock()
	v.s.notifyView(v.channelID)
	return added, err
}

// Close cancels the view's typing and ack timers and unsubscribes from the
// channel. Pending sends stay in whatever state they reached.
func (v *ChannelView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.s.typing.ClearChannel(v.channelID)
	v.s.sched.CancelPrefix(v.ackPrefix())
	v.s.forget(v.channelID)

	if err := v.s.tr.Send(context.Background(), wire.OpUnsubscribe, wire.SubscribeData{Topic: wire.ChannelTopic(v.channelID)}); err != nil {
		v.s.logger.Debug("unsubscribe failed", zap.String("channel_id", v.channelID), zap.Error(err))
	}
}

func (v *ChannelView) load(ctx context.Context) {
	members, err := v.s.history.FetchMembers(ctx, v.serverID)
	if err != nil {
		v.s.logger.Warn("fetch members failed", zap.String("server_id", v.serverID), zap.Error(err))
	}
	roster := message.NewRoster(members)
	roster[v.s.self.ID] = v.s.self

	v.mu.Lock()
	v.roster = roster
	v.mu.Unlock()

	_, n, err := v.fetchPage(ctx, 1)

	v.mu.Lock()
	v.loading = false
	v.err = err
	if err == nil {
		v.page = 1
		v.exhausted = n < v.s.opts.PageSize
	}
	v.mu.Unlock()
	if err == nil {
		v.s.synced()
	}
	v.s.notifyView(v.channelID)
}

// fetchPage merges one history page and returns the number of messages added
// and the raw page length.
func (v *ChannelView) fetchPage(ctx context.Context, page int) (int, int, error) {
	raw, err := v.s.history.FetchPage(ctx, v.channelID, page, v.s.opts.PageSize)
	if err != nil {
		v.s.logger.Warn("fetch history failed",
			zap.String("channel_id", v.channelID), zap.Int("page", page), zap.Error(err))
		return 0, 0, err
	}
	roster := v.Roster()
	msgs := make([]message.Message, 0, len(raw))
	for _, r := range raw {
		msgs = append(msgs, message.Normalize(r, roster))
	}
	res := v.timeline.Merge(msgs...)
	v.settle(res)
	return len(res.Added), len(raw), nil
}

// receive merges a live message.
func (v *ChannelView) receive(m message.Message) {
	res := v.timeline.Merge(m)
	v.settle(res)
	if m.Author.ID != "" {
		v.s.typing.Stop(v.channelID, m.Author.ID)
	}
	if res.Changed() {
		v.s.notifyView(v.channelID)
	}
}

// settle cancels the ack timers of optimistic messages that were confirmed.
func (v *ChannelView) settle(res message.MergeResult) {
	for tempID := range res.Replaced {
		v.s.sched.Cancel(v.ackKey(tempID))
	}
}

// fail marks a pending send as failed. Reports whether the view owned it.
func (v *ChannelView) fail(tempID string) bool {
	v.s.sched.Cancel(v.ackKey(tempID))
	if !v.timeline.MarkFailed(tempID) {
		return false
	}
	v.s.notifyView(v.channelID)
	return true
}

func (v *ChannelView) isClosed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}

func (v *ChannelView) ackPrefix() string {
	return ackKeyPrefix + v.channelID + "\x00"
}

func (v *ChannelView) ackKey(tempID string) string {
	return v.ackPrefix() + tempID
}
