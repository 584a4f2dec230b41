// Package client is the gateway client runtime: one Session per connection,
// with a ChannelView per open text channel holding its reconciled timeline.
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/debounce"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/message"
	"github.com/matheus3301/fluxy/internal/status"
	"github.com/matheus3301/fluxy/internal/typing"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

// Local events published on Session.Bus.
const (
	// EventViewChanged fires whenever a view's visible state changes. Topic is
	// the channel ID.
	EventViewChanged = "view.changed"
	// EventVoiceSync fires after the voice mirror changes. Topic is the voice
	// channel ID and Payload its member list.
	EventVoiceSync = "voice.sync"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultPageSize   = 50
)

// Options configures a Session.
type Options struct {
	UserID       string
	Username     string
	AckTimeout   time.Duration
	PageSize     int
	TypingExpiry time.Duration
	Heartbeat    time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

func (o *Options) defaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session owns one gateway connection. Inbound events are handled one at a
// time on the dispatch goroutine. A session is Syncing until its first
// channel view has loaded history, then Ready.
type Session struct {
	opts    Options
	self    message.Author
	tr      Transport
	history HistoryFetcher
	sched   *debounce.Scheduler
	typing  *typing.Tracker
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu    sync.RWMutex
	views map[string]*ChannelView
	voice map[string][]string

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the gateway at baseURL and starts a session.
func Dial(ctx context.Context, baseURL string, opts Options) (*Session, error) {
	opts.defaults()
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrInvalidArgument)
	}
	b := bus.New()
	m := status.NewMachine(b)
	_ = m.Transition(status.Connecting)

	wsURL, err := GatewayURL(baseURL, opts.UserID, opts.Username)
	if err != nil {
		_ = m.Transition(status.Closed)
		return nil, err
	}
	tr, err := DialWS(ctx, wsURL, opts.Heartbeat, opts.Logger)
	if err != nil {
		_ = m.Transition(status.Closed)
		return nil, err
	}
	return start(tr, NewHTTPHistory(baseURL), opts, b, m), nil
}

// New starts a session over an already connected transport.
func New(tr Transport, history HistoryFetcher, opts Options) *Session {
	opts.defaults()
	b := bus.New()
	m := status.NewMachine(b)
	_ = m.Transition(status.Connecting)
	return start(tr, history, opts, b, m)
}

func start(tr Transport, history HistoryFetcher, opts Options, b *bus.Bus, m *status.Machine) *Session {
	s := &Session{
		opts: opts,
		self: message.Author{
			ID:          opts.UserID,
			Username:    opts.Username,
			DisplayName: opts.Username,
		},
		tr:      tr,
		history: history,
		sched:   debounce.New(opts.Clock),
		bus:     b,
		machine: m,
		logger:  opts.Logger,
		views:   make(map[string]*ChannelView),
		voice:   make(map[string][]string),
		done:    make(chan struct{}),
	}
	if s.self.Username == "" {
		s.self.Username = opts.UserID
		s.self.DisplayName = opts.UserID
	}
	s.typing = typing.NewTracker(s.sched, opts.TypingExpiry, s.notifyView)

	_ = m.Transition(status.Syncing)
	go s.dispatch()
	return s
}

// synced moves the session to Ready once the first channel has loaded its
// initial history. Later loads leave the state alone.
func (s *Session) synced() {
	if s.machine.Current() == status.Syncing {
		_ = s.machine.Transition(status.Ready)
	}
}

// Bus carries the session's local change notifications.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Status returns the connection state.
func (s *Session) Status() status.State {
	return s.machine.Current()
}

// Self returns the identity the session sends as.
func (s *Session) Self() message.Author {
	return s.self
}

// Done is closed once the dispatch loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SubscribeServer starts receiving server-scoped events, including voice
// syncs. The gateway answers with a snapshot of every occupied voice channel.
func (s *Session) SubscribeServer(ctx context.Context, serverID string) error {
	return s.tr.Send(ctx, wire.OpSubscribe, wire.SubscribeData{Topic: wire.ServerTopic(serverID)})
}

// JoinVoice asks the gateway to move this user into a voice channel.
func (s *Session) JoinVoice(ctx context.Context, serverID, channelID string) error {
	return s.tr.Send(ctx, wire.OpJoinVoice, wire.JoinVoiceData{ServerID: serverID, ChannelID: channelID})
}

// LeaveVoice removes this user from whatever voice channel it is in.
func (s *Session) LeaveVoice(ctx context.Context) error {
	return s.tr.Send(ctx, wire.OpLeaveVoice, nil)
}

// VoiceRoster returns the mirrored members of a voice channel.
func (s *Session) VoiceRoster(channelID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.voice[channelID])
}

// VoiceChannels returns the IDs of every occupied voice channel, sorted.
func (s *Session) VoiceChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.voice))
	for id := range s.voice {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Open creates the view for a text channel. The channel topic is subscribed
// before history is fetched so no live message falls between the two.
func (s *Session) Open(ctx context.Context, serverID, channelID string) (*ChannelView, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", errs.ErrInvalidArgument)
	}

	s.mu.Lock()
	if _, ok := s.views[channelID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %s is already open", errs.ErrInvalidArgument, channelID)
	}
	v := newChannelView(s, serverID, channelID)
	s.views[channelID] = v
	s.mu.Unlock()

	if err := s.tr.Send(ctx, wire.OpSubscribe, wire.SubscribeData{Topic: wire.ChannelTopic(channelID)}); err != nil {
		s.forget(channelID)
		return nil, fmt.Errorf("subscribe %s: %w", channelID, err)
	}
	v.load(ctx)
	return v, nil
}

// View returns an open view.
func (s *Session) View(channelID string) (*ChannelView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[channelID]
	return v, ok
}

// Close closes every view, stops all timers and drops the connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.RLock()
		views := make([]*ChannelView, 0, len(s.views))
		for _, v := range s.views {
			views = append(views, v)
		}
		s.mu.RUnlock()
		for _, v := range views {
			v.Close()
		}
		s.sched.Stop()
		err = s.tr.Close()
		<-s.done
	})
	return err
}

func (s *Session) forget(channelID string) {
	s.mu.Lock()
	delete(s.views, channelID)
	s.mu.Unlock()
}

func (s *Session) notifyView(channelID string) {
	s.bus.Publish(bus.Event{Kind: EventViewChanged, Topic: channelID})
}

func (s *Session) dispatch() {
	defer close(s.done)
	for env := range s.tr.Events() {
		s.handle(env)
	}
	s.sched.Stop()
	if err := s.machine.Transition(status.Closed); err != nil {
		s.logger.Debug("status transition", zap.Error(err))
	}
	s.logger.Info("gateway session closed")
}

func (s *Session) handle(env wire.Envelope) {
	switch env.Op {
	case wire.OpNewMessage:
		s.onNewMessage(env)
	case wire.OpMessageUpdated:
		s.onMessageUpdated(env)
	case wire.OpMessageDeleted:
		var d wire.MessageDeleted
		if s.decode(env, &d) {
			if v, ok := s.View(d.ChannelID); ok && v.timeline.Delete(d.MessageID) {
				s.notifyView(d.ChannelID)
			}
		}
	case wire.OpReactionUpdate:
		var d wire.ReactionUpdate
		if s.decode(env, &d) {
			reactions := fromWireReactions(d.Reactions)
			if v, ok := s.View(d.ChannelID); ok && v.timeline.Update(d.MessageID, message.Patch{Reactions: &reactions}) {
				s.notifyView(d.ChannelID)
			}
		}
	case wire.OpUserTyping:
		var d wire.UserTyping
		if s.decode(env, &d) && d.UserID != s.self.ID {
			if _, ok := s.View(d.ChannelID); !ok {
				return
			}
			if d.IsTyping {
				s.typing.Touch(d.ChannelID, d.UserID, d.Username)
			} else {
				s.typing.Stop(d.ChannelID, d.UserID)
			}
		}
	case wire.OpVoiceChannelSync:
		var d wire.VoiceChannelSync
		if s.decode(env, &d) {
			s.onVoiceSync(d)
		}
	case wire.OpMessageError:
		var d wire.MessageError
		if s.decode(env, &d) {
			s.onMessageError(d)
		}
	case wire.OpHeartbeatAck:
	default:
		s.logger.Debug("unhandled gateway event", zap.String("op", env.Op))
	}
}

func (s *Session) decode(env wire.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.logger.Warn("invalid gateway payload", zap.String("op", env.Op), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) onNewMessage(env wire.Envelope) {
	var head struct {
		ChannelID string `json:"channel"`
		Alt       string `json:"channelId"`
	}
	_ = env.Decode(&head)
	channelID := head.ChannelID
	if channelID == "" {
		channelID = head.Alt
	}
	v, ok := s.View(channelID)
	if !ok {
		return
	}
	v.receive(message.Normalize(env.Data, v.Roster()))
}

func (s *Session) onMessageUpdated(env wire.Envelope) {
	var head struct {
		ChannelID string `json:"channel"`
	}
	_ = env.Decode(&head)
	v, ok := s.View(head.ChannelID)
	if !ok {
		return
	}
	m := message.Normalize(env.Data, v.Roster())
	patch := message.Patch{Content: &m.Content, Edited: &m.Edited}
	if m.Reactions != nil {
		patch.Reactions = &m.Reactions
	}
	if v.timeline.Update(m.ID, patch) {
		s.notifyView(v.channelID)
	}
}

func (s *Session) onVoiceSync(d wire.VoiceChannelSync) {
	if d.ChannelID == "" {
		return
	}
	s.mu.Lock()
	if len(d.ConnectedUsers) == 0 {
		delete(s.voice, d.ChannelID)
	} else {
		s.voice[d.ChannelID] = slices.Clone(d.ConnectedUsers)
	}
	s.mu.Unlock()
	s.bus.Publish(bus.Event{Kind: EventVoiceSync, Topic: d.ChannelID, Payload: slices.Clone(d.ConnectedUsers)})
}

func (s *Session) onMessageError(d wire.MessageError) {
	if d.Nonce == "" {
		s.logger.Warn("message op rejected", zap.String("message_id", d.MessageID), zap.String("error", d.Error))
		return
	}
	s.mu.RLock()
	views := make([]*ChannelView, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.RUnlock()
	for _, v := range views {
		if v.fail(d.Nonce) {
			s.logger.Info("send rejected", zap.String("nonce", d.Nonce), zap.String("error", d.Error))
			return
		}
	}
}

func fromWireReactions(in []wire.Reaction) []message.Reaction {
	out := make([]message.Reaction, 0, len(in))
	for _, r := range in {
		out = append(out, message.Reaction{Emoji: r.Emoji, Users: slices.Clone(r.Users)})
	}
	return out
}
