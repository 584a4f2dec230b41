// Package voice tracks which users are connected to which voice channels and
// publishes coalesced membership syncs to everyone watching the parent server.
//
// Mutations are applied to the in-memory index and persisted immediately.
// Only the broadcast is debounced: a burst of joins and leaves on a channel
// produces a single voiceChannelSync carrying the membership at fire time.
package voice

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/fluxy/internal/debounce"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

// DefaultSyncDelay is the broadcast debounce window per channel.
const DefaultSyncDelay = 50 * time.Millisecond

const syncKeyPrefix = "voice/"

// MembershipStore persists the member list of a voice channel. The list is
// written whole; implementations must overwrite, never append.
type MembershipStore interface {
	ReplaceChannelMembers(ctx context.Context, channelID string, members []string) error
}

// Broadcaster delivers an event to every client subscribed to a server topic.
type Broadcaster interface {
	BroadcastToServerTopic(serverID, event string, payload any)
}

// Membership is a snapshot of one active voice channel.
type Membership struct {
	ChannelID string
	ServerID  string
	Members   []string
}

type channelState struct {
	serverID string
	members  map[string]struct{}
}

// Coordinator owns the authoritative voice membership index.
type Coordinator struct {
	store       MembershipStore
	broadcaster Broadcaster
	sched       *debounce.Scheduler
	delay       time.Duration
	logger      *zap.Logger

	persistMu sync.Mutex

	mu          sync.Mutex
	channels    map[string]*channelState // channelID -> state
	userChannel map[string]string        // userID -> channelID
}

// NewCoordinator creates a coordinator. A non-positive delay falls back to
// DefaultSyncDelay.
func NewCoordinator(store MembershipStore, b Broadcaster, sched *debounce.Scheduler, delay time.Duration, logger *zap.Logger) *Coordinator {
	if delay <= 0 {
		delay = DefaultSyncDelay
	}
	return &Coordinator{
		store:       store,
		broadcaster: b,
		sched:       sched,
		delay:       delay,
		logger:      logger,
		channels:    make(map[string]*channelState),
		userChannel: make(map[string]string),
	}
}

// Join moves userID into channelID of serverID. A user already in another
// channel leaves it first; both channels get exactly one pending sync. The
// switch happens under one lock so a user is never in two channels.
func (c *Coordinator) Join(ctx context.Context, serverID, channelID, userID string) error {
	if serverID == "" || channelID == "" || userID == "" {
		return fmt.Errorf("%w: server, channel and user are required", errs.ErrInvalidArgument)
	}

	c.mu.Lock()
	if prev, ok := c.userChannel[userID]; ok && prev == channelID {
		server := c.channels[channelID].serverID
		c.mu.Unlock()
		c.scheduleSync(server, channelID)
		return nil
	}
	left, switched := c.removeLocked(userID)

	st, ok := c.channels[channelID]
	if !ok {
		st = &channelState{serverID: serverID, members: make(map[string]struct{})}
		c.channels[channelID] = st
	}
	st.members[userID] = struct{}{}
	c.userChannel[userID] = channelID
	snap := c.snapshotLocked(channelID, st.serverID)
	c.mu.Unlock()

	if switched {
		c.logger.Info("user left voice channel",
			zap.String("user_id", userID),
			zap.String("channel_id", left.ChannelID),
			zap.Int("members", len(left.Members)))
		c.persist(ctx, left.ChannelID)
		// The switch owns the old channel's sync.
		c.scheduleSync(left.ServerID, left.ChannelID)
	}

	c.logger.Info("user joined voice channel",
		zap.String("user_id", userID),
		zap.String("channel_id", channelID),
		zap.Int("members", len(snap.Members)))

	c.persist(ctx, channelID)
	c.scheduleSync(snap.ServerID, channelID)
	return nil
}

// Leave removes userID from whatever channel they are in. With
// shouldBroadcast false the caller is responsible for a later sync of the
// returned channel. Reports false if the user was not in a channel.
func (c *Coordinator) Leave(ctx context.Context, userID string, shouldBroadcast bool) (Membership, bool) {
	c.mu.Lock()
	snap, ok := c.removeLocked(userID)
	c.mu.Unlock()
	if !ok {
		return Membership{}, false
	}

	c.logger.Info("user left voice channel",
		zap.String("user_id", userID),
		zap.String("channel_id", snap.ChannelID),
		zap.Int("members", len(snap.Members)))

	c.persist(ctx, snap.ChannelID)
	if shouldBroadcast {
		c.scheduleSync(snap.ServerID, snap.ChannelID)
	}
	return snap, true
}

// DisconnectUser is Leave with broadcast, for transport teardown.
func (c *Coordinator) DisconnectUser(ctx context.Context, userID string) {
	c.Leave(ctx, userID, true)
}

// removeLocked takes userID out of its channel and prunes the channel if it
// became empty. Callers hold c.mu.
func (c *Coordinator) removeLocked(userID string) (Membership, bool) {
	channelID, ok := c.userChannel[userID]
	if !ok {
		return Membership{}, false
	}
	delete(c.userChannel, userID)

	serverID := ""
	if st := c.channels[channelID]; st != nil {
		serverID = st.serverID
		delete(st.members, userID)
		if len(st.members) == 0 {
			delete(c.channels, channelID)
		}
	}
	return c.snapshotLocked(channelID, serverID), true
}

// snapshotLocked builds the current membership of channelID. The channel may
// already be gone from the index, in which case Members is empty.
func (c *Coordinator) snapshotLocked(channelID, serverID string) Membership {
	members := []string{}
	if st, ok := c.channels[channelID]; ok {
		members = make([]string, 0, len(st.members))
		for uid := range st.members {
			members = append(members, uid)
		}
		slices.Sort(members)
	}
	return Membership{ChannelID: channelID, ServerID: serverID, Members: members}
}

// persist writes the current member list of channelID. Writes are
// serialized and read the index at write time, so the last write always
// reflects the latest mutation even when concurrent callers race.
func (c *Coordinator) persist(ctx context.Context, channelID string) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	members := c.snapshotLocked(channelID, "").Members
	c.mu.Unlock()

	if err := c.store.ReplaceChannelMembers(ctx, channelID, members); err != nil {
		c.logger.Warn("failed to persist voice members",
			zap.Error(err),
			zap.String("channel_id", channelID),
			zap.Int("members", len(members)))
	}
}

func (c *Coordinator) scheduleSync(serverID, channelID string) {
	c.sched.Arm(syncKeyPrefix+channelID, c.delay, func() {
		c.flush(serverID, channelID)
	})
}

// flush broadcasts the membership as it is now, not as it was when the sync
// was scheduled.
func (c *Coordinator) flush(serverID, channelID string) {
	c.mu.Lock()
	snap := c.snapshotLocked(channelID, serverID)
	c.mu.Unlock()

	if c.broadcaster == nil {
		return
	}
	c.broadcaster.BroadcastToServerTopic(serverID, wire.OpVoiceChannelSync, wire.VoiceChannelSync{
		ChannelID:      channelID,
		ServerID:       serverID,
		ConnectedUsers: snap.Members,
	})
	c.logger.Debug("voice sync broadcast",
		zap.String("server_id", serverID),
		zap.String("channel_id", channelID),
		zap.Int("members", len(snap.Members)))
}

// ChannelOf returns the channel userID is connected to.
func (c *Coordinator) ChannelOf(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channelID, ok := c.userChannel[userID]
	return channelID, ok
}

// Members returns the sorted member list of channelID; empty if inactive.
func (c *Coordinator) Members(channelID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(channelID, "").Members
}

// ServerSnapshot returns a sync payload for every active voice channel of
// serverID. Clients receive it when they first subscribe to the server.
func (c *Coordinator) ServerSnapshot(serverID string) []wire.VoiceChannelSync {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []wire.VoiceChannelSync
	for channelID, st := range c.channels {
		if st.serverID != serverID {
			continue
		}
		snap := c.snapshotLocked(channelID, serverID)
		out = append(out, wire.VoiceChannelSync{
			ChannelID:      channelID,
			ServerID:       serverID,
			ConnectedUsers: snap.Members,
		})
	}
	slices.SortFunc(out, func(a, b wire.VoiceChannelSync) int {
		return strings.Compare(a.ChannelID, b.ChannelID)
	})
	return out
}

// Snapshot returns every active channel, sorted by channel ID.
func (c *Coordinator) Snapshot() []Membership {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Membership, 0, len(c.channels))
	for channelID, st := range c.channels {
		out = append(out, c.snapshotLocked(channelID, st.serverID))
	}
	slices.SortFunc(out, func(a, b Membership) int {
		return strings.Compare(a.ChannelID, b.ChannelID)
	})
	return out
}

// Close cancels every pending sync.
func (c *Coordinator) Close() {
	n := c.sched.CancelPrefix(syncKeyPrefix)
	if n > 0 {
		c.logger.Info("cancelled pending voice syncs", zap.Int("count", n))
	}
}
