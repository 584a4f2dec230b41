package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/fluxy/internal/debounce"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

type write struct {
	channelID string
	members   []string
}

type fakeStore struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (f *fakeStore) ReplaceChannelMembers(_ context.Context, channelID string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write{channelID: channelID, members: slices.Clone(members)})
	return f.err
}

func (f *fakeStore) last(channelID string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		if f.writes[i].channelID == channelID {
			return f.writes[i].members, true
		}
	}
	return nil, false
}

type broadcast struct {
	serverID string
	event    string
	payload  wire.VoiceChannelSync
}

type fakeBroadcaster struct {
	ch chan broadcast
}

func (f *fakeBroadcaster) BroadcastToServerTopic(serverID, event string, payload any) {
	f.ch <- broadcast{serverID: serverID, event: event, payload: payload.(wire.VoiceChannelSync)}
}

type fixture struct {
	coord *Coordinator
	store *fakeStore
	bc    *fakeBroadcaster
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	store := &fakeStore{}
	bc := &fakeBroadcaster{ch: make(chan broadcast, 64)}
	coord := NewCoordinator(store, bc, debounce.New(mock), DefaultSyncDelay, zap.NewNop())
	t.Cleanup(coord.Close)
	return &fixture{coord: coord, store: store, bc: bc, clock: mock}
}

// settle advances past the debounce window and collects every broadcast.
func (f *fixture) settle(t *testing.T) []broadcast {
	t.Helper()
	f.clock.Add(DefaultSyncDelay)

	var got []broadcast
	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case b := <-f.bc.ch:
			got = append(got, b)
		case <-timeout:
			slices.SortFunc(got, func(a, b broadcast) int {
				return strings.Compare(a.payload.ChannelID, b.payload.ChannelID)
			})
			return got
		}
	}
}

func TestJoinPersistsBeforeBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.coord.Join(ctx, "s1", "v1", "alice"); err != nil {
		t.Fatal(err)
	}

	// Storage is written immediately, the broadcast waits for the debounce.
	members, ok := f.store.last("v1")
	if !ok || !slices.Equal(members, []string{"alice"}) {
		t.Errorf("persisted = %v, want [alice]", members)
	}
	select {
	case b := <-f.bc.ch:
		t.Fatalf("broadcast before debounce: %+v", b)
	default:
	}

	got := f.settle(t)
	if len(got) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(got))
	}
	if got[0].serverID != "s1" || got[0].event != wire.OpVoiceChannelSync {
		t.Errorf("broadcast = %+v", got[0])
	}
	if !slices.Equal(got[0].payload.ConnectedUsers, []string{"alice"}) {
		t.Errorf("connectedUsers = %v, want [alice]", got[0].payload.ConnectedUsers)
	}
}

func TestJoinRequiresIdentifiers(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Join(context.Background(), "s1", "", "alice")
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("Join() error = %v, want ErrInvalidArgument", err)
	}
}

func TestMembershipExclusivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4"}
	channels := []string{"v1", "v2", "v3"}
	for i := 0; i < 40; i++ {
		u := users[i%len(users)]
		ch := channels[(i*7)%len(channels)]
		if err := f.coord.Join(ctx, "s1", ch, u); err != nil {
			t.Fatal(err)
		}
		if i%5 == 0 {
			f.coord.Leave(ctx, users[(i+1)%len(users)], true)
		}

		seen := map[string]int{}
		for _, m := range f.coord.Snapshot() {
			for _, uid := range m.Members {
				seen[uid]++
			}
		}
		for uid, n := range seen {
			if n > 1 {
				t.Fatalf("step %d: user %s in %d channels", i, uid, n)
			}
		}
	}
}

func TestLeavePrunesEmptyChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.coord.Join(ctx, "s1", "v1", "alice")
	_ = f.coord.Join(ctx, "s1", "v1", "bob")

	f.coord.Leave(ctx, "alice", true)
	if snap := f.coord.Snapshot(); len(snap) != 1 {
		t.Fatalf("active channels = %d, want 1", len(snap))
	}

	left, ok := f.coord.Leave(ctx, "bob", true)
	if !ok || left.ChannelID != "v1" {
		t.Fatalf("Leave() = (%+v, %v)", left, ok)
	}
	if snap := f.coord.Snapshot(); len(snap) != 0 {
		t.Errorf("active channels = %v, want none", snap)
	}
	if members, _ := f.store.last("v1"); len(members) != 0 {
		t.Errorf("persisted = %v, want empty list", members)
	}
	if _, ok := f.coord.ChannelOf("bob"); ok {
		t.Error("bob still tracked")
	}

	got := f.settle(t)
	if len(got) != 1 || len(got[0].payload.ConnectedUsers) != 0 {
		t.Errorf("broadcasts = %+v, want one empty sync", got)
	}
	if got[0].payload.ConnectedUsers == nil {
		t.Error("connectedUsers is nil, want empty list")
	}
}

func TestLeaveUnknownUser(t *testing.T) {
	f := newFixture(t)
	if _, ok := f.coord.Leave(context.Background(), "ghost", true); ok {
		t.Error("Leave(ghost) = true, want false")
	}
	if n := len(f.settle(t)); n != 0 {
		t.Errorf("got %d broadcasts, want 0", n)
	}
}

func TestBurstCollapsesIntoOneSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = f.coord.Join(ctx, "s1", "v1", fmt.Sprintf("u%d", i))
		f.clock.Add(5 * time.Millisecond)
	}
	f.coord.Leave(ctx, "u0", true)

	got := f.settle(t)
	if len(got) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(got))
	}
	want := []string{"u1", "u2", "u3", "u4", "u5"}
	if !slices.Equal(got[0].payload.ConnectedUsers, want) {
		t.Errorf("connectedUsers = %v, want %v", got[0].payload.ConnectedUsers, want)
	}
}

func TestChannelSwitchSyncsBothChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.coord.Join(ctx, "s1", "v1", "x"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Join(ctx, "s1", "v2", "x"); err != nil {
		t.Fatal(err)
	}

	if ch, _ := f.coord.ChannelOf("x"); ch != "v2" {
		t.Errorf("ChannelOf(x) = %q, want v2", ch)
	}
	if m := f.coord.Members("v1"); len(m) != 0 {
		t.Errorf("v1 members = %v, want none", m)
	}

	got := f.settle(t)
	if len(got) != 2 {
		t.Fatalf("got %d broadcasts, want 2: %+v", len(got), got)
	}
	if got[0].payload.ChannelID != "v1" || len(got[0].payload.ConnectedUsers) != 0 {
		t.Errorf("v1 sync = %+v, want empty", got[0].payload)
	}
	if got[1].payload.ChannelID != "v2" || !slices.Equal(got[1].payload.ConnectedUsers, []string{"x"}) {
		t.Errorf("v2 sync = %+v, want [x]", got[1].payload)
	}
}

func TestLeaveWithoutBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.coord.Join(ctx, "s1", "v1", "alice")
	f.settle(t)

	if _, ok := f.coord.Leave(ctx, "alice", false); !ok {
		t.Fatal("Leave() = false")
	}
	if n := len(f.settle(t)); n != 0 {
		t.Errorf("got %d broadcasts, want 0", n)
	}
}

func TestPersistFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("disk full")
	ctx := context.Background()

	if err := f.coord.Join(ctx, "s1", "v1", "alice"); err != nil {
		t.Fatalf("Join() error = %v, want nil despite store failure", err)
	}
	if m := f.coord.Members("v1"); !slices.Equal(m, []string{"alice"}) {
		t.Errorf("members = %v, want [alice]", m)
	}
	if got := f.settle(t); len(got) != 1 {
		t.Errorf("got %d broadcasts, want 1", len(got))
	}
}

func TestServerSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.coord.Join(ctx, "s1", "v2", "bob")
	_ = f.coord.Join(ctx, "s1", "v1", "alice")
	_ = f.coord.Join(ctx, "s2", "w1", "carol")

	snap := f.coord.ServerSnapshot("s1")
	if len(snap) != 2 {
		t.Fatalf("got %d channels, want 2", len(snap))
	}
	if snap[0].ChannelID != "v1" || snap[1].ChannelID != "v2" {
		t.Errorf("order = %s, %s", snap[0].ChannelID, snap[1].ChannelID)
	}
	if len(f.coord.ServerSnapshot("s3")) != 0 {
		t.Error("unknown server has channels")
	}
}

func TestCloseCancelsPendingSyncs(t *testing.T) {
	f := newFixture(t)
	_ = f.coord.Join(context.Background(), "s1", "v1", "alice")
	f.coord.Close()

	if n := len(f.settle(t)); n != 0 {
		t.Errorf("got %d broadcasts after Close, want 0", n)
	}
}

// slowStore delays every write so concurrent mutations overlap.
type slowStore struct {
	fakeStore
	delay time.Duration
}

func (s *slowStore) ReplaceChannelMembers(ctx context.Context, channelID string, members []string) error {
	time.Sleep(s.delay)
	return s.fakeStore.ReplaceChannelMembers(ctx, channelID, members)
}

func TestConcurrentSwitchKeepsOneChannel(t *testing.T) {
	store := &slowStore{delay: 20 * time.Millisecond}
	bc := &fakeBroadcaster{ch: make(chan broadcast, 256)}
	coord := NewCoordinator(store, bc, debounce.New(clock.NewMock()), DefaultSyncDelay, zap.NewNop())
	t.Cleanup(coord.Close)
	ctx := context.Background()

	if err := coord.Join(ctx, "s1", "v0", "u1"); err != nil {
		t.Fatal(err)
	}

	channels := []string{"v1", "v2", "v3", "v4"}
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			if err := coord.Join(ctx, "s1", ch, "u1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	snap := coord.Snapshot()
	if len(snap) != 1 || !slices.Equal(snap[0].Members, []string{"u1"}) {
		t.Fatalf("Snapshot() = %+v, want u1 in exactly one channel", snap)
	}
	current, ok := coord.ChannelOf("u1")
	if !ok || current != snap[0].ChannelID {
		t.Errorf("ChannelOf(u1) = %q, snapshot channel %q", current, snap[0].ChannelID)
	}

	// Storage converges on the in-memory index for every touched channel.
	for _, ch := range append([]string{"v0"}, channels...) {
		persisted, _ := store.last(ch)
		if want := coord.Members(ch); !slices.Equal(persisted, want) {
			t.Errorf("persisted %s = %v, want %v", ch, persisted, want)
		}
	}

	if _, ok := coord.Leave(ctx, "u1", true); !ok {
		t.Fatal("Leave(u1) = false")
	}
	if snap := coord.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot() after leave = %+v, want none", snap)
	}
}
