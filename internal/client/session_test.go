package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/fluxy/internal/message"
	"github.com/matheus3301/fluxy/internal/status"
	"github.com/matheus3301/fluxy/internal/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	sendErr error
	events  chan wire.Envelope
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wire.Envelope, 64)}
}

func (f *fakeTransport) Send(_ context.Context, op string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil && op == wire.OpSendMessage {
		return f.sendErr
	}
	env, err := wire.NewEnvelope(op, data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Events() <-chan wire.Envelope { return f.events }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, op string, data any) {
	t.Helper()
	env, err := wire.NewEnvelope(op, data)
	if err != nil {
		t.Fatal(err)
	}
	f.events <- env
}

func (f *fakeTransport) sentOps(op string) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.sent {
		if env.Op == op {
			out = append(out, env)
		}
	}
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	pages   map[int][]any
	members []wire.Author
	err     error
	calls   []int
}

func (h *fakeHistory) FetchPage(_ context.Context, _ string, page, _ int) ([]json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, page)
	if h.err != nil {
		return nil, h.err
	}
	var out []json.RawMessage
	for _, m := range h.pages[page] {
		raw, _ := json.Marshal(m)
		out = append(out, raw)
	}
	return out, nil
}

func (h *fakeHistory) FetchMembers(context.Context, string) ([]wire.Author, error) {
	return h.members, nil
}

type env struct {
	tr      *fakeTransport
	history *fakeHistory
	mock    *clock.Mock
	session *Session
}

func newEnv(t *testing.T, pageSize int) *env {
	t.Helper()
	e := &env{
		tr:      newFakeTransport(),
		history: &fakeHistory{pages: map[int][]any{}},
		mock:    clock.NewMock(),
	}
	e.history.members = []wire.Author{
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	}
	e.session = New(e.tr, e.history, Options{
		UserID:   "u1",
		Username: "alice",
		PageSize: pageSize,
		Clock:    e.mock,
	})
	t.Cleanup(func() { _ = e.session.Close() })
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func serverMsg(id, author, content string, at time.Time) wire.Message {
	return wire.Message{ID: id, Author: author, ChannelID: "c1", ServerID: "s1", Content: content, Type: "text", CreatedAt: at}
}

func TestSessionReadyAfterFirstLoad(t *testing.T) {
	e := newEnv(t, 50)
	if got := e.session.Status(); got != status.Syncing {
		t.Fatalf("Status() before open = %s, want %s", got, status.Syncing)
	}

	e.history.err = errors.New("boom")
	if _, err := e.session.Open(context.Background(), "s1", "c1"); err != nil {
		t.Fatal(err)
	}
	if got := e.session.Status(); got != status.Syncing {
		t.Errorf("Status() after failed load = %s, want %s", got, status.Syncing)
	}

	e.history.err = nil
	if _, err := e.session.Open(context.Background(), "s1", "c2"); err != nil {
		t.Fatal(err)
	}
	if got := e.session.Status(); got != status.Ready {
		t.Errorf("Status() after load = %s, want %s", got, status.Ready)
	}
}

func TestOpenMergesHistory(t *testing.T) {
	e := newEnv(t, 50)
	e.history.pages[1] = []any{
		serverMsg("m2", "u2", "second", base.Add(time.Second)),
		serverMsg("m1", "u1", "first", base),
	}

	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Loading() || v.Err() != nil {
		t.Fatalf("Loading() = %v, Err() = %v", v.Loading(), v.Err())
	}
	msgs := v.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("Messages() = %+v", msgs)
	}
	if msgs[1].Author.Username != "bob" {
		t.Errorf("author resolved to %q, want bob", msgs[1].Author.Username)
	}
	if v.HasMore() {
		t.Error("HasMore() = true after a short first page")
	}
	if subs := e.tr.sentOps(wire.OpSubscribe); len(subs) != 1 {
		t.Errorf("subscribe frames = %d, want 1", len(subs))
	}

	if _, err := e.session.Open(context.Background(), "s1", "c1"); err == nil {
		t.Error("opening the same channel twice should fail")
	}
}

func TestOpenRecordsHistoryError(t *testing.T) {
	e := newEnv(t, 50)
	e.history.err = errors.New("boom")

	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Err() == nil || v.Loading() {
		t.Errorf("Err() = %v, Loading() = %v", v.Err(), v.Loading())
	}
}

func TestSendConfirmedByNonce(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}

	sent, err := v.SendMessage(context.Background(), "  hello  ", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !message.IsTemporaryID(sent.ID) || sent.Status != message.StatusSending || sent.Content != "hello" {
		t.Fatalf("optimistic message = %+v", sent)
	}
	if !e.session.sched.Pending(v.ackKey(sent.ID)) {
		t.Fatal("ack timer not armed")
	}

	frames := e.tr.sentOps(wire.OpSendMessage)
	if len(frames) != 1 {
		t.Fatalf("sendMessage frames = %d", len(frames))
	}
	var req wire.SendMessageData
	if err := frames[0].Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Nonce != sent.ID {
		t.Errorf("nonce = %q, want %q", req.Nonce, sent.ID)
	}

	confirmed := serverMsg("msg_1", "u1", "hello", time.Now())
	confirmed.Nonce = sent.ID
	e.tr.push(t, wire.OpNewMessage, confirmed)

	waitFor(t, "confirmation", func() bool {
		msgs := v.Messages()
		return len(msgs) == 1 && msgs[0].ID == "msg_1"
	})
	if got := v.Messages()[0]; got.Status != message.StatusSent || got.Optimistic {
		t.Errorf("confirmed message = %+v", got)
	}
	if e.session.sched.Pending(v.ackKey(sent.ID)) {
		t.Error("ack timer still pending after confirmation")
	}
}

func TestSendTimesOut(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	sent, err := v.SendMessage(context.Background(), "anyone?", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e.mock.Add(DefaultAckTimeout - time.Millisecond)
	if got, _ := v.timeline.Get(sent.ID); got.Status != message.StatusSending {
		t.Fatalf("status before timeout = %s", got.Status)
	}
	e.mock.Add(time.Millisecond)

	waitFor(t, "ack timeout", func() bool {
		got, _ := v.timeline.Get(sent.ID)
		return got.Status == message.StatusFailed
	})
}

func TestLateConfirmationKeepsFailedSend(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	sent, err := v.SendMessage(context.Background(), "slow", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	e.mock.Add(DefaultAckTimeout)
	waitFor(t, "ack timeout", func() bool {
		got, _ := v.timeline.Get(sent.ID)
		return got.Status == message.StatusFailed
	})

	late := serverMsg("msg_9", "u1", "slow", time.Now())
	late.Nonce = sent.ID
	e.tr.push(t, wire.OpNewMessage, late)

	waitFor(t, "late confirmation", func() bool { return len(v.Messages()) == 2 })
	if got, ok := v.timeline.Get(sent.ID); !ok || got.Status != message.StatusFailed {
		t.Errorf("failed send = %+v, %v; want it kept as failed", got, ok)
	}
	if got, ok := v.timeline.Get("msg_9"); !ok || got.Status != message.StatusSent {
		t.Errorf("confirmation = %+v, %v", got, ok)
	}
}

func TestMessageErrorFailsSend(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	sent, err := v.SendMessage(context.Background(), "nope", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	e.tr.push(t, wire.OpMessageError, wire.MessageError{Nonce: sent.ID, Error: "too long"})
	waitFor(t, "rejection", func() bool {
		got, _ := v.timeline.Get(sent.ID)
		return got.Status == message.StatusFailed
	})
	if e.session.sched.Pending(v.ackKey(sent.ID)) {
		t.Error("ack timer still pending after rejection")
	}
}

func TestSendErrorMarksFailed(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	e.tr.sendErr = errors.New("connection reset")

	sent, err := v.SendMessage(context.Background(), "hi", SendOptions{})
	if err == nil {
		t.Fatal("SendMessage() error = nil")
	}
	if sent.Status != message.StatusFailed {
		t.Errorf("returned status = %s", sent.Status)
	}
	if got, _ := v.timeline.Get(sent.ID); got.Status != message.StatusFailed {
		t.Errorf("timeline status = %s", got.Status)
	}
	if e.session.sched.Len() != 0 {
		t.Errorf("pending timers = %d, want 0", e.session.sched.Len())
	}

	if _, err := v.SendMessage(context.Background(), "   ", SendOptions{}); err == nil {
		t.Error("blank content accepted")
	}
}

func TestLiveUpdates(t *testing.T) {
	e := newEnv(t, 50)
	e.history.pages[1] = []any{serverMsg("m1", "u2", "hey", base)}
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}

	edited := serverMsg("m1", "u2", "hey there", base)
	edited.Edited = true
	e.tr.push(t, wire.OpMessageUpdated, edited)
	waitFor(t, "edit", func() bool {
		m, _ := v.timeline.Get("m1")
		return m.Content == "hey there" && m.Edited
	})

	e.tr.push(t, wire.OpReactionUpdate, wire.ReactionUpdate{
		MessageID: "m1", ChannelID: "c1",
		Reactions: []wire.Reaction{{Emoji: "👍", Users: []string{"u1"}}},
	})
	waitFor(t, "reaction", func() bool {
		m, _ := v.timeline.Get("m1")
		return len(m.Reactions) == 1 && m.Reactions[0].Emoji == "👍"
	})

	e.tr.push(t, wire.OpMessageDeleted, wire.MessageDeleted{MessageID: "m1", ChannelID: "c1"})
	waitFor(t, "delete", func() bool { return len(v.Messages()) == 0 })
}

func TestNewMessageForClosedChannelIgnored(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}

	other := serverMsg("x1", "u2", "elsewhere", base)
	other.ChannelID = "c2"
	e.tr.push(t, wire.OpNewMessage, other)
	e.tr.push(t, wire.OpNewMessage, serverMsg("m1", "u2", "here", base))

	waitFor(t, "live message", func() bool { return v.timeline.Len() == 1 })
	if _, ok := v.timeline.Get("x1"); ok {
		t.Error("message for another channel landed in c1")
	}
}

func TestVoiceRosterMirror(t *testing.T) {
	e := newEnv(t, 50)

	e.tr.push(t, wire.OpVoiceChannelSync, wire.VoiceChannelSync{ChannelID: "v1", ConnectedUsers: []string{"u1", "u2"}})
	waitFor(t, "voice sync", func() bool { return len(e.session.VoiceRoster("v1")) == 2 })
	if got := e.session.VoiceChannels(); len(got) != 1 || got[0] != "v1" {
		t.Errorf("VoiceChannels() = %v", got)
	}

	e.tr.push(t, wire.OpVoiceChannelSync, wire.VoiceChannelSync{ChannelID: "v1", ConnectedUsers: []string{}})
	waitFor(t, "empty channel removal", func() bool { return len(e.session.VoiceChannels()) == 0 })
}

func TestTypingIndicators(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}

	e.tr.push(t, wire.OpUserTyping, wire.UserTyping{ChannelID: "c1", UserID: "u1", Username: "alice", IsTyping: true})
	e.tr.push(t, wire.OpUserTyping, wire.UserTyping{ChannelID: "c1", UserID: "u2", Username: "bob", IsTyping: true})
	waitFor(t, "typing", func() bool { return len(v.TypingUsers()) == 1 })
	if got := v.TypingUsers()[0]; got.UserID != "u2" {
		t.Errorf("typing user = %q, own indicator should be ignored", got.UserID)
	}

	e.mock.Add(3 * time.Second)
	waitFor(t, "typing expiry", func() bool { return len(v.TypingUsers()) == 0 })

	e.tr.push(t, wire.OpUserTyping, wire.UserTyping{ChannelID: "c1", UserID: "u2", Username: "bob", IsTyping: true})
	waitFor(t, "typing again", func() bool { return len(v.TypingUsers()) == 1 })
	e.tr.push(t, wire.OpNewMessage, serverMsg("m1", "u2", "done typing", base))
	waitFor(t, "typing cleared by message", func() bool { return len(v.TypingUsers()) == 0 })
}

func TestLoadOlder(t *testing.T) {
	e := newEnv(t, 2)
	e.history.pages[1] = []any{
		serverMsg("m3", "u2", "three", base.Add(2*time.Second)),
		serverMsg("m4", "u2", "four", base.Add(3*time.Second)),
	}
	e.history.pages[2] = []any{
		serverMsg("m2", "u2", "two", base.Add(time.Second)),
		serverMsg("m3", "u2", "three", base.Add(2*time.Second)),
	}
	e.history.pages[3] = []any{
		serverMsg("m1", "u2", "one", base),
	}

	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasMore() {
		t.Fatal("HasMore() = false after a full page")
	}

	// Overlap with the first page is absorbed.
	added, err := v.LoadOlder(context.Background())
	if err != nil || added != 1 {
		t.Fatalf("LoadOlder() = %d, %v, want 1", added, err)
	}
	added, err = v.LoadOlder(context.Background())
	if err != nil || added != 1 {
		t.Fatalf("LoadOlder() = %d, %v, want 1", added, err)
	}
	if v.HasMore() {
		t.Error("HasMore() = true after a short page")
	}
	if added, _ := v.LoadOlder(context.Background()); added != 0 {
		t.Errorf("LoadOlder() after exhaustion added %d", added)
	}

	msgs := v.Messages()
	want := []string{"m1", "m2", "m3", "m4"}
	if len(msgs) != len(want) {
		t.Fatalf("Messages() len = %d, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("Messages()[%d] = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	e := newEnv(t, 50)
	v, err := e.session.Open(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.SendMessage(context.Background(), "pending", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	e.tr.push(t, wire.OpUserTyping, wire.UserTyping{ChannelID: "c1", UserID: "u2", Username: "bob", IsTyping: true})
	waitFor(t, "typing", func() bool { return len(v.TypingUsers()) == 1 })
	if e.session.sched.Len() != 2 {
		t.Fatalf("pending timers = %d, want 2", e.session.sched.Len())
	}

	v.Close()
	if e.session.sched.Len() != 0 {
		t.Errorf("pending timers after close = %d", e.session.sched.Len())
	}
	if _, ok := e.session.View("c1"); ok {
		t.Error("view still registered after close")
	}
	if unsub := e.tr.sentOps(wire.OpUnsubscribe); len(unsub) != 1 {
		t.Errorf("unsubscribe frames = %d, want 1", len(unsub))
	}
	if _, err := v.SendMessage(context.Background(), "late", SendOptions{}); err == nil {
		t.Error("send on a closed view succeeded")
	}
}

func TestTransportLossClosesSession(t *testing.T) {
	e := newEnv(t, 50)
	changes, unsub := e.session.Bus().Subscribe(status.EventStatusChanged, 4)
	defer unsub()

	_ = e.tr.Close()
	select {
	case <-e.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not exit")
	}
	if got := e.session.Status(); got != status.Closed {
		t.Errorf("Status() = %s, want %s", got, status.Closed)
	}
	select {
	case evt := <-changes:
		if sc := evt.Payload.(status.StatusChange); sc.To != status.Closed {
			t.Errorf("status change = %+v", sc)
		}
	case <-time.After(time.Second):
		t.Error("no status event")
	}
}
