package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/chat"
	"github.com/matheus3301/fluxy/internal/debounce"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/voice"
	"github.com/matheus3301/fluxy/internal/wire"
	"go.uber.org/zap"
)

type testEnv struct {
	srv   *httptest.Server
	db    *store.DB
	coord *voice.Coordinator
	hub   *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sched := debounce.New(nil)
	coord := voice.NewCoordinator(db, b, sched, 10*time.Millisecond, logger)
	svc := chat.NewService(db, b, logger)
	hub := NewHub(logger)
	relay := NewRelay(b, hub)
	relay.Start(context.Background())

	h := NewHandler(hub, coord, svc, db, logger)
	srv := httptest.NewServer(h.Routes(nil))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		srv.Close()
		relay.Stop()
		sched.Stop()
		_ = db.Close()
	})
	return &testEnv{srv: srv, db: db, coord: coord, hub: hub}
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/gateway?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, op string, data any) {
	t.Helper()
	env, err := wire.NewEnvelope(op, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

// readOp reads frames until one with op arrives.
func readOp(t *testing.T, conn *websocket.Conn, op string) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", op, err)
		}
		if env.Op == op {
			return env
		}
	}
}

// barrier waits until every op sent so far on conn has been handled.
func barrier(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, wire.OpHeartbeat, nil)
	readOp(t, conn, wire.OpHeartbeatAck)
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	send(t, conn, wire.OpSubscribe, wire.SubscribeData{Topic: topic})
	barrier(t, conn)
}

func readSync(t *testing.T, conn *websocket.Conn) wire.VoiceChannelSync {
	t.Helper()
	var s wire.VoiceChannelSync
	if err := readOp(t, conn, wire.OpVoiceChannelSync).Decode(&s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVoiceSyncFanout(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	subscribe(t, alice, wire.ServerTopic("s1"))
	subscribe(t, bob, wire.ServerTopic("s1"))

	send(t, alice, wire.OpJoinVoice, wire.JoinVoiceData{ServerID: "s1", ChannelID: "v1"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		s := readSync(t, conn)
		if s.ChannelID != "v1" || !slices.Equal(s.ConnectedUsers, []string{"alice"}) {
			t.Errorf("sync = %+v", s)
		}
	}

	// A late subscriber gets the full state immediately.
	carol := env.dial(t, "carol")
	send(t, carol, wire.OpSubscribe, wire.SubscribeData{Topic: wire.ServerTopic("s1")})
	if s := readSync(t, carol); !slices.Equal(s.ConnectedUsers, []string{"alice"}) {
		t.Errorf("snapshot = %+v", s)
	}

	persisted, err := env.db.ChannelMembers(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(persisted, []string{"alice"}) {
		t.Errorf("persisted = %v", persisted)
	}

	// Closing alice's only connection removes her from voice.
	_ = alice.Close()
	if s := readSync(t, bob); s.ChannelID != "v1" || len(s.ConnectedUsers) != 0 {
		t.Errorf("sync after disconnect = %+v", s)
	}
	if _, ok := env.coord.ChannelOf("alice"); ok {
		t.Error("alice still tracked after disconnect")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	subscribe(t, alice, wire.ChannelTopic("c1"))
	subscribe(t, bob, wire.ChannelTopic("c1"))

	send(t, alice, wire.OpSendMessage, wire.SendMessageData{ChannelID: "c1", ServerID: "s1", Content: "hi", Nonce: "temp_1_x"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		var m struct {
			ID     string `json:"_id"`
			Nonce  string `json:"nonce"`
			Author any    `json:"author"`
		}
		if err := readOp(t, conn, wire.OpNewMessage).Decode(&m); err != nil {
			t.Fatal(err)
		}
		if m.ID == "" || m.Nonce != "temp_1_x" || m.Author != "alice" {
			t.Errorf("newMessage = %+v", m)
		}
	}

	send(t, alice, wire.OpSendMessage, wire.SendMessageData{ChannelID: "c1", Content: " ", Nonce: "temp_2_y"})
	var me wire.MessageError
	if err := readOp(t, alice, wire.OpMessageError).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.Nonce != "temp_2_y" || me.Error == "" {
		t.Errorf("messageError = %+v", me)
	}
}

func TestTypingRelayExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	subscribe(t, alice, wire.ChannelTopic("c1"))
	subscribe(t, bob, wire.ChannelTopic("c1"))

	send(t, alice, wire.OpTyping, wire.TypingData{ChannelID: "c1", IsTyping: true})
	var ut wire.UserTyping
	if err := readOp(t, bob, wire.OpUserTyping).Decode(&ut); err != nil {
		t.Fatal(err)
	}
	if ut.UserID != "alice" || !ut.IsTyping {
		t.Errorf("userTyping = %+v", ut)
	}

	// The next frame alice sees is her own heartbeat ack, not her typing.
	send(t, alice, wire.OpHeartbeat, nil)
	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next wire.Envelope
	if err := alice.ReadJSON(&next); err != nil {
		t.Fatal(err)
	}
	if next.Op != wire.OpHeartbeatAck {
		t.Errorf("alice received %s", next.Op)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.db.UpsertMember(ctx, &store.Member{ServerID: "s1", UserID: "u1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	for i, author := range []string{"u1", "u2"} {
		if err := env.db.CreateMessage(ctx, &store.Message{
			ID: author + "-msg", ChannelID: "c1", AuthorID: author, Content: "x", CreatedAt: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(env.srv.URL + "/api/channels/c1/messages?page=1&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || len(body.Data) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if !strings.Contains(string(body.Data[0]), `"username":"alice"`) {
		t.Errorf("first message author not embedded: %s", body.Data[0])
	}
	if !strings.Contains(string(body.Data[1]), `"author":"u2"`) {
		t.Errorf("second message author not bare: %s", body.Data[1])
	}

	resp2, err := http.Get(env.srv.URL + "/api/servers/s1/members")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	var members struct {
		Data []wire.Author `json:"data"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&members); err != nil {
		t.Fatal(err)
	}
	if len(members.Data) != 1 || members.Data[0].Username != "alice" {
		t.Errorf("members = %+v", members.Data)
	}
}

func TestGatewayRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/gateway")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestShutdownWaitsForDisconnectCleanup(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	send(t, alice, wire.OpJoinVoice, wire.JoinVoiceData{ServerID: "s1", ChannelID: "v1"})
	barrier(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.hub.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	// The disconnect callback has already run and persisted by now.
	if _, ok := env.coord.ChannelOf("alice"); ok {
		t.Error("alice still in voice after Shutdown()")
	}
	persisted, err := env.db.ChannelMembers(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Errorf("persisted = %v, want empty", persisted)
	}
	if n := env.hub.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() = %d", n)
	}

	// Connections made after shutdown are dropped straight away.
	late := env.dial(t, "bob")
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("late connection read error = %v, want closed", err)
	}
}
