package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("server.", 10)
	defer unsub()

	b.Publish(Event{Kind: "server.voiceChannelSync", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "server.voiceChannelSync" {
			t.Errorf("got kind %q, want server.voiceChannelSync", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	b.Publish(Event{Kind: "server.voiceChannelSync"})
	b.Publish(Event{Kind: "channel.newMessage"})

	select {
	case evt := <-ch:
		if evt.Kind != "channel.newMessage" {
			t.Errorf("got kind %q, want channel.newMessage", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure server event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("server.", 10)
	unsub()
	unsub() // safe to call twice

	b.Publish(Event{Kind: "server.voiceChannelSync"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestTopicBroadcasts(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.BroadcastToServerTopic("srv1", "voiceChannelSync", 1)
	b.BroadcastToChannelTopic("chan1", "newMessage", 2)

	tests := []struct {
		kind  string
		topic string
		name  string
	}{
		{"server.voiceChannelSync", "srv1", "voiceChannelSync"},
		{"channel.newMessage", "chan1", "newMessage"},
	}
	for _, tt := range tests {
		select {
		case evt := <-ch:
			if evt.Kind != tt.kind || evt.Topic != tt.topic {
				t.Errorf("got (%q, %q), want (%q, %q)", evt.Kind, evt.Topic, tt.kind, tt.topic)
			}
			if evt.Name() != tt.name {
				t.Errorf("Name() = %q, want %q", evt.Name(), tt.name)
			}
			if evt.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}
