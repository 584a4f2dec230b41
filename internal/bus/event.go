package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is namespaced ("server.voiceChannelSync", "channel.newMessage") so
// subscribers can filter by prefix. Topic scopes the event to one server or
// channel for fanout.
type Event struct {
	Kind      string
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Namespaces used for topic-scoped fanout.
const (
	ServerNamespace  = "server."
	ChannelNamespace = "channel."
)

// Name returns the Kind with its namespace stripped.
func (e Event) Name() string {
	for i := 0; i < len(e.Kind); i++ {
		if e.Kind[i] == '.' {
			return e.Kind[i+1:]
		}
	}
	return e.Kind
}
