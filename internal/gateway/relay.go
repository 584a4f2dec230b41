package gateway

import (
	"context"

	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/wire"
)

// Relay forwards topic-scoped bus events to WebSocket subscribers. Services
// publish on the bus and never see connections.
type Relay struct {
	bus    *bus.Bus
	hub    *Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay from b to hub.
func NewRelay(b *bus.Bus, hub *Hub) *Relay {
	return &Relay{bus: b, hub: hub}
}

// Start subscribes to the server and channel namespaces.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	servers, unsubServers := r.bus.Subscribe(bus.ServerNamespace, 256)
	channels, unsubChannels := r.bus.Subscribe(bus.ChannelNamespace, 1024)

	go func() {
		defer close(r.done)
		defer unsubServers()
		defer unsubChannels()
		for {
			select {
			case evt := <-servers:
				r.hub.Publish(wire.ServerTopic(evt.Topic), evt.Name(), evt.Payload)
			case evt := <-channels:
				r.hub.Publish(wire.ChannelTopic(evt.Topic), evt.Name(), evt.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the relay and waits for it to exit.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
