package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/fluxy/internal/bus"
	"github.com/matheus3301/fluxy/internal/errs"
	"github.com/matheus3301/fluxy/internal/voice"
	"github.com/matheus3301/fluxy/internal/wire"
	"google.golang.org/grpc"
)

// PresenceServer is the voice presence admin service.
type PresenceServer interface {
	Join(ctx context.Context, req JoinRequest) (JoinResponse, error)
	Leave(ctx context.Context, req LeaveRequest) (LeaveResponse, error)
	Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotResponse, error)
	WatchVoice(req WatchVoiceRequest, stream Stream[VoiceEvent]) error
}

var presenceDesc = grpc.ServiceDesc{
	ServiceName: PresenceServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PresenceServiceName, "Join", PresenceServer.Join),
		unary(PresenceServiceName, "Leave", PresenceServer.Leave),
		unary(PresenceServiceName, "Snapshot", PresenceServer.Snapshot),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchVoice", PresenceServer.WatchVoice),
	},
}

// RegisterPresenceServer registers srv with s.
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&presenceDesc, srv)
}

// PresenceService drives the voice coordinator on behalf of fluxyctl.
type PresenceService struct {
	coord *voice.Coordinator
	bus   *bus.Bus
}

// NewPresenceService creates a presence service.
func NewPresenceService(coord *voice.Coordinator, b *bus.Bus) *PresenceService {
	return &PresenceService{coord: coord, bus: b}
}

func (s *PresenceService) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	if err := s.coord.Join(ctx, req.ServerID, req.ChannelID, req.UserID); err != nil {
		return JoinResponse{}, err
	}
	return JoinResponse{Channel: ChannelMembers{
		ServerID:  req.ServerID,
		ChannelID: req.ChannelID,
		Members:   s.coord.Members(req.ChannelID),
	}}, nil
}

func (s *PresenceService) Leave(ctx context.Context, req LeaveRequest) (LeaveResponse, error) {
	if req.UserID == "" {
		return LeaveResponse{}, fmt.Errorf("%w: user id is required", errs.ErrInvalidArgument)
	}
	m, ok := s.coord.Leave(ctx, req.UserID, true)
	if !ok {
		return LeaveResponse{}, nil
	}
	return LeaveResponse{Left: true, Channel: fromMembership(m)}, nil
}

func (s *PresenceService) Snapshot(_ context.Context, req SnapshotRequest) (SnapshotResponse, error) {
	resp := SnapshotResponse{Channels: []ChannelMembers{}}
	for _, m := range s.coord.Snapshot() {
		if req.ServerID != "" && m.ServerID != req.ServerID {
			continue
		}
		resp.Channels = append(resp.Channels, fromMembership(m))
	}
	return resp, nil
}

// WatchVoice streams every voiceChannelSync the coordinator broadcasts until
// the client goes away.
func (s *PresenceService) WatchVoice(req WatchVoiceRequest, stream Stream[VoiceEvent]) error {
	ch, unsub := s.bus.Subscribe(bus.ServerNamespace+wire.OpVoiceChannelSync, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if req.ServerID != "" && evt.Topic != req.ServerID {
				continue
			}
			vs, ok := evt.Payload.(wire.VoiceChannelSync)
			if !ok {
				continue
			}
			if err := stream.Send(VoiceEvent{
				EventID:          uuid.New().String(),
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				ServerID:         evt.Topic,
				ChannelID:        vs.ChannelID,
				ConnectedUsers:   vs.ConnectedUsers,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func fromMembership(m voice.Membership) ChannelMembers {
	members := m.Members
	if members == nil {
		members = []string{}
	}
	return ChannelMembers{ServerID: m.ServerID, ChannelID: m.ChannelID, Members: members}
}
