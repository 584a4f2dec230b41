package api

import (
	"context"
	"time"

	"github.com/matheus3301/fluxy/internal/gateway"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/voice"
	"google.golang.org/grpc"
)

// DaemonServer reports on the running daemon.
type DaemonServer interface {
	GetStatus(ctx context.Context, req StatusRequest) (StatusResponse, error)
}

var daemonDesc = grpc.ServiceDesc{
	ServiceName: DaemonServiceName,
	HandlerType: (*DaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(DaemonServiceName, "GetStatus", DaemonServer.GetStatus),
	},
}

// RegisterDaemonServer registers srv with s.
func RegisterDaemonServer(s grpc.ServiceRegistrar, srv DaemonServer) {
	s.RegisterService(&daemonDesc, srv)
}

// DaemonService implements DaemonServer.
type DaemonService struct {
	instance  string
	gateway   string
	startedAt time.Time
	hub       *gateway.Hub
	coord     *voice.Coordinator
	db        *store.DB
}

// NewDaemonService creates a new daemon status service.
func NewDaemonService(instance, gatewayAddr string, hub *gateway.Hub, coord *voice.Coordinator, db *store.DB) *DaemonService {
	return &DaemonService{
		instance:  instance,
		gateway:   gatewayAddr,
		startedAt: time.Now(),
		hub:       hub,
		coord:     coord,
		db:        db,
	}
}

func (s *DaemonService) GetStatus(ctx context.Context, _ StatusRequest) (StatusResponse, error) {
	resp := StatusResponse{
		Instance: s.instance,
		Gateway:  s.gateway,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.hub != nil {
		resp.Connections = s.hub.ConnectionCount()
	}
	if s.coord != nil {
		for _, m := range s.coord.Snapshot() {
			resp.VoiceChannels++
			resp.VoiceUsers += len(m.Members)
		}
	}
	if s.db != nil {
		if n, err := s.db.MessageCount(ctx); err == nil {
			resp.MessageCount = n
		}
	}
	return resp, nil
}
