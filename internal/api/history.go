package api

import (
	"context"

	"github.com/matheus3301/fluxy/internal/chat"
	"github.com/matheus3301/fluxy/internal/store"
	"github.com/matheus3301/fluxy/internal/wire"
	"google.golang.org/grpc"
)

// HistoryServer reads stored messages.
type HistoryServer interface {
	FetchHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error)
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
}

var historyDesc = grpc.ServiceDesc{
	ServiceName: HistoryServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(HistoryServiceName, "FetchHistory", HistoryServer.FetchHistory),
		unary(HistoryServiceName, "Search", HistoryServer.Search),
	},
}

// RegisterHistoryServer registers srv with s.
func RegisterHistoryServer(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&historyDesc, srv)
}

// HistoryService implements HistoryServer on top of the message service.
type HistoryService struct {
	chat *chat.Service
}

// NewHistoryService creates a new history service.
func NewHistoryService(c *chat.Service) *HistoryService {
	return &HistoryService{chat: c}
}

func (s *HistoryService) FetchHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error) {
	page := max(req.Page, 1)
	size := req.PageSize
	if size <= 0 {
		size = store.DefaultPageSize
	}
	size = min(size, store.MaxPageSize)

	msgs, err := s.chat.History(ctx, req.ChannelID, page, size)
	if err != nil {
		return HistoryResponse{}, err
	}
	return HistoryResponse{Messages: nonNil(msgs), HasMore: len(msgs) == size}, nil
}

func (s *HistoryService) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	msgs, err := s.chat.Search(ctx, req.Query, req.ChannelID, min(limit, store.MaxPageSize))
	if err != nil {
		return SearchResponse{}, err
	}
	return SearchResponse{Messages: nonNil(msgs)}, nil
}

func nonNil(msgs []wire.Message) []wire.Message {
	if msgs == nil {
		return []wire.Message{}
	}
	return msgs
}
