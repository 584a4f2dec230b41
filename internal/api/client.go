package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the daemon's admin services.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a daemon's Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(service, method), in, out); err != nil {
		return err
	}
	return decode(out, resp)
}

func (c *Client) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	var resp JoinResponse
	err := c.invoke(ctx, PresenceServiceName, "Join", req, &resp)
	return resp, err
}

func (c *Client) Leave(ctx context.Context, req LeaveRequest) (LeaveResponse, error) {
	var resp LeaveResponse
	err := c.invoke(ctx, PresenceServiceName, "Leave", req, &resp)
	return resp, err
}

func (c *Client) Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotResponse, error) {
	var resp SnapshotResponse
	err := c.invoke(ctx, PresenceServiceName, "Snapshot", req, &resp)
	return resp, err
}

func (c *Client) FetchHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, error) {
	var resp HistoryResponse
	err := c.invoke(ctx, HistoryServiceName, "FetchHistory", req, &resp)
	return resp, err
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var resp SearchResponse
	err := c.invoke(ctx, HistoryServiceName, "Search", req, &resp)
	return resp, err
}

func (c *Client) GetStatus(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.invoke(ctx, DaemonServiceName, "GetStatus", StatusRequest{}, &resp)
	return resp, err
}

// VoiceWatcher receives voice events from WatchVoice.
type VoiceWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *VoiceWatcher) Recv() (VoiceEvent, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return VoiceEvent{}, err
	}
	var evt VoiceEvent
	err := decode(out, &evt)
	return evt, err
}

// WatchVoice opens the voice event stream. Cancel ctx to end it.
func (c *Client) WatchVoice(ctx context.Context, req WatchVoiceRequest) (*VoiceWatcher, error) {
	stream, err := c.cc.NewStream(ctx, &presenceDesc.Streams[0], fullMethod(PresenceServiceName, "WatchVoice"))
	if err != nil {
		return nil, err
	}
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &VoiceWatcher{stream: stream}, nil
}
