// Package api exposes the daemon's admin surface over gRPC.
//
// The services are described by hand and carry every request and response
// as a google.protobuf.Struct holding the JSON form of the Go types in
// types.go, so the wire stays plain protobuf without generated stubs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/fluxy/internal/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	PresenceServiceName = "fluxy.v1.PresenceService"
	HistoryServiceName  = "fluxy.v1.HistoryService"
	DaemonServiceName   = "fluxy.v1.DaemonService"
)

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary adapts a typed method expression into a grpc.MethodDesc.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	call := func(srv any, ctx context.Context, in *structpb.Struct) (any, error) {
		var req Req
		if err := decode(in, &req); err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		resp, err := fn(srv.(S), ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		return encode(resp)
	}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// Stream is the server side of a server-streaming call.
type Stream[T any] struct {
	grpc.ServerStream
}

// Send writes one message to the client.
func (s Stream[T]) Send(v T) error {
	out, err := encode(v)
	if err != nil {
		return err
	}
	return s.SendMsg(out)
}

// serverStream adapts a typed method expression into a server-streaming
// grpc.StreamDesc.
func serverStream[S, Req, T any](name string, fn func(S, Req, Stream[T]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			var req Req
			if err := decode(in, &req); err != nil {
				return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			if err := fn(srv.(S), req, Stream[T]{ServerStream: stream}); err != nil {
				return toStatus(err)
			}
			return nil
		},
	}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
