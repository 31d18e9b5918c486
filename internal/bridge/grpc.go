package bridge

// ============================================================================
// scoreload.v1.Loader gRPC service
// ============================================================================
//
// Messages are google.protobuf.Struct values holding the JSON form of the
// request and response types in service.go, so the service needs no
// generated code:
//
//	rpc StartLoad(Struct)   returns (Struct)         StartRequest   -> StartResponse
//	rpc FetchCached(Struct) returns (Struct)         FetchRequest   -> FetchResponse
//	rpc Subscribe(Struct)   returns (stream Struct)  SubscribeRequest -> EventMessage...
//
// Errors carry a gRPC status code derived from the error category and the
// loader error code in the "scoreload-error-code" trailer.
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "scoreload.v1.Loader"

const (
	methodStartLoad   = "/" + ServiceName + "/StartLoad"
	methodFetchCached = "/" + ServiceName + "/FetchCached"
	methodSubscribe   = "/" + ServiceName + "/Subscribe"

	errorCodeKey = "scoreload-error-code"

	subscribeBuffer = 64
)

// loaderServer is the handler type checked by grpc.Server.RegisterService.
type loaderServer interface {
	StartLoad(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	FetchCached(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Subscribe(in *structpb.Struct, stream grpc.ServerStream) error
}

var loaderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*loaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartLoad", Handler: unaryHandler(methodStartLoad, loaderServer.StartLoad)},
		{MethodName: "FetchCached", Handler: unaryHandler(methodFetchCached, loaderServer.FetchCached)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "scoreload/v1/loader.proto",
}

func unaryHandler(fullMethod string, call func(loaderServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(loaderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(loaderServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(loaderServer).Subscribe(in, stream)
}

// ============================================================================
// Server
// ============================================================================

// Server adapts a Service to the gRPC service.
type Server struct {
	svc *Service
	log *slog.Logger
}

// NewServer creates the gRPC adapter for svc.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc, log: svc.log}
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&loaderServiceDesc, srv)
}

// StartLoad handles the StartLoad RPC.
func (s *Server) StartLoad(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode StartLoad request: %v", err)
	}
	resp, err := s.svc.StartLoad(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return toStruct(resp)
}

// FetchCached handles the FetchCached RPC.
func (s *Server) FetchCached(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FetchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode FetchCached request: %v", err)
	}
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	return toStruct(s.svc.FetchCached(ctx, req))
}

// Subscribe streams events until the client goes away or the loader shuts
// down.
func (s *Server) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	var req SubscribeRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode Subscribe request: %v", err)
	}

	sub := s.svc.Subscribe(subscribeBuffer, req.Kinds...)
	defer s.svc.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if req.JobID != "" && ev.JobID != req.JobID {
				continue
			}
			msg, err := toStruct(NewEventMessage(ev))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				s.log.Debug("Subscriber gone", "error", err)
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ============================================================================
// Codec and errors
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode message: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, status.Errorf(codes.Internal, "encode message: %v", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return errors.New("nil message")
	}
	b, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// GRPCCode maps a loader error to its gRPC status code.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	code := types.CodeOf(err)
	switch code {
	case types.CodeTimeout:
		return codes.DeadlineExceeded
	case types.CodeShutdown:
		return codes.Unavailable
	}
	switch types.CategoryOf(code) {
	case types.CategoryAdmission:
		return codes.ResourceExhausted
	case types.CategoryInput:
		return codes.InvalidArgument
	case types.CategoryStructural:
		return codes.FailedPrecondition
	default:
		return codes.Unavailable
	}
}

// toStatus converts err to a status error and attaches its loader code.
func toStatus(ctx context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if code := types.CodeOf(err); code != types.CodeInternal {
		if terr := grpc.SetTrailer(ctx, metadata.Pairs(errorCodeKey, string(code))); terr != nil {
			return status.Error(codes.Internal, fmt.Sprintf("%v (trailer: %v)", err, terr))
		}
	}
	return status.Error(GRPCCode(err), err.Error())
}
