package bridge

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Client calls a remote loader over gRPC.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// StartLoad submits a load on the remote loader.
func (c *Client) StartLoad(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.invoke(ctx, methodStartLoad, req, &resp); err != nil {
		return StartResponse{}, fmt.Errorf("rpc start load failed: %w", err)
	}
	return resp, nil
}

// FetchCached fetches a cached result from the remote loader.
func (c *Client) FetchCached(ctx context.Context, jobID types.JobID) (FetchResponse, error) {
	var resp FetchResponse
	if err := c.invoke(ctx, methodFetchCached, FetchRequest{JobID: jobID}, &resp); err != nil {
		return FetchResponse{}, fmt.Errorf("rpc fetch cached failed: %w", err)
	}
	return resp, nil
}

// Subscribe opens an event stream. Cancel ctx to close it.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*EventStream, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	desc := &loaderServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, methodSubscribe)
	if err != nil {
		return nil, fmt.Errorf("rpc subscribe failed: %w", fromStatus(err, nil))
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("rpc subscribe failed: %w", fromStatus(err, nil))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("rpc subscribe failed: %w", err)
	}
	return &EventStream{stream: stream}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer)); err != nil {
		return fromStatus(err, trailer)
	}
	return fromStruct(out, resp)
}

// EventStream receives events from a Subscribe call.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv returns the next event. It returns io.EOF when the loader ends the
// stream.
func (s *EventStream) Recv() (EventMessage, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return EventMessage{}, err
	}
	var ev EventMessage
	if err := fromStruct(out, &ev); err != nil {
		return EventMessage{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// fromStatus restores the loader error code carried in the trailer, so
// errors.Is against the types sentinels works on the client side.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if vals := trailer.Get(errorCodeKey); len(vals) > 0 {
		return &types.Error{Code: types.Code(vals[0]), Op: "rpc", Err: errors.New(st.Message())}
	}
	return err
}
