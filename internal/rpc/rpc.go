// Package rpc defines the eventhub.v1.EventService gRPC contract.
//
// Messages are google.protobuf.Struct values carrying the same JSON shapes
// as the HTTP API, so the service needs no generated code:
//
//	Publish  {subject, payload, correlation_id?, actor?} -> {event_id, correlation_id}
//	Query    {subject?, correlation_id?, since?, until?, limit?} -> {events: [...]}
//	Stream   {subject?, correlation_id?, since?} -> stream of event objects
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/eventhub/internal/model"
)

const ServiceName = "eventhub.v1.EventService"

const (
	PublishMethod = "/" + ServiceName + "/Publish"
	QueryMethod   = "/" + ServiceName + "/Query"
	StreamMethod  = "/" + ServiceName + "/Stream"
)

// EventServiceServer is the server API for EventService.
type EventServiceServer interface {
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stream(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterEventServiceServer registers srv on s.
func RegisterEventServiceServer(s grpc.ServiceRegistrar, srv EventServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unaryHandler(PublishMethod, EventServiceServer.Publish)},
		{MethodName: "Query", Handler: unaryHandler(QueryMethod, EventServiceServer.Query)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "eventhub/v1/events.proto",
}

func unaryHandler(method string, call func(EventServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EventServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EventServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EventServiceServer).Stream(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// EventServiceClient is the client API for EventService.
type EventServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewEventServiceClient wraps a connection.
func NewEventServiceClient(cc grpc.ClientConnInterface) *EventServiceClient {
	return &EventServiceClient{cc: cc}
}

func (c *EventServiceClient) Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PublishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EventServiceClient) Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, QueryMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EventServiceClient) Stream(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], StreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ToStruct converts any JSON-encodable value to a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return s, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("from struct: %w", err)
	}
	return nil
}

// EventToStruct converts an event to its wire form.
func EventToStruct(e *model.Event) (*structpb.Struct, error) {
	return ToStruct(e)
}

// StructToEvent converts the wire form back to an event.
func StructToEvent(s *structpb.Struct) (*model.Event, error) {
	var e model.Event
	if err := FromStruct(s, &e); err != nil {
		return nil, err
	}
	// protojson output spacing is unstable; keep payloads compact.
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Payload); err == nil {
		e.Payload = buf.Bytes()
	}
	return &e, nil
}
