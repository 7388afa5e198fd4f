package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/presence"
	"github.com/alfredjeanlab/eventhub/internal/rpc"
)

// GRPCClient implements EventClient using the gRPC transport.
type GRPCClient struct {
	conn   *grpc.ClientConn
	client *rpc.EventServiceClient
	health healthpb.HealthClient
}

// NewGRPCClient connects to the given gRPC address and returns a client.
// Extra dial options are appended after the defaults.
func NewGRPCClient(addr, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(correlation.UnaryClientInterceptor),
		grpc.WithChainStreamInterceptor(correlation.StreamClientInterceptor),
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken(token)))
	}
	conn, err := grpc.NewClient(addr, append(dialOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{
		conn:   conn,
		client: rpc.NewEventServiceClient(conn),
		health: healthpb.NewHealthClient(conn),
	}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// bearerToken sends "authorization: Bearer <token>" on every call.
type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (bearerToken) RequireTransportSecurity() bool { return false }

func (c *GRPCClient) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	in, err := rpc.ToStruct(req)
	if err != nil {
		return nil, err
	}
	out, err := c.client.Publish(ctx, in)
	if err != nil {
		return nil, err
	}
	var resp PublishResponse
	if err := rpc.FromStruct(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *GRPCClient) Query(ctx context.Context, req *QueryRequest) ([]*model.Event, error) {
	in, err := queryStruct(req)
	if err != nil {
		return nil, err
	}
	out, err := c.client.Query(ctx, in)
	if err != nil {
		return nil, err
	}
	list := out.GetFields()["events"].GetListValue().GetValues()
	evts := make([]*model.Event, 0, len(list))
	for _, v := range list {
		e, err := rpc.StructToEvent(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		evts = append(evts, e)
	}
	return evts, nil
}

func (c *GRPCClient) Stream(ctx context.Context, req *QueryRequest, fn func(*model.Event) error) error {
	in, err := queryStruct(req)
	if err != nil {
		return err
	}
	stream, err := c.client.Stream(ctx, in)
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return nil
			}
			return err
		}
		e, err := rpc.StructToEvent(msg)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Presence is only served over HTTP.
func (c *GRPCClient) Presence(context.Context, time.Duration) ([]presence.Entry, error) {
	return nil, fmt.Errorf("presence over gRPC: %w", errors.ErrUnsupported)
}

func (c *GRPCClient) Health(ctx context.Context) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		return "", err
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return "ok", nil
	}
	return resp.GetStatus().String(), nil
}

func queryStruct(req *QueryRequest) (*structpb.Struct, error) {
	if req == nil {
		req = &QueryRequest{}
	}
	return rpc.ToStruct(req)
}
