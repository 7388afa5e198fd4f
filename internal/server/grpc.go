package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/rpc"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/timeparse"
)

// NewGRPCServer creates a gRPC server with standard interceptors,
// registers the EventService, health, and reflection, and returns the
// server ready to serve along with its health server.
func (s *Server) NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			correlation.UnaryServerInterceptor,
			AuthInterceptor(s.opts.AuthToken),
			LoggingInterceptor,
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			correlation.StreamServerInterceptor,
			StreamAuthInterceptor(s.opts.AuthToken),
		),
	)

	rpc.RegisterEventServiceServer(srv, &grpcService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	reflection.Register(srv)
	return srv, hs
}

// grpcService implements rpc.EventServiceServer on top of a Server.
type grpcService struct {
	s *Server
}

func (g *grpcService) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req publishRequest
	if err := rpc.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	id, err := g.s.publish(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	corrID, _ := correlation.Get(ctx)
	if req.CorrelationID != "" {
		corrID, _ = correlation.Parse(req.CorrelationID)
	}
	return structpb.NewStruct(map[string]any{
		"event_id":       id.String(),
		"correlation_id": corrID.String(),
	})
}

// queryRequest is the body of Query and Stream.
type queryRequest struct {
	Subject       string `json:"subject"`
	CorrelationID string `json:"correlation_id"`
	Since         string `json:"since"`
	Until         string `json:"until"`
	Limit         int    `json:"limit"`
}

func (r queryRequest) filter() (model.EventFilter, error) {
	var ve model.ValidationError
	f := model.EventFilter{Subject: r.Subject, Limit: r.Limit}
	corrID, err := model.ParseCorrelationID(r.CorrelationID)
	if err != nil {
		ve.Add("correlation_id", "invalid UUID %q", r.CorrelationID)
	}
	f.CorrelationID = corrID
	if t, ok, err := timeparse.Parse(r.Since); err != nil {
		ve.Add("since", "%v", err)
	} else if ok {
		f.Since = &t
	}
	if t, ok, err := timeparse.Parse(r.Until); err != nil {
		ve.Add("until", "%v", err)
	} else if ok {
		f.Until = &t
	}
	if err := ve.Err(); err != nil {
		return f, err
	}
	return f, model.ValidateFilter(f)
}

func (g *grpcService) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req queryRequest
	if err := rpc.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	f, err := req.filter()
	if err != nil {
		return nil, grpcError(err)
	}
	evts, err := service.Collect(g.s.svc.Replay(ctx, f))
	if err != nil {
		return nil, grpcError(err)
	}
	if evts == nil {
		evts = []*model.Event{}
	}
	out, err := rpc.ToStruct(map[string]any{"events": evts})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode events: %v", err)
	}
	return out, nil
}

func (g *grpcService) Stream(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req queryRequest
	if err := rpc.FromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	req.Until = ""
	f, err := req.filter()
	if err != nil {
		return grpcError(err)
	}

	emit := func(e *model.Event) error {
		msg, err := rpc.EventToStruct(e)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}
	err = g.s.follow(stream.Context(), f, nil, emit, nil)
	if errors.Is(err, errIdle) {
		return nil
	}
	if err != nil {
		return grpcError(err)
	}
	return nil
}

// grpcError maps the service's typed errors onto gRPC status codes.
func grpcError(err error) error {
	var (
		ve *model.ValidationError
		se *service.StoreError
		te *service.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.Unavailable, fmt.Sprintf("recorded as %s: %v", te.EventID, err))
	case errors.As(err, &se):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
