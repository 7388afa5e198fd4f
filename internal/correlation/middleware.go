package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Middleware binds a correlation id to every request. A valid UUID in the
// X-Correlation-ID header is reused; a missing or malformed value is
// replaced by a fresh id and the request is never rejected. The bound id is
// echoed on the response and unbound once the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := Parse(r.Header.Get(Header))
		if !ok {
			id = uuid.New()
		}
		ctx, scope := NewScope(r.Context())
		scope.Set(id)
		defer scope.Clear()

		rw := &responseWriter{ResponseWriter: w, scope: scope, fallback: id}
		next.ServeHTTP(rw, r.WithContext(ctx))
		rw.stamp()
	})
}

// responseWriter writes the id bound at the time the response header is
// sent, so handlers that rebind the scope echo their final value.
type responseWriter struct {
	http.ResponseWriter
	scope    *Scope
	fallback uuid.UUID
	stamped  bool
}

func (w *responseWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	id, ok := w.scope.Get()
	if !ok {
		id = w.fallback
	}
	w.ResponseWriter.Header().Set(Header, id.String())
}

func (w *responseWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming handlers working behind the middleware.
func (w *responseWriter) Flush() {
	w.stamp()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// fromMetadata binds the id carried in incoming gRPC metadata, or a fresh one.
func fromMetadata(ctx context.Context) (context.Context, uuid.UUID) {
	var id uuid.UUID
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(MetadataKey); len(vals) > 0 {
			id, _ = Parse(vals[0])
		}
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	return WithID(ctx, id), id
}

// UnaryServerInterceptor is the gRPC counterpart of Middleware.
func UnaryServerInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	ctx, id := fromMetadata(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataKey, id.String()))
	defer Clear(ctx)
	return handler(ctx, req)
}

// StreamServerInterceptor binds a correlation id for the lifetime of a
// server stream.
func StreamServerInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	ctx, id := fromMetadata(ss.Context())
	_ = ss.SetHeader(metadata.Pairs(MetadataKey, id.String()))
	defer Clear(ctx)
	return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

// UnaryClientInterceptor carries the caller's id on outgoing gRPC calls.
func UnaryClientInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(outgoing(ctx), method, req, reply, cc, opts...)
}

// StreamClientInterceptor carries the caller's id on outgoing gRPC streams.
func StreamClientInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(outgoing(ctx), desc, cc, method, opts...)
}

func outgoing(ctx context.Context) context.Context {
	if id, ok := Get(ctx); ok {
		return metadata.AppendToOutgoingContext(ctx, MetadataKey, id.String())
	}
	return ctx
}
