package health

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/fleet-emitter/internal/logging"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "x-request-id"

// requestIDInterceptor tags every health call with a request ID, taken from
// the caller's metadata when present, and echoes it back in the response
// header. Handlers find a request-scoped logger on the context.
func requestIDInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for _, v := range md.Get(RequestIDHeader) {
				if v != "" {
					ctx = logging.ContextWithRequestID(ctx, v)
					break
				}
			}
		}
		ctx, id := logging.EnsureRequestID(ctx)
		// Fails only outside a real transport stream, e.g. in direct calls.
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))

		ctx, log := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, log)

		resp, err := handler(ctx, req)
		log.Debug(ctx, "health call", logging.String("code", status.Code(err).String()))
		return resp, err
	}
}
