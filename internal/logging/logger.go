// Package logging builds the service's zerolog loggers and the request
// logging middleware of its HTTP and gRPC servers. Request handlers find
// their request-scoped logger with LoggerFromContext.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id in and out of the HTTP server.
const RequestIDHeader = "X-Request-ID"

// Options controls logger construction.
type Options struct {
	// Level is a zerolog level name. Empty or unknown means info.
	Level string

	// Pretty switches to human-readable console output.
	Pretty bool

	// Out defaults to os.Stdout.
	Out io.Writer
}

// NewLogger creates the root logger of a service.
func NewLogger(serviceName string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// LockLogger creates a logger for operations on one named lock.
func LockLogger(logger zerolog.Logger, lockName string, lockKey uint64) zerolog.Logger {
	return logger.With().
		Str("lockName", lockName).
		Uint64("lockKey", lockKey).
		Logger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or
// fallback when ctx carries none.
func LoggerFromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}

// RequestLogger returns a Gin middleware that tags each request with an id,
// stores a logger carrying it in the request context and logs the outcome.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		reqLogger := logger.With().Str("requestId", requestID).Logger()
		c.Request = c.Request.WithContext(ContextWithLogger(c.Request.Context(), reqLogger))

		c.Next()

		statusCode := c.Writer.Status()
		event := reqLogger.WithLevel(levelForStatus(statusCode)).
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Int("bodySize", c.Writer.Size())

		if route := c.FullPath(); route != "" {
			event.Str("route", route)
		}
		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

func levelForStatus(code int) zerolog.Level {
	switch {
	case code >= 500:
		return zerolog.ErrorLevel
	case code >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ContextWithLogger(ctx, logger), req)

		rpcEvent(logger, err).
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Dur("latency", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// GRPCStreamLogger returns a gRPC stream server interceptor for request logging.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, &loggedStream{
			ServerStream: ss,
			ctx:          ContextWithLogger(ss.Context(), logger),
		})

		rpcEvent(logger, err).
			Str("type", "grpc_stream").
			Str("method", info.FullMethod).
			Bool("clientStream", info.IsClientStream).
			Bool("serverStream", info.IsServerStream).
			Dur("latency", time.Since(start)).
			Msg("gRPC stream")
		return err
	}
}

// rpcEvent starts the completion event of an RPC at a level matching its
// status code.
func rpcEvent(logger zerolog.Logger, err error) *zerolog.Event {
	code := status.Code(err)
	if code == codes.OK {
		return logger.Info().Str("code", code.String())
	}
	return logger.Error().Err(err).Str("code", code.String())
}

type loggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggedStream) Context() context.Context {
	return s.ctx
}
