package logging

import (
	"context"

	"go.uber.org/zap"
)

// Security event types.
const (
	EventAPITimeout      = "API_TIMEOUT"
	EventAPIError        = "API_ERROR"
	EventStreamError     = "STREAM_ERROR"
	EventStreamAborted   = "STREAM_ABORTED"
	EventDatabaseError   = "DATABASE_ERROR"
	EventHistoryCleared  = "HISTORY_CLEARED"
	EventUnsafeInput     = "UNSAFE_INPUT"
	EventRateLimited     = "RATE_LIMITED"
	EventDispatcherBusy  = "DISPATCHER_BUSY"
	EventRequestTooLarge = "REQUEST_TOO_LARGE"
	EventUntrustedHost   = "UNTRUSTED_HOST"
)

// Actor identifies the client behind a request.
type Actor struct {
	ClientIP  string
	UserAgent string
}

type actorKey struct{}

// WithActor attaches the request actor to ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored in ctx, or "unknown" placeholders.
func ActorFromContext(ctx context.Context) Actor {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
			return actor
		}
	}
	return Actor{ClientIP: "unknown", UserAgent: "unknown"}
}

// EventRecorder records named security events.
type EventRecorder interface {
	Record(ctx context.Context, event, details string, fields ...zap.Field)
}

// Recorder writes security events to the process logger.
type Recorder struct {
	log *zap.Logger
}

// NewRecorder builds a Recorder; a nil logger discards events.
func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log.Named("security")}
}

// Record logs event at warn level together with the request actor.
func (r *Recorder) Record(ctx context.Context, event, details string, fields ...zap.Field) {
	actor := ActorFromContext(ctx)
	all := make([]zap.Field, 0, len(fields)+4)
	all = append(all,
		zap.String("event", event),
		zap.String("details", details),
		zap.String("client_ip", actor.ClientIP),
		zap.String("user_agent", actor.UserAgent),
	)
	all = append(all, fields...)
	r.log.Warn("security event", all...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, string, string, ...zap.Field) {}
