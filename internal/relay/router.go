package relay

import (
	"errors"
	"log/slog"
)

// HandlerFunc processes one parsed inbound message. Handlers run
// synchronously on the connection's read goroutine, in registration order,
// so the router never reorders frames.
type HandlerFunc func(msg *Message)

// Router classifies inbound frames by their type discriminant and fans them
// out to the handlers registered for that type.
//
// The zero Router is not usable; create one with NewRouter. Registration is
// expected to happen before frames start flowing; Handle is not
// concurrency-safe with Dispatch.
type Router struct {
	handlers map[Type][]HandlerFunc
	logger   *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[Type][]HandlerFunc),
		logger:   logger,
	}
}

// Handle registers fn for frames of type t. Multiple handlers per type are
// allowed and run in registration order.
func (r *Router) Handle(t Type, fn HandlerFunc) {
	r.handlers[t] = append(r.handlers[t], fn)
}

// Dispatch parses one raw inbound frame and routes it.
//
// Malformed frames are logged and dropped; unknown discriminants are
// ignored silently apart from a debug line. Neither stalls or stops
// processing of subsequent frames, and Dispatch never panics on bad input.
func (r *Router) Dispatch(raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		var unknown *ErrUnknownType
		if errors.As(err, &unknown) {
			r.logger.Debug("relay: ignoring unknown message type",
				slog.String("type", string(unknown.Type)),
			)
			return
		}
		r.logger.Warn("relay: dropping malformed frame", slog.Any("error", err))
		return
	}

	for _, fn := range r.handlers[msg.Type] {
		fn(msg)
	}
}
