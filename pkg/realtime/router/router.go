package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/event"
)

// Policy decides where a handler's result is delivered.
type Policy int

const (
	// PolicyReplyToSender sends the result only to the originating
	// connection.
	PolicyReplyToSender Policy = iota
	// PolicyBroadcastToRooms fans the result out to the sender's user and
	// session rooms.
	PolicyBroadcastToRooms
	// PolicyNoReply produces no automatic outbound event.
	PolicyNoReply
)

// Result is the outbound event a handler produced.
type Result struct {
	Event   event.Kind
	Payload interface{}
}

// HandlerFunc is a domain handler. The router contains no business
// logic itself; handlers are registered by the application at startup.
type HandlerFunc func(ctx context.Context, sender *auth.Identity, payload json.RawMessage) (*Result, error)

type route struct {
	handler HandlerFunc
	class   string
	policy  Policy
}

// ErrUnknownEvent is returned for events with no registered route. The
// caller logs and ignores these; they are not client-visible.
var ErrUnknownEvent = fmt.Errorf("router: unknown event")

// Router dispatches decoded inbound events to their registered handler
// and tells the caller which rate-limit class applies and where results
// go.
type Router struct {
	routes map[event.Kind]route
}

func New() *Router {
	return &Router{routes: make(map[event.Kind]route)}
}

// Register binds an inbound event kind to a handler, its rate-limit
// class and its reply policy. Registering the same kind twice replaces
// the earlier route.
func (r *Router) Register(kind event.Kind, class string, policy Policy, h HandlerFunc) {
	r.routes[kind] = route{handler: h, class: class, policy: policy}
}

// ClassFor returns the rate-limit class of an event kind, or false if no
// route exists.
func (r *Router) ClassFor(kind event.Kind) (string, bool) {
	rt, ok := r.routes[kind]
	if !ok {
		return "", false
	}
	return rt.class, true
}

// Dispatch invokes the matching handler. Handler panics are contained
// here and converted into an internal error, so a buggy handler can
// never take the process down.
func (r *Router) Dispatch(ctx context.Context, sender *auth.Identity, kind event.Kind, payload json.RawMessage) (res *Result, policy Policy, err error) {
	rt, ok := r.routes[kind]
	if !ok {
		return nil, PolicyNoReply, ErrUnknownEvent
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = event.NewInternalError(fmt.Sprintf("handler for '%s' failed", kind))
		}
	}()

	res, err = rt.handler(ctx, sender, payload)
	return res, rt.policy, err
}
