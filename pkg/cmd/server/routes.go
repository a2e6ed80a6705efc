package server

import (
	"context"
	"encoding/json"

	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/event"
	"github.com/prepio/relay/pkg/realtime/ratelimit"
	"github.com/prepio/relay/pkg/realtime/router"
)

// defaultRouter wires the inbound event kinds to their relay handlers.
// The handlers here carry no domain logic: they acknowledge or fan out
// the opaque payload. Domain services consume and produce the same
// events through the publish API.
func defaultRouter() *router.Router {
	r := router.New()

	r.Register(event.KindQuestionAnalyze, ratelimit.ClassAnalysis,
		router.PolicyReplyToSender, passthrough(event.KindQuestionAnalyzed))
	r.Register(event.KindRecommendationsRequest, ratelimit.ClassDefault,
		router.PolicyReplyToSender, passthrough(event.KindRecommendationsUpdate))
	r.Register(event.KindCoachingMessage, ratelimit.ClassDefault,
		router.PolicyBroadcastToRooms, passthrough(event.KindCoachingReply))
	r.Register(event.KindAnalyticsUpdate, ratelimit.ClassDefault,
		router.PolicyBroadcastToRooms, passthrough(event.KindAnalyticsRefresh))
	r.Register(event.KindExtensionSync, ratelimit.ClassDefault,
		router.PolicyReplyToSender, passthrough(event.KindExtensionSynced))
	r.Register(event.KindExtensionScreenshot, ratelimit.ClassScreenshot,
		router.PolicyNoReply, accept())
	r.Register(event.KindSessionState, ratelimit.ClassDefault,
		router.PolicyBroadcastToRooms, passthrough(event.KindSessionUpdated))

	return r
}

// passthrough relays the inbound payload unchanged under the outbound
// event kind.
func passthrough(out event.Kind) router.HandlerFunc {
	return func(ctx context.Context, sender *auth.Identity, payload json.RawMessage) (*router.Result, error) {
		return &router.Result{Event: out, Payload: payload}, nil
	}
}

// accept consumes the event without producing a reply.
func accept() router.HandlerFunc {
	return func(ctx context.Context, sender *auth.Identity, payload json.RawMessage) (*router.Result, error) {
		return nil, nil
	}
}
