package event

// Kind enumerates every event that can travel over a realtime connection.
// Inbound kinds are sent by clients, outbound kinds by the server. Keeping
// them in one enum lets the router key its dispatch table on the type and
// the compiler catch unhandled kinds in switches.
type Kind int

const (
	KindInvalid Kind = iota

	// Inbound
	KindQuestionAnalyze
	KindRecommendationsRequest
	KindCoachingMessage
	KindAnalyticsUpdate
	KindExtensionSync
	KindExtensionScreenshot
	KindSessionState

	// Outbound
	KindUserJoined
	KindUserConnect
	KindUserDisconnect
	KindError
	KindHeartbeat
	KindQuestionAnalyzed
	KindQuestionError
	KindRecommendationsUpdate
	KindCoachingReply
	KindAnalyticsRefresh
	KindExtensionSynced
	KindSessionUpdated
)

var kindNames = map[Kind]string{
	KindQuestionAnalyze:        "question:analyze",
	KindRecommendationsRequest: "recommendations:request",
	KindCoachingMessage:        "coaching:message",
	KindAnalyticsUpdate:        "analytics:update",
	KindExtensionSync:          "extension:sync",
	KindExtensionScreenshot:    "extension:screenshot",
	KindSessionState:           "session:state",

	KindUserJoined:            "user:joined",
	KindUserConnect:           "user:connect",
	KindUserDisconnect:        "user:disconnect",
	KindError:                 "error",
	KindHeartbeat:             "heartbeat",
	KindQuestionAnalyzed:      "question:analyzed",
	KindQuestionError:         "question:error",
	KindRecommendationsUpdate: "recommendations:update",
	KindCoachingReply:         "coaching:reply",
	KindAnalyticsRefresh:      "analytics:refresh",
	KindExtensionSynced:       "extension:synced",
	KindSessionUpdated:        "session:updated",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return ""
	}
	return name
}

// ParseKind resolves a wire event name to its kind. Unknown names yield
// KindInvalid; callers decide whether that is fatal.
func ParseKind(name string) Kind {
	k, ok := kindsByName[name]
	if !ok {
		return KindInvalid
	}
	return k
}

// Inbound reports whether clients are allowed to send this kind.
func (k Kind) Inbound() bool {
	switch k {
	case KindQuestionAnalyze, KindRecommendationsRequest, KindCoachingMessage,
		KindAnalyticsUpdate, KindExtensionSync, KindExtensionScreenshot,
		KindSessionState:
		return true
	}
	return false
}
