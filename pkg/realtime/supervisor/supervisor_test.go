package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/cluster"
	"github.com/prepio/relay/pkg/realtime/event"
	"github.com/prepio/relay/pkg/realtime/queue"
	"github.com/prepio/relay/pkg/realtime/ratelimit"
	"github.com/prepio/relay/pkg/realtime/room"
	"github.com/prepio/relay/pkg/realtime/router"
	"github.com/prepio/relay/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records outbound frames instead of writing a socket.
// Setting full simulates a saturated outbox.
type fakeTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	full       bool
	closedWith []byte
	closed     bool
	terminated bool
}

func (t *fakeTransport) Send(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return false
	}
	t.frames = append(t.frames, data)
	return true
}

func (t *fakeTransport) CloseGraceful(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closedWith = data
}

func (t *fakeTransport) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = true
}

// envelopes decodes every recorded frame.
func (t *fakeTransport) envelopes(tt *testing.T) []event.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	envs := make([]event.Envelope, 0, len(t.frames))
	for _, frame := range t.frames {
		var env event.Envelope
		require.NoError(tt, json.Unmarshal(frame, &env))
		envs = append(envs, env)
	}
	return envs
}

func (t *fakeTransport) eventNames(tt *testing.T) []string {
	envs := t.envelopes(tt)
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

// lastError decodes the most recent error envelope, failing the test if
// the last frame is not one.
func (t *fakeTransport) lastError(tt *testing.T) event.ErrorPayload {
	envs := t.envelopes(tt)
	require.NotEmpty(tt, envs)

	last := envs[len(envs)-1]
	require.Equal(tt, "error", last.Event)

	var p event.ErrorPayload
	require.NoError(tt, json.Unmarshal(last.Payload, &p))
	return p
}

type stubVerifier struct {
	identities map[string]*auth.Identity
}

func (v *stubVerifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if identity, ok := v.identities[token]; ok {
		return identity, nil
	}
	return nil, event.NewAuthError("signature verification failed")
}

func testRouter() *router.Router {
	r := router.New()
	r.Register(event.KindQuestionAnalyze, ratelimit.ClassAnalysis, router.PolicyReplyToSender,
		func(ctx context.Context, sender *auth.Identity, payload json.RawMessage) (*router.Result, error) {
			return &router.Result{Event: event.KindQuestionAnalyzed, Payload: payload}, nil
		})
	r.Register(event.KindCoachingMessage, ratelimit.ClassDefault, router.PolicyBroadcastToRooms,
		func(ctx context.Context, sender *auth.Identity, payload json.RawMessage) (*router.Result, error) {
			return &router.Result{Event: event.KindCoachingReply, Payload: payload}, nil
		})
	return r
}

func newTestSupervisor(instanceID string, bus cluster.Bus, rules map[string]ratelimit.Rule) *Supervisor {
	return New(
		Config{
			InstanceID:        instanceID,
			AuthTimeout:       time.Second,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  75 * time.Second,
		},
		Dependencies{
			Verifier: &stubVerifier{identities: map[string]*auth.Identity{
				"token-u1": {UserID: "u1", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)},
				"token-u2": {UserID: "u2", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)},
				"token-u3": {UserID: "u3", ExpiresAt: time.Now().Add(time.Hour)},
			}},
			Router: testRouter(),
			Rooms:  room.NewDirectory(),
			Queue:  queue.NewDeliveryQueue(50, 5),
			Limits: ratelimit.NewLimiter(ratelimit.Rule{Ceiling: 100, Window: time.Minute}, rules),
			Bus:    bus,
			Store:  memory.NewStore(),
		},
	)
}

func attachAuthenticated(t *testing.T, s *Supervisor, token string) (*Conn, *fakeTransport) {
	tr := &fakeTransport{}
	c := s.Attach(tr)
	require.NoError(t, s.Authenticate(context.Background(), c, token))
	return c, tr
}

func frame(t *testing.T, kind event.Kind, payload string) []byte {
	data, err := event.Encode(kind, json.RawMessage(payload))
	require.NoError(t, err)
	return data
}

func TestAuthenticateJoinsRoomsAndGreets(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)

	c, tr := attachAuthenticated(t, s, "token-u1")

	assert.Equal(t, []string{c.ID}, s.rooms.MembersOf("user:u1"))
	assert.Equal(t, []string{c.ID}, s.rooms.MembersOf("session:s1"))

	envs := tr.envelopes(t)
	require.NotEmpty(t, envs)
	assert.Equal(t, "user:joined", envs[0].Event)

	var details joinedDetails
	require.NoError(t, json.Unmarshal(envs[0].Payload, &details))
	assert.Equal(t, "u1", details.UserID)
	assert.Equal(t, "s1", details.SessionID)
	assert.Equal(t, 25, details.HeartbeatInterval)

	p, err := s.store.Presences().FindByConnectionID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
}

func TestAuthenticateWithoutSessionJoinsUserRoomOnly(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)

	c, _ := attachAuthenticated(t, s, "token-u3")

	assert.Equal(t, []string{c.ID}, s.rooms.MembersOf("user:u3"))
	assert.Len(t, s.rooms.RoomsOf(c.ID), 1)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)

	tr := &fakeTransport{}
	c := s.Attach(tr)

	err := s.Authenticate(context.Background(), c, "forged")
	require.Error(t, err)

	assert.True(t, tr.closed)
	assert.Nil(t, c.Identity())
	assert.Empty(t, s.rooms.RoomsOf(c.ID))

	var env event.Envelope
	require.NoError(t, json.Unmarshal(tr.closedWith, &env))
	assert.Equal(t, "error", env.Event)

	var p event.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, event.CodeAuthFailed, p.Code)
}

func TestAuthenticateNotifiesOtherDevices(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)

	_, tr1 := attachAuthenticated(t, s, "token-u1")
	_, tr2 := attachAuthenticated(t, s, "token-u1")

	// The first device hears about the second; the second only gets its
	// own greeting.
	assert.Contains(t, tr1.eventNames(t), "user:connect")
	assert.NotContains(t, tr2.eventNames(t), "user:connect")
}

func TestReconnectDeliversQueuedEventsInOrder(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)

	for i := 1; i <= 3; i++ {
		s.Publish(UserTarget("u1"), event.KindRecommendationsUpdate,
			map[string]int{"n": i})
	}
	assert.Equal(t, 3, s.queue.Len("u1"))

	_, tr := attachAuthenticated(t, s, "token-u1")

	envs := tr.envelopes(t)
	require.Len(t, envs, 4)
	assert.Equal(t, "user:joined", envs[0].Event)
	for i, env := range envs[1:] {
		assert.Equal(t, "recommendations:update", env.Event)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(env.Payload))
	}

	assert.Equal(t, 0, s.queue.Len("u1"))
}

func TestPublishToConnectedUserSkipsQueue(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	_, tr := attachAuthenticated(t, s, "token-u1")

	s.Publish(UserTarget("u1"), event.KindAnalyticsRefresh, nil)

	assert.Contains(t, tr.eventNames(t), "analytics:refresh")
	assert.Equal(t, 0, s.queue.Len("u1"))
}

func TestPublishBroadcastReachesEveryConnection(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	_, tr1 := attachAuthenticated(t, s, "token-u1")
	_, tr2 := attachAuthenticated(t, s, "token-u2")

	s.Publish(BroadcastTarget(), event.KindSessionUpdated, nil)

	assert.Contains(t, tr1.eventNames(t), "session:updated")
	assert.Contains(t, tr2.eventNames(t), "session:updated")
}

func TestInboundReplyToSender(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	c, tr := attachAuthenticated(t, s, "token-u1")

	s.HandleInbound(context.Background(), c, frame(t, event.KindQuestionAnalyze, `{"q":"1"}`))

	envs := tr.envelopes(t)
	last := envs[len(envs)-1]
	assert.Equal(t, "question:analyzed", last.Event)
	assert.JSONEq(t, `{"q":"1"}`, string(last.Payload))
}

func TestInboundBroadcastReachesSessionPeers(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	c1, _ := attachAuthenticated(t, s, "token-u1")
	_, tr2 := attachAuthenticated(t, s, "token-u2")

	s.HandleInbound(context.Background(), c1, frame(t, event.KindCoachingMessage, `{"text":"hi"}`))

	assert.Contains(t, tr2.eventNames(t), "coaching:reply")
}

func TestInboundRateLimited(t *testing.T) {
	s := newTestSupervisor("i1", nil, map[string]ratelimit.Rule{
		ratelimit.ClassAnalysis: {Ceiling: 1, Window: time.Minute},
	})
	c, tr := attachAuthenticated(t, s, "token-u1")

	s.HandleInbound(context.Background(), c, frame(t, event.KindQuestionAnalyze, `{"q":"1"}`))
	s.HandleInbound(context.Background(), c, frame(t, event.KindQuestionAnalyze, `{"q":"2"}`))

	p := tr.lastError(t)
	assert.Equal(t, event.CodeRateLimit, p.Code)

	// The connection survives a rate-limit rejection.
	assert.False(t, tr.closed)
	assert.False(t, tr.terminated)
}

func TestInboundBeforeAuthenticationIsDropped(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	tr := &fakeTransport{}
	c := s.Attach(tr)

	s.HandleInbound(context.Background(), c, frame(t, event.KindQuestionAnalyze, `{}`))

	assert.Empty(t, tr.frames)
}

func TestInboundMalformedFrame(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	c, tr := attachAuthenticated(t, s, "token-u1")

	s.HandleInbound(context.Background(), c, []byte("not json"))

	p := tr.lastError(t)
	assert.Equal(t, event.CodeInvalidData, p.Code)
}

func TestInboundUnknownEventIsIgnored(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	c, tr := attachAuthenticated(t, s, "token-u1")
	sent := len(tr.frames)

	s.HandleInbound(context.Background(), c, []byte(`{"event":"totally:unknown"}`))

	assert.Len(t, tr.frames, sent)
}

func TestDetachCleansUpAndNotifiesPeers(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	c1, _ := attachAuthenticated(t, s, "token-u1")
	_, tr2 := attachAuthenticated(t, s, "token-u2")

	s.Detach(c1, "connection closed")

	assert.Empty(t, s.rooms.MembersOf("user:u1"))
	assert.Empty(t, s.rooms.RoomsOf(c1.ID))
	assert.Contains(t, tr2.eventNames(t), "user:disconnect")

	_, err := s.store.Presences().FindByConnectionID(c1.ID)
	assert.Error(t, err)

	// A second detach for the same connection is a no-op.
	sent := len(tr2.frames)
	s.Detach(c1, "connection closed")
	assert.Len(t, tr2.frames, sent)
}

func TestFullOutboxFallsBackToQueue(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	_, tr := attachAuthenticated(t, s, "token-u1")
	tr.full = true

	s.Publish(UserTarget("u1"), event.KindAnalyticsRefresh, nil)

	assert.Equal(t, 1, s.queue.Len("u1"))
}

func TestCrossInstanceSessionFanOut(t *testing.T) {
	bus := cluster.NewMemoryBus()

	s1 := newTestSupervisor("i1", bus, nil)
	s1.SubscribeBus()
	s2 := newTestSupervisor("i2", bus, nil)
	s2.SubscribeBus()

	_, tr1 := attachAuthenticated(t, s1, "token-u1")
	_, tr2 := attachAuthenticated(t, s2, "token-u2")

	s1.Publish(SessionTarget("s1"), event.KindSessionUpdated, json.RawMessage(`{"v":1}`))

	// Both session members see the event exactly once, regardless of the
	// instance they are connected to.
	names1 := tr1.eventNames(t)
	names2 := tr2.eventNames(t)
	assert.Equal(t, 1, countOf(names1, "session:updated"))
	assert.Equal(t, 1, countOf(names2, "session:updated"))
}

func TestBusMessagesAreNeverQueuedLocally(t *testing.T) {
	bus := cluster.NewMemoryBus()

	s1 := newTestSupervisor("i1", bus, nil)
	s1.SubscribeBus()
	s2 := newTestSupervisor("i2", bus, nil)
	s2.SubscribeBus()

	// u1 is connected nowhere; only the publishing instance may queue.
	s1.Publish(UserTarget("u1"), event.KindAnalyticsRefresh, nil)

	assert.Equal(t, 1, s1.queue.Len("u1"))
	assert.Equal(t, 0, s2.queue.Len("u1"))
}

func TestHeartbeatPingsAndReapsIdleConnections(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	_, trActive := attachAuthenticated(t, s, "token-u1")
	cIdle, trIdle := attachAuthenticated(t, s, "token-u2")

	cIdle.Lock()
	cIdle.lastActiveAt = time.Now().Add(-2 * s.cfg.HeartbeatTimeout)
	cIdle.Unlock()

	s.maintain(time.Now())

	assert.Contains(t, trActive.eventNames(t), "heartbeat")
	assert.True(t, trIdle.terminated)
	assert.Empty(t, s.rooms.RoomsOf(cIdle.ID))
	assert.Equal(t, 1, s.Stats().Connections)
}

func TestMaintenanceReflushesQueues(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	_, tr := attachAuthenticated(t, s, "token-u1")

	// Simulate a message that was queued after the connect-time flush.
	s.queue.Enqueue("u1", event.KindAnalyticsRefresh.String(), nil, 0)

	s.maintain(time.Now())

	assert.Contains(t, tr.eventNames(t), "analytics:refresh")
	assert.Equal(t, 0, s.queue.Len("u1"))
}

func TestStats(t *testing.T) {
	s := newTestSupervisor("i1", nil, nil)
	attachAuthenticated(t, s, "token-u1")
	attachAuthenticated(t, s, "token-u2")
	s.queue.Enqueue("u9", "analytics:refresh", nil, 0)

	stats := s.Stats()
	assert.Equal(t, "i1", stats.InstanceID)
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 3, stats.ActiveRooms) // user:u1, user:u2, session:s1
	assert.Equal(t, 1, stats.QueuedMessages)
}

func countOf(names []string, name string) int {
	n := 0
	for _, candidate := range names {
		if candidate == name {
			n++
		}
	}
	return n
}
