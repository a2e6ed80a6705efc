package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prepio/relay/pkg/model"
	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/cluster"
	"github.com/prepio/relay/pkg/realtime/event"
	"github.com/prepio/relay/pkg/realtime/queue"
	"github.com/prepio/relay/pkg/realtime/ratelimit"
	"github.com/prepio/relay/pkg/realtime/room"
	"github.com/prepio/relay/pkg/realtime/router"
	"github.com/prepio/relay/pkg/storage"
	log "github.com/sirupsen/logrus"
)

const busTimeout = 5 * time.Second

// Config carries the supervisor's timing knobs.
type Config struct {
	InstanceID        string
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Dependencies are the collaborators injected at construction time. Bus
// may be nil: the supervisor then runs single-instance fan-out only.
type Dependencies struct {
	Verifier auth.Verifier
	Router   *router.Router
	Rooms    *room.Directory
	Queue    *queue.DeliveryQueue
	Limits   *ratelimit.Limiter
	Bus      cluster.Bus
	Store    storage.Interface
}

// Supervisor owns every open connection, drives it through
// authentication and dispatch, and exposes the outward publish API.
type Supervisor struct {
	cfg      Config
	verifier auth.Verifier
	router   *router.Router
	rooms    *room.Directory
	queue    *queue.DeliveryQueue
	limits   *ratelimit.Limiter
	bus      cluster.Bus
	store    storage.Interface

	sync.RWMutex
	conns map[string]*Conn
}

func New(cfg Config, deps Dependencies) *Supervisor {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &Supervisor{
		cfg:      cfg,
		verifier: deps.Verifier,
		router:   deps.Router,
		rooms:    deps.Rooms,
		queue:    deps.Queue,
		limits:   deps.Limits,
		bus:      deps.Bus,
		store:    deps.Store,
		conns:    make(map[string]*Conn),
	}
}

// SubscribeBus attaches the supervisor to the cluster backbone. Failure
// is non-fatal: fan-out degrades to this instance only.
func (s *Supervisor) SubscribeBus() {
	if s.bus == nil {
		return
	}
	if err := s.bus.Subscribe(s.handleBusMessage); err != nil {
		log.Warnf("cluster backbone unavailable, fan-out degrades to single instance: %v", err)
		s.bus = nil
	}
}

// Attach registers a freshly-upgraded connection. The connection joins
// no rooms until it authenticates.
func (s *Supervisor) Attach(t Transport) *Conn {
	c := newConn(uuid.NewString(), t)

	s.Lock()
	s.conns[c.ID] = c
	s.Unlock()

	log.WithField("connection_id", c.ID).Debug("connection attached")
	return c
}

type joinedDetails struct {
	UserID            string `json:"user_id"`
	SessionID         string `json:"session_id,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
	HeartbeatTimeout  int    `json:"heartbeat_timeout"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// Authenticate verifies the handshake credentials. On failure the client
// receives an AUTH_FAILED error envelope and the connection is closed;
// no room is ever joined. On success the connection joins its user and
// session rooms, pending messages are flushed, and the remaining room
// members are notified.
func (s *Supervisor) Authenticate(ctx context.Context, c *Conn, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	identity, err := s.verify(ctx, token)
	if err != nil {
		authErr, ok := err.(*event.Error)
		if !ok {
			authErr = event.NewAuthError("verification failed")
		}

		log.WithField("connection_id", c.ID).Warnf("connection rejected: %s", authErr.Message)
		if data, encErr := event.EncodeError(authErr); encErr == nil {
			c.transport.CloseGraceful(data)
		} else {
			c.transport.Terminate()
		}
		return authErr
	}

	c.setIdentity(identity)

	s.rooms.Join(identity.UserRoom(), c.ID)
	if sessionRoom := identity.SessionRoom(); sessionRoom != "" {
		s.rooms.Join(sessionRoom, c.ID)
	}

	s.recordPresence(c, identity)

	c.send(event.KindUserJoined, joinedDetails{
		UserID:            identity.UserID,
		SessionID:         identity.SessionID,
		HeartbeatInterval: int(s.cfg.HeartbeatInterval / time.Second),
		HeartbeatTimeout:  int(s.cfg.HeartbeatTimeout / time.Second),
	})

	// Presence notification for the user's other devices and, if a
	// session is attached, its other participants.
	connect := presencePayload{UserID: identity.UserID}
	s.fanOut(identity.UserRoom(), event.KindUserConnect, connect, c.ID)
	if sessionRoom := identity.SessionRoom(); sessionRoom != "" {
		s.fanOut(sessionRoom, event.KindUserConnect, connect, c.ID)
	}

	s.flushUser(identity.UserID)

	log.WithFields(log.Fields{
		"connection_id": c.ID,
		"user_id":       identity.UserID,
		"session_id":    identity.SessionID,
	}).Info("connection authenticated")
	return nil
}

// verify runs the verifier under the auth timeout. A verifier that does
// not answer in time counts as a failure.
func (s *Supervisor) verify(ctx context.Context, token string) (*auth.Identity, error) {
	type result struct {
		identity *auth.Identity
		err      error
	}

	resultCh := make(chan result, 1)
	go func() {
		identity, err := s.verifier.Verify(ctx, token)
		resultCh <- result{identity: identity, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.identity, r.err
	case <-ctx.Done():
		return nil, event.NewAuthError("verification timed out")
	}
}

// Detach removes a connection from all rooms and notifies the remaining
// members. Nothing is queued for the disconnecting user. Safe to call
// more than once for the same connection.
func (s *Supervisor) Detach(c *Conn, reason string) {
	s.Lock()
	_, open := s.conns[c.ID]
	delete(s.conns, c.ID)
	s.Unlock()
	if !open {
		return
	}

	left := s.rooms.RemoveConnection(c.ID)

	identity := c.Identity()
	if identity != nil {
		disconnect := presencePayload{UserID: identity.UserID, Reason: reason}
		for _, roomKey := range left {
			s.fanOut(roomKey, event.KindUserDisconnect, disconnect, "")
		}

		if err := s.store.Presences().Delete(c.ID); err != nil && err != storage.ErrNotFound {
			log.Errorf("failed to delete presence record for %s: %v", c.ID, err)
		}
	}

	log.WithFields(log.Fields{
		"connection_id": c.ID,
		"reason":        reason,
	}).Info("connection detached")
}

// HandleInbound processes one decoded frame from a client. All
// recoverable failures resolve here; nothing propagates to the caller.
func (s *Supervisor) HandleInbound(ctx context.Context, c *Conn, data []byte) {
	c.touch()

	identity := c.Identity()
	if identity == nil {
		// Not authenticated yet; reject silently.
		log.WithField("connection_id", c.ID).Debug("dropped event from unauthenticated connection")
		return
	}

	kind, payload, err := event.Decode(data)
	if err != nil {
		c.sendError(event.NewInvalidDataError("unreadable event envelope"))
		return
	}
	if kind == event.KindInvalid || !kind.Inbound() {
		// Unknown or server-only events are ignored, not surfaced, to
		// avoid leaking routing details to misbehaving clients.
		log.WithField("connection_id", c.ID).Warn("ignored unknown inbound event")
		return
	}

	class, ok := s.router.ClassFor(kind)
	if !ok {
		log.WithField("connection_id", c.ID).Warnf("no route for inbound event '%s'", kind)
		return
	}

	if !s.limits.Allow(identity.UserID, class) {
		c.sendError(event.NewRateLimitError("too many '" + class + "' events, slow down"))
		return
	}

	res, policy, err := s.router.Dispatch(ctx, identity, kind, payload)
	if err != nil {
		if err == router.ErrUnknownEvent {
			log.Warnf("no handler registered for inbound event '%s'", kind)
			return
		}
		if clientErr, ok := err.(*event.Error); ok {
			c.sendError(clientErr)
			return
		}
		log.Errorf("handler for '%s' failed: %v", kind, err)
		c.sendError(event.NewInternalError("event handling failed"))
		return
	}
	if res == nil {
		return
	}

	switch policy {
	case router.PolicyReplyToSender:
		if !c.send(res.Event, res.Payload) {
			s.queueFor(identity.UserID, res.Event, res.Payload)
		}
	case router.PolicyBroadcastToRooms:
		s.fanOut(identity.UserRoom(), res.Event, res.Payload, "")
		if sessionRoom := identity.SessionRoom(); sessionRoom != "" {
			s.fanOut(sessionRoom, res.Event, res.Payload, "")
		}
	case router.PolicyNoReply:
	}
}

// Target selects the recipients of a publish.
type Target struct {
	room      string
	userID    string
	broadcast bool
}

func UserTarget(userID string) Target {
	return Target{room: room.UserKey(userID), userID: userID}
}

func SessionTarget(sessionID string) Target {
	return Target{room: room.SessionKey(sessionID)}
}

func BroadcastTarget() Target {
	return Target{broadcast: true}
}

const broadcastRoom = "*"

// Publish delivers an event to a user, a session or every open
// connection. A user-target with no open connection anywhere locally is
// enqueued for later delivery instead of dropped.
func (s *Supervisor) Publish(target Target, kind event.Kind, payload interface{}) {
	if target.broadcast {
		frame, err := event.Encode(kind, payload)
		if err != nil {
			log.Errorf("could not encode broadcast '%s' event: %v", kind, err)
			return
		}
		for _, c := range s.openConns() {
			c.transport.Send(frame)
		}
		s.publishBus(broadcastRoom, kind, payload)
		return
	}

	delivered := s.deliverRoom(target.room, kind, payload, "")
	if target.userID != "" && !delivered {
		s.queueFor(target.userID, kind, payload)
	}
	s.publishBus(target.room, kind, payload)
}

// fanOut delivers locally and forwards to the cluster backbone.
func (s *Supervisor) fanOut(roomKey string, kind event.Kind, payload interface{}, exceptConnID string) {
	s.deliverRoom(roomKey, kind, payload, exceptConnID)
	s.publishBus(roomKey, kind, payload)
}

// deliverRoom sends to the local members of a room and reports whether
// at least one member received the frame. Partial delivery is fine: one
// failing member never rolls back the others.
func (s *Supervisor) deliverRoom(roomKey string, kind event.Kind, payload interface{}, exceptConnID string) bool {
	members := s.rooms.MembersOf(roomKey)
	if len(members) == 0 {
		return false
	}

	frame, err := event.Encode(kind, payload)
	if err != nil {
		log.Errorf("could not encode outbound '%s' event: %v", kind, err)
		return false
	}

	delivered := false
	for _, connID := range members {
		if connID == exceptConnID {
			continue
		}
		c := s.conn(connID)
		if c == nil {
			continue
		}
		if c.transport.Send(frame) {
			delivered = true
			continue
		}
		// A full outbox is treated like the recipient being offline.
		if identity := c.Identity(); identity != nil {
			s.queueFor(identity.UserID, kind, payload)
		}
	}
	return delivered
}

func (s *Supervisor) queueFor(userID string, kind event.Kind, payload interface{}) {
	raw, err := rawPayload(payload)
	if err != nil {
		log.Errorf("could not encode queued '%s' event for user %s: %v", kind, userID, err)
		return
	}
	s.queue.Enqueue(userID, kind.String(), raw, 0)
	log.WithFields(log.Fields{
		"user_id": userID,
		"event":   kind.String(),
	}).Debug("event queued for offline user")
}

func (s *Supervisor) publishBus(roomKey string, kind event.Kind, payload interface{}) {
	if s.bus == nil {
		return
	}

	raw, err := rawPayload(payload)
	if err != nil {
		log.Errorf("could not encode cluster payload for '%s': %v", kind, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()

	m := &cluster.Message{
		Origin:  s.cfg.InstanceID,
		Room:    roomKey,
		Event:   kind.String(),
		Payload: raw,
	}
	if err := s.bus.Publish(ctx, m); err != nil {
		// Best effort: cross-instance fan-out degrades, local state is
		// untouched.
		log.Warnf("cluster publish for room '%s' failed: %v", roomKey, err)
	}
}

// handleBusMessage delivers a broadcast that originated on another
// instance to the local members of the room. Remote messages are never
// queued here; the origin instance owns offline queueing.
func (s *Supervisor) handleBusMessage(m *cluster.Message) {
	if m.Origin == s.cfg.InstanceID {
		return
	}

	kind := event.ParseKind(m.Event)
	if kind == event.KindInvalid {
		log.Warnf("cluster message with unknown event '%s' ignored", m.Event)
		return
	}

	if m.Room == broadcastRoom {
		frame, err := event.Encode(kind, m.Payload)
		if err != nil {
			return
		}
		for _, c := range s.openConns() {
			c.transport.Send(frame)
		}
		return
	}

	s.deliverRoom(m.Room, kind, m.Payload, "")
}

// flushUser attempts to deliver every queued entry, in enqueue order, to
// the user's open connections. Entries that could not be handed off go
// back to the queue with their attempt counter advanced.
func (s *Supervisor) flushUser(userID string) {
	members := s.rooms.MembersOf(room.UserKey(userID))
	if len(members) == 0 {
		return
	}

	conns := make([]*Conn, 0, len(members))
	for _, connID := range members {
		if c := s.conn(connID); c != nil {
			conns = append(conns, c)
		}
	}
	if len(conns) == 0 {
		return
	}

	for _, m := range s.queue.Drain(userID) {
		kind := event.ParseKind(m.Event)
		if kind == event.KindInvalid {
			log.Warnf("dropped queued message with unknown event '%s'", m.Event)
			continue
		}

		frame, err := event.Encode(kind, m.Payload)
		if err != nil {
			log.Errorf("could not encode queued '%s' event: %v", kind, err)
			continue
		}

		delivered := false
		for _, c := range conns {
			if c.transport.Send(frame) {
				delivered = true
			}
		}
		if !delivered && !s.queue.Requeue(m) {
			log.WithFields(log.Fields{
				"user_id": userID,
				"event":   m.Event,
			}).Warn("queued message dropped after exhausting delivery attempts")
		}
	}
}

func (s *Supervisor) recordPresence(c *Conn, identity *auth.Identity) {
	now := time.Now().Round(time.Second).UTC()
	p := &model.Presence{
		ConnectionID: c.ID,
		UserID:       identity.UserID,
		SessionID:    identity.SessionID,
		ConnectedAt:  now,
		LastSeenAt:   now,
	}
	if err := s.store.Presences().Create(p); err != nil {
		log.Errorf("failed to record presence for %s: %v", c.ID, err)
	}
}

func (s *Supervisor) conn(connID string) *Conn {
	s.RLock()
	defer s.RUnlock()
	return s.conns[connID]
}

func (s *Supervisor) openConns() []*Conn {
	s.RLock()
	defer s.RUnlock()

	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	InstanceID     string `json:"instance_id"`
	Connections    int    `json:"connections"`
	ActiveUsers    int    `json:"active_users"`
	ActiveRooms    int    `json:"active_rooms"`
	QueuedMessages int    `json:"queued_messages"`
}

func (s *Supervisor) Stats() Stats {
	s.RLock()
	connections := len(s.conns)
	s.RUnlock()

	return Stats{
		InstanceID:     s.cfg.InstanceID,
		Connections:    connections,
		ActiveUsers:    len(s.rooms.ActiveUsers()),
		ActiveRooms:    len(s.rooms.ActiveRooms()),
		QueuedMessages: s.queue.Pending(),
	}
}

func rawPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
