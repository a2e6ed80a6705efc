package supervisor

import (
	"sync"
	"time"

	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/event"
	log "github.com/sirupsen/logrus"
)

// Transport is the write side of one client connection. The production
// implementation is the websocket driver; tests substitute a recording
// fake.
type Transport interface {
	// Send queues a frame for delivery. It never blocks; false means the
	// outbox is full and the frame was dropped.
	Send(data []byte) bool
	// CloseGraceful delivers a final frame (may be nil) and closes the
	// connection with a close handshake.
	CloseGraceful(data []byte)
	// Terminate tears the connection down without a close handshake.
	Terminate()
}

// Conn is one open client connection. It is owned exclusively by the
// supervisor; the room directory only ever references its ID.
type Conn struct {
	ID        string
	transport Transport
	createdAt time.Time

	sync.RWMutex
	identity     *auth.Identity
	lastActiveAt time.Time
}

func newConn(id string, t Transport) *Conn {
	now := time.Now()
	return &Conn{
		ID:           id,
		transport:    t,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// Identity returns the negotiated identity, or nil while the connection
// is unauthenticated.
func (c *Conn) Identity() *auth.Identity {
	c.RLock()
	defer c.RUnlock()
	return c.identity
}

func (c *Conn) setIdentity(id *auth.Identity) {
	c.Lock()
	defer c.Unlock()
	c.identity = id
}

func (c *Conn) touch() {
	c.Lock()
	defer c.Unlock()
	c.lastActiveAt = time.Now()
}

func (c *Conn) lastActive() time.Time {
	c.RLock()
	defer c.RUnlock()
	return c.lastActiveAt
}

// send encodes and queues one outbound envelope. False means the frame
// could not be handed to the transport.
func (c *Conn) send(kind event.Kind, payload interface{}) bool {
	data, err := event.Encode(kind, payload)
	if err != nil {
		log.Errorf("connection %s could not encode outbound '%s' event: %v", c.ID, kind, err)
		return false
	}
	return c.transport.Send(data)
}

// sendError delivers a typed error envelope to the client. Errors here
// are resolved at this boundary; the connection stays open.
func (c *Conn) sendError(e *event.Error) {
	data, err := event.EncodeError(e)
	if err != nil {
		log.Errorf("connection %s could not encode error envelope: %v", c.ID, err)
		return
	}
	c.transport.Send(data)
}
