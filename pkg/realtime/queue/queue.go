package queue

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is an outbound event buffered for a user with no open
// connection. It is bound to a user, never to a specific connection.
type Message struct {
	UserID     string
	Event      string
	Payload    json.RawMessage
	Priority   int
	EnqueuedAt time.Time
	Attempts   int
}

// DeliveryQueue buffers events for temporarily-unreachable users. Each
// user's queue is capped: once full, the oldest entries are evicted
// first, so the most recent state always has a chance to be seen.
type DeliveryQueue struct {
	sync.Mutex
	queues      map[string][]*Message
	capacity    int
	maxAttempts int
}

func NewDeliveryQueue(capacity, maxAttempts int) *DeliveryQueue {
	return &DeliveryQueue{
		queues:      make(map[string][]*Message),
		capacity:    capacity,
		maxAttempts: maxAttempts,
	}
}

// Enqueue appends a message to the user's queue, evicting from the front
// when the queue is at capacity.
func (q *DeliveryQueue) Enqueue(userID, eventName string, payload json.RawMessage, priority int) {
	m := &Message{
		UserID:     userID,
		Event:      eventName,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now().Round(time.Second).UTC(),
	}

	q.Lock()
	defer q.Unlock()
	q.append(m)
}

// Requeue puts back a message whose delivery failed, keeping its attempt
// counter. Messages that already reached the attempt limit are dropped so
// poison entries cannot occupy queue capacity forever.
func (q *DeliveryQueue) Requeue(m *Message) bool {
	if m.Attempts >= q.maxAttempts {
		return false
	}

	q.Lock()
	defer q.Unlock()
	q.append(m)
	return true
}

func (q *DeliveryQueue) append(m *Message) {
	entries := q.queues[m.UserID]
	if len(entries) >= q.capacity {
		entries = entries[len(entries)-q.capacity+1:]
	}
	q.queues[m.UserID] = append(entries, m)
}

// Drain removes and returns the user's queued messages in enqueue order,
// incrementing each entry's attempt counter. Entries that exceeded the
// attempt limit are dropped, not returned.
//
// The queue is cleared before the caller hands the entries to the
// transport: delivery is at-least-once, and a crash between send and
// clear duplicates rather than loses (failed sends come back through
// Requeue).
func (q *DeliveryQueue) Drain(userID string) []*Message {
	q.Lock()
	defer q.Unlock()

	entries, ok := q.queues[userID]
	if !ok {
		return nil
	}
	delete(q.queues, userID)

	out := make([]*Message, 0, len(entries))
	for _, m := range entries {
		m.Attempts++
		if m.Attempts > q.maxAttempts {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the number of messages queued for a user.
func (q *DeliveryQueue) Len(userID string) int {
	q.Lock()
	defer q.Unlock()
	return len(q.queues[userID])
}

// Users returns the IDs of all users with a non-empty queue.
func (q *DeliveryQueue) Users() []string {
	q.Lock()
	defer q.Unlock()

	users := make([]string, 0, len(q.queues))
	for userID := range q.queues {
		users = append(users, userID)
	}
	return users
}

// Pending returns the total number of queued messages across all users.
func (q *DeliveryQueue) Pending() int {
	q.Lock()
	defer q.Unlock()

	n := 0
	for _, entries := range q.queues {
		n += len(entries)
	}
	return n
}
