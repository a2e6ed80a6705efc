package queue

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueNeverExceedsCapacity(t *testing.T) {
	q := NewDeliveryQueue(5, 3)

	for i := 0; i < 20; i++ {
		q.Enqueue("u1", "notify", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 0)
	}

	assert.Equal(t, 5, q.Len("u1"))
}

func TestEvictionIsOldestFirst(t *testing.T) {
	q := NewDeliveryQueue(3, 3)

	for i := 0; i < 5; i++ {
		q.Enqueue("u1", "notify", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 0)
	}

	msgs := q.Drain("u1")
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"n":2}`, string(msgs[0].Payload))
	assert.JSONEq(t, `{"n":3}`, string(msgs[1].Payload))
	assert.JSONEq(t, `{"n":4}`, string(msgs[2].Payload))
}

func TestDrainPreservesEnqueueOrder(t *testing.T) {
	q := NewDeliveryQueue(50, 3)

	q.Enqueue("u1", "m1", nil, 0)
	q.Enqueue("u1", "m2", nil, 0)
	q.Enqueue("u1", "m3", nil, 0)

	msgs := q.Drain("u1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].Event)
	assert.Equal(t, "m2", msgs[1].Event)
	assert.Equal(t, "m3", msgs[2].Event)

	assert.Equal(t, 0, q.Len("u1"))
	assert.Empty(t, q.Drain("u1"))
}

func TestDrainIncrementsAttempts(t *testing.T) {
	q := NewDeliveryQueue(50, 3)
	q.Enqueue("u1", "notify", nil, 0)

	msgs := q.Drain("u1")
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
}

func TestPoisonMessagesAreDropped(t *testing.T) {
	q := NewDeliveryQueue(50, 2)
	q.Enqueue("u1", "notify", nil, 0)

	// First two delivery rounds fail and requeue.
	for i := 0; i < 2; i++ {
		msgs := q.Drain("u1")
		require.Len(t, msgs, 1, "round %d", i)
		assert.True(t, q.Requeue(msgs[0]) || msgs[0].Attempts >= 2)
	}

	// Attempts are exhausted now; nothing comes back.
	assert.Empty(t, q.Drain("u1"))
}

func TestRequeueRejectsExhaustedMessages(t *testing.T) {
	q := NewDeliveryQueue(50, 2)

	m := &Message{UserID: "u1", Event: "notify", Attempts: 2}
	assert.False(t, q.Requeue(m))
	assert.Equal(t, 0, q.Len("u1"))

	m.Attempts = 1
	assert.True(t, q.Requeue(m))
	assert.Equal(t, 1, q.Len("u1"))
}

func TestUsersAndPending(t *testing.T) {
	q := NewDeliveryQueue(50, 3)
	q.Enqueue("u1", "notify", nil, 0)
	q.Enqueue("u1", "notify", nil, 0)
	q.Enqueue("u2", "notify", nil, 0)

	assert.ElementsMatch(t, []string{"u1", "u2"}, q.Users())
	assert.Equal(t, 3, q.Pending())
}

func TestQueuesAreIsolatedPerUser(t *testing.T) {
	q := NewDeliveryQueue(2, 3)
	q.Enqueue("u1", "a", nil, 0)
	q.Enqueue("u2", "b", nil, 0)
	q.Enqueue("u2", "c", nil, 0)
	q.Enqueue("u2", "d", nil, 0)

	assert.Equal(t, 1, q.Len("u1"))
	assert.Equal(t, 2, q.Len("u2"))
}
