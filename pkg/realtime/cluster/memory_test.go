package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryBus()

	received := make([]*Message, 0)
	require.NoError(t, b.Subscribe(func(m *Message) {
		received = append(received, m)
	}))
	require.NoError(t, b.Subscribe(func(m *Message) {
		received = append(received, m)
	}))

	m := &Message{Origin: "i1", Room: "user:u1", Event: "coaching:reply"}
	require.NoError(t, b.Publish(context.Background(), m))

	assert.Len(t, received, 2)
	assert.Equal(t, "user:u1", received[0].Room)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()

	delivered := false
	require.NoError(t, b.Subscribe(func(m *Message) { delivered = true }))
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), &Message{}))
	assert.False(t, delivered)
}
