package cluster

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance runs. It
// delivers every published message to all subscribed handlers, including
// the publisher's own; filtering by origin is the subscriber's job, same
// as with the production adapters.
type MemoryBus struct {
	sync.Mutex
	handlers []Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, m *Message) error {
	b.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	closed := b.closed
	b.Unlock()

	if closed {
		return nil
	}
	for _, h := range handlers {
		h(m)
	}
	return nil
}

func (b *MemoryBus) Subscribe(h Handler) error {
	b.Lock()
	defer b.Unlock()
	b.handlers = append(b.handlers, h)
	return nil
}

func (b *MemoryBus) Close() error {
	b.Lock()
	defer b.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
