package cluster

import (
	"context"
	"encoding/json"
)

// Message is a room broadcast shared between relay instances. Origin
// carries the publishing instance's ID so an instance can skip its own
// broadcasts.
type Message struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes broadcasts published by other instances.
type Handler func(m *Message)

// Bus is the pluggable fan-out backbone. Implementations are best-effort
// and eventually consistent: a lost message degrades cross-instance
// fan-out but must never corrupt local state.
type Bus interface {
	Publish(ctx context.Context, m *Message) error
	Subscribe(h Handler) error
	Close() error
}
