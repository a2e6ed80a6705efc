package natsio

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prepio/relay/pkg/realtime/cluster"
	log "github.com/sirupsen/logrus"
)

const fanoutSubject = "relay.rooms.fanout"

type natsBus struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewBus wraps an established NATS connection as the cluster fan-out
// backbone. The connection's lifecycle (drain on shutdown) stays with
// the caller that dialed it.
func NewBus(nc *nats.Conn) cluster.Bus {
	return &natsBus{nc: nc}
}

func (b *natsBus) Publish(ctx context.Context, m *cluster.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cluster message")
	}

	if err := b.nc.Publish(fanoutSubject, data); err != nil {
		return errors.Wrap(err, "failed to publish cluster message")
	}
	return nil
}

func (b *natsBus) Subscribe(h cluster.Handler) error {
	sub, err := b.nc.Subscribe(fanoutSubject, func(msg *nats.Msg) {
		m := &cluster.Message{}
		if err := json.Unmarshal(msg.Data, m); err != nil {
			log.Warnf("cluster bus dropped an unreadable message: %v", err)
			return
		}
		h(m)
	})
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to fan-out subject")
	}

	b.sub = sub
	return nil
}

func (b *natsBus) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			return errors.Wrap(err, "failed to unsubscribe from fan-out subject")
		}
		b.sub = nil
	}
	return nil
}
