package redis

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/prepio/relay/pkg/realtime/cluster"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const fanoutChannel = "relay:rooms:fanout"

type redisBus struct {
	client *goredis.Client
	pubsub *goredis.PubSub
	cancel context.CancelFunc
}

// NewBus wraps a Redis client as the cluster fan-out backbone, using a
// single pub/sub channel for room broadcasts.
func NewBus(client *goredis.Client) cluster.Bus {
	return &redisBus{client: client}
}

func (b *redisBus) Publish(ctx context.Context, m *cluster.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cluster message")
	}

	if err := b.client.Publish(ctx, fanoutChannel, data).Err(); err != nil {
		return errors.Wrap(err, "failed to publish cluster message")
	}
	return nil
}

func (b *redisBus) Subscribe(h cluster.Handler) error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pubsub = b.client.Subscribe(ctx, fanoutChannel)

	// Force the subscription before we report success, so a dead Redis
	// surfaces here instead of silently never delivering.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		cancel()
		return errors.Wrap(err, "failed to subscribe to fan-out channel")
	}

	ch := b.pubsub.Channel()
	go func() {
		for msg := range ch {
			m := &cluster.Message{}
			if err := json.Unmarshal([]byte(msg.Payload), m); err != nil {
				log.Warnf("cluster bus dropped an unreadable message: %v", err)
				continue
			}
			h(m)
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			return errors.Wrap(err, "failed to close fan-out subscription")
		}
		b.pubsub = nil
	}
	return nil
}
