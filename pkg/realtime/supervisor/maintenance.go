package supervisor

import (
	"context"
	"time"

	"github.com/prepio/relay/pkg/realtime/event"
	"github.com/prepio/relay/pkg/storage"
	log "github.com/sirupsen/logrus"
)

type heartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

// Run drives the periodic maintenance until the context is cancelled:
// heartbeats, delivery-queue re-flush for reconnected users, rate-limit
// window sweeps and dead-connection reaping. One supervised loop instead
// of per-connection timers keeps shutdown deterministic.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	log.Info("maintenance loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance loop stopped")
			return
		case now := <-ticker.C:
			s.maintain(now)
		}
	}
}

func (s *Supervisor) maintain(now time.Time) {
	s.heartbeat(now)
	s.reflushQueues()
	if purged := s.limits.Sweep(now); purged > 0 {
		log.Debugf("purged %d stale rate-limit windows", purged)
	}
}

// heartbeat pings every open connection and reaps the ones that showed
// no traffic within the grace period.
func (s *Supervisor) heartbeat(now time.Time) {
	frame, err := event.Encode(event.KindHeartbeat, heartbeatPayload{Timestamp: now.Unix()})
	if err != nil {
		log.Errorf("could not encode heartbeat: %v", err)
		return
	}

	for _, c := range s.openConns() {
		if now.Sub(c.lastActive()) > s.cfg.HeartbeatTimeout {
			log.WithField("connection_id", c.ID).Warn("connection missed heartbeat grace period, closing")
			c.transport.Terminate()
			s.Detach(c, "heartbeat timeout")
			continue
		}

		c.transport.Send(frame)

		if c.Identity() != nil {
			if err := s.store.Presences().Touch(c.ID, c.lastActive()); err != nil && err != storage.ErrNotFound {
				log.Debugf("failed to touch presence for %s: %v", c.ID, err)
			}
		}
	}
}

// reflushQueues retries delivery for every user with pending messages,
// covering users that reconnected between flush attempts.
func (s *Supervisor) reflushQueues() {
	for _, userID := range s.queue.Users() {
		s.flushUser(userID)
	}
}
