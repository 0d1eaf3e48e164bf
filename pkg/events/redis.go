package events

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// RedisSink publishes DTE events to a Redis channel, one PUBLISH per
// event (no pipeline, no hash writes), so a supervisor process or a
// PPP-bringup daemon can subscribe without being linked into this
// process.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *log.Logger

	queue chan Event
	done  chan struct{}
}

// NewRedisSink creates a sink that publishes onto channel using client. A
// background goroutine drains a small internal queue so Publish never
// blocks the reader task on Redis I/O — the event-loop tick that drains
// published events to subscribers, collapsed into one draining goroutine
// behind a local event-sink interface rather than a global singleton.
func NewRedisSink(client *redis.Client, channel string, logger *log.Logger) *RedisSink {
	if logger == nil {
		logger = log.Default()
	}
	s := &RedisSink{
		client:  client,
		channel: channel,
		logger:  logger,
		queue:   make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *RedisSink) Publish(e Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("event sink queue full, dropping event", "kind", e.Kind)
	}
}

func (s *RedisSink) drain() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			msg := string(e.Kind)
			if e.Payload != "" {
				msg = msg + ":" + e.Payload
			}
			if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
				s.logger.Warn("failed to publish event", "kind", e.Kind, "err", err)
			}
			cancel()
		}
	}
}

// Close stops the draining goroutine.
func (s *RedisSink) Close() {
	close(s.done)
}
