package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callpilot/internal/observability"
	"github.com/ent0n29/callpilot/internal/reliability"
)

type BusConfig struct {
	Prefix      string
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (c BusConfig) withDefaults() BusConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Second
	}
	return c
}

type envelope struct {
	topic string
	msg   *message.Message
}

// Bus is an asynchronous Sink over a watermill publisher. Events are queued
// and published by a single worker; a full queue drops the event.
type Bus struct {
	pub     message.Publisher
	cfg     BusConfig
	metrics *observability.Metrics

	queue chan envelope
	stop  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewBus(pub message.Publisher, cfg BusConfig, metrics *observability.Metrics) *Bus {
	b := &Bus{
		pub:     pub,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.queue = make(chan envelope, b.cfg.QueueSize)
	go b.run()
	return b
}

// Topic returns the fully-qualified topic (stream) name for topic.
func Topic(prefix, topic string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

func (b *Bus) Publish(topic string, payload any) {
	full := Topic(b.cfg.Prefix, topic)
	raw, err := json.Marshal(payload)
	if err != nil {
		b.metrics.ObserveEventPublish(topic, err)
		log.Error().Err(err).Str("topic", full).Msg("event marshal failed")
		return
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	msg.Metadata.Set("topic", topic)
	msg.Metadata.Set("published_at", time.Now().UTC().Format(time.RFC3339Nano))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- envelope{topic: full, msg: msg}:
	default:
		b.metrics.ObserveEventPublish(topic, errors.New("queue full"))
		log.Warn().Str("topic", full).Msg("event queue full, dropping event")
	}
}

// Close stops accepting events and drains the queue until ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		close(b.stop)
		<-b.done
	}
	return errors.Wrap(b.pub.Close(), "close event publisher")
}

func (b *Bus) run() {
	defer close(b.done)
	for env := range b.queue {
		select {
		case <-b.stop:
			return
		default:
		}
		err := b.publish(env)
		b.metrics.ObserveEventPublish(env.msg.Metadata.Get("topic"), err)
		if err != nil {
			log.Error().Err(err).Str("topic", env.topic).Str("event_id", env.msg.UUID).Msg("event publish failed")
		}
	}
}

func (b *Bus) publish(env envelope) error {
	var err error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-b.stop:
				return errors.Wrap(err, "publish aborted")
			case <-time.After(reliability.ExponentialBackoff(attempt-1, b.cfg.Backoff, b.cfg.MaxBackoff)):
			}
		}
		if err = b.pub.Publish(env.topic, env.msg.Copy()); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "publish %s after %d attempts", env.topic, b.cfg.MaxAttempts)
}
