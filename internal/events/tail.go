package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler receives one delivered event. Returning an error nacks the message.
type Handler func(topic string, msg *message.Message) error

// Tail subscribes to every topic and feeds deliveries to fn until ctx ends.
func Tail(ctx context.Context, sub message.Subscriber, topics []string, fn Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		msgs, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					if err := fn(topic, msg); err != nil {
						msg.Nack()
						continue
					}
					msg.Ack()
				}
			}
		})
	}
	return g.Wait()
}
