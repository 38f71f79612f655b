package events

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewPublisher returns a Redis Streams publisher when addr is set, otherwise an
// in-process gochannel that also serves as the subscriber.
func NewPublisher(ctx context.Context, addr string) (message.Publisher, message.Subscriber, error) {
	logger := NewWatermillLogger(log.Logger)
	if strings.TrimSpace(addr) == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return ch, ch, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create redis stream publisher")
	}
	return pub, nil, nil
}

// NewRedisSubscriber returns a consumer-group subscriber positioned at the
// tail of each stream, so a fresh group does not replay history.
func NewRedisSubscriber(ctx context.Context, addr, group, consumer string, streams []string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	for _, stream := range streams {
		if err := ensureGroupAtTail(ctx, client, stream, group); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return sub, nil
}

func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil {
		log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
}
