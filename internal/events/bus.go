package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTopic is the topic status events are published on.
	DefaultTopic = "sapa.events"

	// BackendMemory keeps events inside the process.
	BackendMemory = "memory"
	// BackendRedis publishes events to a Redis stream so other processes can watch.
	BackendRedis = "redis"

	subscriberBuffer = 64
)

// ErrUnknownBackend is returned for an unsupported bus backend.
var ErrUnknownBackend = errors.New("unknown event backend")

// Settings selects and configures the bus backend.
type Settings struct {
	Backend   string
	RedisAddr string
	Topic     string
}

// Bus publishes events on a watermill topic and lets any number of readers
// subscribe to them.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
	logger     *slog.Logger
	topic      string
}

// NewBus builds a bus for the configured backend.
func NewBus(s Settings, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendMemory:
		return NewMemoryBus(s.Topic, logger), nil
	case BackendRedis:
		return NewRedisBus(s, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, s.Backend)
	}
}

// NewMemoryBus creates an in-process bus backed by a watermill go channel.
func NewMemoryBus(topic string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: subscriberBuffer,
	}, watermill.NewSlogLogger(logger))

	return &Bus{
		publisher:  pubSub,
		subscriber: pubSub,
		closers:    []func() error{pubSub.Close},
		logger:     logger.With(slog.String("component", "events.bus")),
		topic:      topicOrDefault(topic),
	}
}

// NewRedisBus creates a bus backed by Redis streams. Subscribers use fan-out
// mode, so every dashboard sees every event.
func NewRedisBus(s Settings, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(s.RedisAddr) == "" {
		return nil, fmt.Errorf("redis address is required for the %s backend", BackendRedis)
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	wmLogger := watermill.NewSlogLogger(logger)
	marshaller := redisstream.DefaultMarshallerUnmarshaller{}

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaller,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("create redis subscriber: %w", err)
	}

	return &Bus{
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
		logger:     logger.With(slog.String("component", "events.bus")),
		topic:      topicOrDefault(s.Topic),
	}, nil
}

func topicOrDefault(topic string) string {
	if strings.TrimSpace(topic) == "" {
		return DefaultTopic
	}
	return topic
}

// Topic returns the topic events are published on.
func (b *Bus) Topic() string {
	return b.topic
}

// Publish implements Sink.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Subscribe returns a channel of events published after the call. The
// channel is closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.topic, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					b.logger.Warn("dropping malformed event",
						slog.String("message_id", msg.UUID),
						slog.Any("error", err))
					msg.Ack()
					continue
				}
				msg.Ack()

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the publisher, subscriber and any backend connection.
func (b *Bus) Close() error {
	var errs []error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
