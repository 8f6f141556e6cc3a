// Package redis implements the progress publisher on Redis PUBLISH and
// SUBSCRIBE. Callers build the Redis clients and pass them to New; the
// publisher never owns a connection. Subscriptions ride a client tuned for
// blocking reads so a quiet topic does not trip read timeouts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/weftworks/loom/runtime/ingest/progress"
)

// subscriberBuffer bounds how many undelivered payloads one subscriber may
// hold before the forwarder blocks on it.
const subscriberBuffer = 64

// subscriberKeepAlive is the TCP keepalive period for subscriber
// connections, which otherwise sit idle between snapshots.
const subscriberKeepAlive = 30 * time.Second

// Options configures the publisher.
type Options struct {
	// Client serves PUBLISH. Required.
	Client *redis.Client
	// Subscriber serves SUBSCRIBE. Blocking subscriptions need reads that
	// never time out, so this should be built with SubscriberClient. Nil
	// falls back to Client.
	Subscriber *redis.Client
}

// Publisher implements progress.Publisher on Redis pub/sub.
type Publisher struct {
	client     *redis.Client
	subscriber *redis.Client
}

var _ progress.Publisher = (*Publisher)(nil)

// New returns a publisher backed by the provided clients.
func New(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	sub := opts.Subscriber
	if sub == nil {
		sub = opts.Client
	}
	return &Publisher{client: opts.Client, subscriber: sub}, nil
}

// SubscriberClient builds a client suited for blocking subscriptions from
// base: reads never time out and the connection keeps TCP keepalive probes
// going. The caller owns the returned client.
func SubscriberClient(base *redis.Options) *redis.Client {
	opts := *base
	opts.ReadTimeout = -1
	opts.Dialer = (&net.Dialer{KeepAlive: subscriberKeepAlive}).DialContext
	return redis.NewClient(&opts)
}

// Publish JSON-encodes payload onto the topic's channel and returns the
// number of subscribers Redis delivered it to.
func (p *Publisher) Publish(ctx context.Context, namespace, id string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("progress: encode payload: %w", err)
	}
	n, err := p.client.Publish(ctx, progress.Topic(namespace, id), data).Result()
	if err != nil {
		return 0, fmt.Errorf("progress publish: %w", err)
	}
	return n, nil
}

// Subscribe opens a dedicated pub/sub connection for the topic. It returns
// only after the server confirmed the subscription, so snapshots published
// afterwards are guaranteed to count this subscriber.
func (p *Publisher) Subscribe(ctx context.Context, namespace, id string) (progress.Subscription, error) {
	pubsub := p.subscriber.Subscribe(ctx, progress.Topic(namespace, id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("progress subscribe: %w", err)
	}
	sub := &subscription{
		pubsub: pubsub,
		events: make(chan []byte, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Close is a no-op: Redis pub/sub channels are implicit and vanish with
// their last subscriber.
func (p *Publisher) Close(context.Context, string, string) error {
	return nil
}

// Pinger adapts the publish client to a clue health pinger under the given
// dependency name.
func Pinger(client *redis.Client, name string) health.Pinger {
	return pinger{client: client, name: name}
}

type pinger struct {
	client *redis.Client
	name   string
}

func (p pinger) Name() string { return p.name }

func (p pinger) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.client.Ping(ctx).Err()
}

type subscription struct {
	pubsub *redis.PubSub
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

// forward copies messages off the pub/sub connection until it closes.
// Delivery is in publish order; a blocked consumer blocks the forwarder,
// never reorders or drops the terminal snapshot.
func (s *subscription) forward() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		select {
		case s.events <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Events() <-chan []byte { return s.events }

func (s *subscription) Close(context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
