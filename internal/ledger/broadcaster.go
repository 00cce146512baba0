package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrSlowSubscriber = errors.New("subscriber fell behind")

const (
	subscriberBuffer    = 256
	defaultRedisChannel = "relaydoc:events"
)

// Broadcaster fans sealed events out to live subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, events []Event) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription delivers events in seal order. Events is closed when the
// subscription ends; Err then reports why.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

type channelSubscription struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	onClose   func()
}

func newChannelSubscription(onClose func()) *channelSubscription {
	return &channelSubscription{
		events:  make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *channelSubscription) Events() <-chan Event {
	return s.events
}

func (s *channelSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *channelSubscription) Close() error {
	s.end(nil)
	return nil
}

func (s *channelSubscription) end(err error) {
	if s.stop(err) && s.onClose != nil {
		s.onClose()
	}
}

// stop marks the subscription done without running onClose and reports
// whether this call ended it.
func (s *channelSubscription) stop(err error) bool {
	stopped := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		stopped = true
	})
	return stopped
}

// MemoryBroadcaster is a single-process hub. A subscriber whose buffer is
// full is dropped with ErrSlowSubscriber rather than stalling the producer.
type MemoryBroadcaster struct {
	mu     sync.Mutex
	subs   map[*channelSubscription]struct{}
	closed bool
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: map[*channelSubscription]struct{}{}}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		for _, ev := range events {
			select {
			case sub.events <- ev:
				continue
			default:
			}
			b.dropLocked(sub, ErrSlowSubscriber)
			break
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := newChannelSubscription(nil)
	sub.onClose = func() { b.remove(sub) }
	b.subs[sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *MemoryBroadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		b.dropLocked(sub, ErrClosed)
	}
	return nil
}

func (b *MemoryBroadcaster) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

// dropLocked ends sub while b.mu is held, so it must not go through
// onClose.
func (b *MemoryBroadcaster) dropLocked(sub *channelSubscription, err error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.events)
	sub.stop(err)
}

// RedisBroadcaster publishes sealed events on a Redis pub/sub channel so
// API nodes other than the block producer can serve subscriptions.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	owned   bool
}

func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// NewRedisBroadcasterFromURL accepts redis://host:port/db?channel=name.
func NewRedisBroadcasterFromURL(dsn string) (*RedisBroadcaster, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	channel := query.Get("channel")
	query.Del("channel")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	b := NewRedisBroadcaster(redis.NewClient(opts), channel)
	b.owned = true
	return b, nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish block %d: %w", ev.BlockNumber, err)
		}
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	sub := newChannelSubscription(nil)
	go func() {
		defer close(sub.events)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.end(nil)
				return
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					sub.end(redis.ErrClosed)
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case sub.events <- ev:
				default:
					sub.end(ErrSlowSubscriber)
					return
				}
			}
		}
	}()
	return sub, nil
}

func (b *RedisBroadcaster) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
