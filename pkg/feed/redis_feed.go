package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "daily_log:changes"

// RedisFeed fans out events over a Redis Pub/Sub channel.
type RedisFeed struct {
	client  *redis.Client
	channel string
	buffer  int
}

// RedisFeedConfig configures a RedisFeed.
type RedisFeedConfig struct {
	Addr     string
	Password string
	Channel  string
	Buffer   int
}

// NewRedisFeed connects a Pub/Sub feed.
func NewRedisFeed(cfg RedisFeedConfig) (*RedisFeed, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisFeed{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		channel: channel,
		buffer:  buffer,
	}, nil
}

// Publish sends ev to every live subscription.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Table, err)
	}
	return nil
}

// Subscribe waits for the SUBSCRIBE confirmation so no event published
// afterwards is missed.
func (f *RedisFeed) Subscribe(ctx context.Context) (Subscription, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Event, f.buffer),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Close releases the Redis connection pool.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("feed: drop undecodable event", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
