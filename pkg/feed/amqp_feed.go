package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultAMQPExchange = "daily_log.changes"

// AMQPFeed fans out events through a RabbitMQ fanout exchange. Every
// subscription owns an exclusive auto-delete queue bound to the exchange.
type AMQPFeed struct {
	conn     *amqp.Connection
	exchange string
	buffer   int

	mu  sync.Mutex
	pub *amqp.Channel
}

// AMQPFeedConfig configures an AMQPFeed.
type AMQPFeedConfig struct {
	URL      string
	Exchange string
	Buffer   int
}

// NewAMQPFeed dials the broker and declares the exchange.
func NewAMQPFeed(cfg AMQPFeedConfig) (*AMQPFeed, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultAMQPExchange
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPFeed{conn: conn, exchange: exchange, buffer: buffer, pub: pub}, nil
}

// Publish sends ev to the exchange.
func (f *AMQPFeed) Publish(ctx context.Context, ev Event) error {
	msg, err := encodePublishing(ev)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing.
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pub.PublishWithContext(ctx, f.exchange, string(ev.Table), false, false, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Table, err)
	}
	return nil
}

// Subscribe declares a private queue and starts consuming it.
func (f *AMQPFeed) Subscribe(ctx context.Context) (Subscription, error) {
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare subscription queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind subscription queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume subscription queue: %w", err)
	}
	sub := &amqpSubscription{
		ch:     ch,
		events: make(chan Event, f.buffer),
		done:   make(chan struct{}),
	}
	go sub.pump(deliveries)
	return sub, nil
}

// Close closes the broker connection and every subscription channel on it.
func (f *AMQPFeed) Close() error {
	return f.conn.Close()
}

type amqpSubscription struct {
	ch     *amqp.Channel
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *amqpSubscription) Events() <-chan Event {
	return s.events
}

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ch.Close()
	})
	return err
}

func (s *amqpSubscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ev, err := decodeDelivery(d)
			if err != nil {
				slog.Warn("feed: drop undecodable event", "exchange", d.Exchange, "err", err)
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

func encodePublishing(ev Event) (amqp.Publishing, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.CommitTimestamp,
		Body:        payload,
	}, nil
}

func decodeDelivery(d amqp.Delivery) (Event, error) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Table == "" || ev.Type == "" {
		return Event{}, errors.New("decode event: missing table or event type")
	}
	return ev, nil
}
