// Package pubsub fans ledger commits out to other server instances over a
// Redis channel, so instances sharing a Postgres ledger can catch up without
// polling.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis channel commit messages are published on.
const DefaultChannel = "medclaim:ledger"

const queueSize = 1024

// Message announces that an instance committed a ledger event.
type Message struct {
	Instance string    `json:"instance"`
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	Hash     string    `json:"hash"`
	At       time.Time `json:"at"`
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode ledger message: %w", err)
	}
	return m, nil
}

type publishFunc func(ctx context.Context, channel string, payload []byte) error

// Publisher queues commit messages and publishes them from Run. Enqueue never
// blocks. A Publisher built with a nil client is disabled and drops
// everything.
type Publisher struct {
	publish  publishFunc
	channel  string
	instance string
	queue    chan Message
	logger   zerolog.Logger
	enabled  bool
	dropped  atomic.Uint64
}

func NewPublisher(client *redis.Client, channel, instance string, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		channel:  channel,
		instance: instance,
		queue:    make(chan Message, queueSize),
		logger:   logger.With().Str("component", "pubsub").Logger(),
		enabled:  client != nil,
	}
	if client != nil {
		p.publish = func(ctx context.Context, channel string, payload []byte) error {
			return client.Publish(ctx, channel, payload).Err()
		}
	}
	return p
}

// Enqueue stamps msg with this instance and queues it for publishing.
func (p *Publisher) Enqueue(msg Message) {
	if !p.enabled {
		return
	}
	msg.Instance = p.instance
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Uint64("seq", msg.Seq).Msg("publish queue full, message dropped")
	}
}

// Dropped returns how many messages never left the queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes queued messages until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	if !p.enabled {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			payload, err := msg.encode()
			if err != nil {
				p.logger.Error().Err(err).Uint64("seq", msg.Seq).Msg("failed to encode message")
				continue
			}
			if err := p.publish(ctx, p.channel, payload); err != nil {
				p.logger.Error().Err(err).Uint64("seq", msg.Seq).Msg("redis publish failed")
			}
		}
	}
}

// Handler reacts to a commit made by another instance.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers commit messages from other instances to a Handler.
type Subscriber struct {
	client   *redis.Client
	channel  string
	instance string
	logger   zerolog.Logger
}

func NewSubscriber(client *redis.Client, channel, instance string, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:   client,
		channel:  channel,
		instance: instance,
		logger:   logger.With().Str("component", "pubsub").Logger(),
	}
}

// Run subscribes and dispatches messages until ctx is done. It returns nil
// immediately when the subscriber has no client.
func (s *Subscriber) Run(ctx context.Context, handle Handler) error {
	if s.client == nil {
		return nil
	}
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info().Str("channel", s.channel).Msg("subscribed to ledger channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(ctx, []byte(m.Payload), handle)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, payload []byte, handle Handler) {
	msg, err := decode(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring malformed ledger message")
		return
	}
	if msg.Instance == s.instance {
		return
	}
	if err := handle(ctx, msg); err != nil {
		s.logger.Error().Err(err).Uint64("seq", msg.Seq).Str("from", msg.Instance).Msg("ledger message handler failed")
	}
}
