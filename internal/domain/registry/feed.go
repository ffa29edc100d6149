package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/medclaim/medclaim/internal/platform/auth"
	"github.com/medclaim/medclaim/internal/platform/websocket"
)

// Feed topics. Every event goes to TopicAll; each party it concerns also
// receives it on its identity topic.
const (
	TopicAll            = "registry"
	TopicIdentityPrefix = "identity/"
)

// IdentityTopic names the topic carrying events that concern a.
func IdentityTopic(a common.Address) string {
	return TopicIdentityPrefix + strings.ToLower(a.Hex())
}

const feedBuffer = 1024

// Feed forwards committed events to a websocket publisher. Notify only
// enqueues; Run does the fan-out outside the registry lock.
type Feed struct {
	pub     websocket.EventPublisher
	events  chan Event
	logger  zerolog.Logger
	dropped atomic.Uint64
}

func NewFeed(pub websocket.EventPublisher, logger zerolog.Logger) *Feed {
	return &Feed{
		pub:    pub,
		events: make(chan Event, feedBuffer),
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// Notify implements Notifier.
func (f *Feed) Notify(evt Event) {
	select {
	case f.events <- evt:
	default:
		f.dropped.Add(1)
		f.logger.Warn().Uint64("seq", evt.Seq).Msg("feed queue full, event not pushed")
	}
}

// Dropped returns how many events never reached the publisher.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Run publishes queued events until ctx is done. q resolves the parties of
// claim events.
func (f *Feed) Run(ctx context.Context, q *QueryFacade) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-f.events:
			f.publish(ctx, q, evt)
		}
	}
}

func (f *Feed) publish(ctx context.Context, q *QueryFacade, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		f.logger.Error().Err(err).Uint64("seq", evt.Seq).Msg("failed to encode event")
		return
	}
	for _, topic := range topicsFor(q, evt) {
		out := websocket.Event{
			Type:      string(evt.Kind),
			Topic:     topic,
			Seq:       evt.Seq,
			Timestamp: evt.Time,
			Data:      data,
		}
		if err := f.pub.Publish(ctx, out); err != nil {
			f.logger.Error().Err(err).Uint64("seq", evt.Seq).Str("topic", topic).Msg("publish failed")
		}
	}
}

// topicsFor lists TopicAll plus the identity topic of every party evt
// concerns, each once.
func topicsFor(q *QueryFacade, evt Event) []string {
	parties := []common.Address{evt.Caller, evt.Subject}
	switch evt.Kind {
	case EventClaimValidated:
		if cl, err := q.GetClaim(evt.ClaimID); err == nil {
			parties = append(parties, cl.Patient)
		}
	case EventClaimSubmitted:
		if rec, err := q.GetRecord(evt.RecordID); err == nil {
			parties = append(parties, rec.Hospital)
		}
	}

	topics := []string{TopicAll}
	seen := make(map[common.Address]bool, len(parties))
	for _, p := range parties {
		if p == (common.Address{}) || seen[p] {
			continue
		}
		seen[p] = true
		topics = append(topics, IdentityTopic(p))
	}
	return topics
}

// TopicFilter lets authenticated callers follow TopicAll and their own
// identity topic. The administrator may follow any identity.
func TopicFilter(q *QueryFacade) websocket.TopicFilter {
	return func(ctx context.Context, topic string) bool {
		caller, ok := auth.CallerFromContext(ctx)
		if !ok {
			return false
		}
		if topic == TopicAll {
			return true
		}
		if !strings.HasPrefix(topic, TopicIdentityPrefix) {
			return false
		}
		if caller == q.Admin() {
			return common.IsHexAddress(strings.TrimPrefix(topic, TopicIdentityPrefix))
		}
		return strings.EqualFold(topic, IdentityTopic(caller))
	}
}
