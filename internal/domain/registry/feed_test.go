package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/medclaim/medclaim/internal/platform/auth"
	"github.com/medclaim/medclaim/internal/platform/websocket"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) topicsOf(kind EventKind) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Type == string(kind) {
			out = append(out, e.Topic)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func runFeed(t *testing.T) (*Registry, RecordID, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	feed := NewFeed(pub, zerolog.Nop())
	r, rid := seeded(t, WithNotifier(feed))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go feed.Run(ctx, r.Queries())
	return r, rid, pub
}

func waitForCount(t *testing.T, pub *recordingPublisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d published events, have %d", n, pub.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sameTopics(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func TestFeed_RoutesEventsToParties(t *testing.T) {
	r, rid, pub := runFeed(t)
	ctx := context.Background()

	// hospital.added + insurer.added + record.submitted: 3 + 3 + 3 topics.
	waitForCount(t, pub, 9)
	if got := pub.topicsOf(EventRecordSubmitted); !sameTopics(got, TopicAll, IdentityTopic(hospital), IdentityTopic(patient)) {
		t.Errorf("record topics: %v", got)
	}

	if _, err := r.SubmitClaim(ctx, patient, rid, insurer); err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	waitForCount(t, pub, 13)
	if got := pub.topicsOf(EventClaimSubmitted); !sameTopics(got, TopicAll, IdentityTopic(patient), IdentityTopic(insurer), IdentityTopic(hospital)) {
		t.Errorf("claim topics: %v", got)
	}

	if err := r.ValidateClaim(ctx, insurer, 1, true); err != nil {
		t.Fatalf("ValidateClaim: %v", err)
	}
	waitForCount(t, pub, 16)
	if got := pub.topicsOf(EventClaimValidated); !sameTopics(got, TopicAll, IdentityTopic(insurer), IdentityTopic(patient)) {
		t.Errorf("validation topics: %v", got)
	}
}

func TestFeed_EventPayload(t *testing.T) {
	_, _, pub := runFeed(t)
	waitForCount(t, pub, 9)

	pub.mu.Lock()
	first := pub.events[0]
	pub.mu.Unlock()

	var evt Event
	if err := json.Unmarshal(first.Data, &evt); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if first.Type != string(EventHospitalAdded) || evt.Seq != first.Seq || evt.Subject != hospital {
		t.Errorf("unexpected payload %+v for %+v", evt, first)
	}
	if first.Seq != 1 {
		t.Errorf("expected seq 1, got %d", first.Seq)
	}
}

func TestFeed_NotifyNeverBlocks(t *testing.T) {
	feed := NewFeed(&recordingPublisher{}, zerolog.Nop())
	for i := 0; i < feedBuffer+5; i++ {
		feed.Notify(Event{Seq: uint64(i)})
	}
	if feed.Dropped() != 5 {
		t.Errorf("expected 5 dropped events, got %d", feed.Dropped())
	}
}

func TestTopicFilter(t *testing.T) {
	r := newTestRegistry(t)
	allow := TopicFilter(r.Queries())
	as := func(a common.Address) context.Context {
		return auth.WithCaller(context.Background(), a, nil)
	}

	tests := []struct {
		name  string
		ctx   context.Context
		topic string
		want  bool
	}{
		{"anonymous", context.Background(), TopicAll, false},
		{"all for caller", as(patient), TopicAll, true},
		{"own identity", as(patient), IdentityTopic(patient), true},
		{"own identity mixed case", as(patient), TopicIdentityPrefix + patient.Hex(), true},
		{"other identity", as(patient), IdentityTopic(insurer), false},
		{"admin any identity", as(admin), IdentityTopic(insurer), true},
		{"admin malformed identity", as(admin), TopicIdentityPrefix + "nope", false},
		{"unknown topic", as(admin), "metrics", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allow(tt.ctx, tt.topic); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
