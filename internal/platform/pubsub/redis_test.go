package pubsub

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medclaim/medclaim/internal/platform/db"
)

type capture struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (c *capture) publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
	c.payloads = append(c.payloads, payload)
	return c.err
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func fakePublisher(c *capture) *Publisher {
	p := NewPublisher(nil, DefaultChannel, "node-a", zerolog.Nop())
	p.publish = c.publish
	p.enabled = true
	return p
}

func TestPublisher_PublishesStampedMessages(t *testing.T) {
	c := &capture{}
	p := fakePublisher(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(Message{Seq: 4, Kind: "claim.submitted", Hash: "0x01"})

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message was never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[0] != DefaultChannel {
		t.Errorf("unexpected channel %q", c.channels[0])
	}
	msg, err := decode(c.payloads[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Instance != "node-a" || msg.Seq != 4 || msg.Kind != "claim.submitted" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestPublisher_PublishErrorKeepsRunning(t *testing.T) {
	c := &capture{err: errors.New("connection reset")}
	p := fakePublisher(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(Message{Seq: 1})
	p.Enqueue(Message{Seq: 2})

	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected both attempts, got %d", c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	p := fakePublisher(&capture{})
	for i := 0; i < queueSize+2; i++ {
		p.Enqueue(Message{Seq: uint64(i)})
	}
	if p.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", p.Dropped())
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := NewPublisher(nil, DefaultChannel, "node-a", zerolog.Nop())
	p.Enqueue(Message{Seq: 1})
	if len(p.queue) != 0 {
		t.Error("disabled publisher must not queue")
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run on a disabled publisher should return immediately")
	}
}

func TestSubscriber_DisabledRunReturns(t *testing.T) {
	s := NewSubscriber(nil, DefaultChannel, "node-a", zerolog.Nop())
	if err := s.Run(context.Background(), nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSubscriber_Dispatch(t *testing.T) {
	s := NewSubscriber(nil, DefaultChannel, "node-a", zerolog.Nop())
	var got []Message
	handle := func(_ context.Context, m Message) error {
		got = append(got, m)
		return nil
	}

	own, _ := Message{Instance: "node-a", Seq: 1}.encode()
	other, _ := Message{Instance: "node-b", Seq: 2}.encode()
	ctx := context.Background()

	s.dispatch(ctx, own, handle)
	s.dispatch(ctx, []byte("{not json"), handle)
	s.dispatch(ctx, other, handle)

	if len(got) != 1 || got[0].Seq != 2 || got[0].Instance != "node-b" {
		t.Errorf("expected only node-b's message, got %+v", got)
	}
}

func TestSubscriber_HandlerErrorIsContained(t *testing.T) {
	s := NewSubscriber(nil, DefaultChannel, "node-a", zerolog.Nop())
	payload, _ := Message{Instance: "node-b", Seq: 9}.encode()
	calls := 0
	s.dispatch(context.Background(), payload, func(context.Context, Message) error {
		calls++
		return errors.New("sync failed")
	})
	if calls != 1 {
		t.Errorf("expected one call, got %d", calls)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("MEDCLAIM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MEDCLAIM_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := db.NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	channel := DefaultChannel + ":test:" + time.Now().Format("150405.000000")
	received := make(chan Message, 1)
	sub := NewSubscriber(client, channel, "node-b", zerolog.Nop())
	go func() {
		_ = sub.Run(ctx, func(_ context.Context, m Message) error {
			received <- m
			return nil
		})
	}()
	time.Sleep(200 * time.Millisecond)

	pub := NewPublisher(client, channel, "node-a", zerolog.Nop())
	go pub.Run(ctx)
	pub.Enqueue(Message{Seq: 3, Kind: "record.submitted"})

	select {
	case m := <-received:
		if m.Seq != 3 || m.Instance != "node-a" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
