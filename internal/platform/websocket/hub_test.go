package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func testClient(topics ...string) *Client {
	c := newClient(context.Background())
	c.Topics = topics
	return c
}

func newTestHub() *Hub {
	return NewHub(nil, zerolog.Nop())
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		return evt
	default:
		t.Fatal("expected a message")
	}
	return Event{}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("expected no message, got %s", msg)
	default:
	}
}

// -- Hub --

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("registry") != 1 {
		t.Fatalf("expected 1 client on registry, got %d", hub.TopicCount("registry"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("registry") != 0 {
		t.Fatalf("expected 0 clients on registry, got %d", hub.TopicCount("registry"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// A second unregister is a no-op rather than a double close.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	subscriber := testClient("identity/0xabc")
	other := testClient("identity/0xdef")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast("identity/0xabc", Event{Type: "claim.submitted", Topic: "identity/0xabc", Seq: 7})

	got := receive(t, subscriber)
	if got.Type != "claim.submitted" || got.Seq != 7 {
		t.Fatalf("unexpected event: %+v", got)
	}
	assertEmpty(t, other)
}

func TestHub_BroadcastAll(t *testing.T) {
	hub := newTestHub()
	a := testClient("registry")
	b := testClient()
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastAll(Event{Type: "shutdown"})

	receive(t, a)
	receive(t, b)
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()
	hub.Broadcast("nobody", Event{Type: "x"})
}

func TestHub_FilterDeniesTopics(t *testing.T) {
	allow := func(_ context.Context, topic string) bool { return topic == "registry" }
	hub := NewHub(allow, zerolog.Nop())
	client := testClient("registry", "identity/0xabc", " ")

	hub.Register(client)

	if len(client.Topics) != 1 || client.Topics[0] != "registry" {
		t.Fatalf("expected only registry to be granted, got %v", client.Topics)
	}
	granted := hub.Subscribe(client, []string{"identity/0xdef"})
	if len(granted) != 0 || hub.TopicCount("identity/0xdef") != 0 {
		t.Errorf("expected subscription to be denied, granted %v", granted)
	}
}

func TestHub_FilterSeesClientContext(t *testing.T) {
	type key struct{}
	allow := func(ctx context.Context, topic string) bool {
		owner, _ := ctx.Value(key{}).(string)
		return topic == "identity/"+owner
	}
	hub := NewHub(allow, zerolog.Nop())
	client := newClient(context.WithValue(context.Background(), key{}, "0xabc"))
	client.Topics = []string{"identity/0xabc", "identity/0xdef"}

	hub.Register(client)

	if hub.TopicCount("identity/0xabc") != 1 || hub.TopicCount("identity/0xdef") != 0 {
		t.Errorf("unexpected subscriptions: %v", client.Topics)
	}
}

func TestHub_SubscribeAddsTopicsOnce(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry")
	hub.Register(client)

	hub.Subscribe(client, []string{"identity/0xabc", "registry"})

	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount("identity/0xabc") != 1 {
		t.Error("expected subscription to identity/0xabc")
	}
}

func TestHub_SubscribeUnregisteredClient(t *testing.T) {
	hub := newTestHub()
	client := testClient()

	if granted := hub.Subscribe(client, []string{"registry"}); granted != nil {
		t.Errorf("expected nothing granted, got %v", granted)
	}
	if hub.TopicCount("registry") != 0 {
		t.Error("unregistered client must not be subscribed")
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry", "identity/0xabc")
	hub.Register(client)

	hub.Unsubscribe(client, []string{"registry"})

	if len(client.Topics) != 1 || client.Topics[0] != "identity/0xabc" {
		t.Errorf("unexpected topics: %v", client.Topics)
	}
	if hub.TopicCount("registry") != 0 {
		t.Error("expected registry topic to be removed")
	}
}

func TestHub_ProcessMessageRepliesWithGrantedTopics(t *testing.T) {
	allow := func(_ context.Context, topic string) bool { return topic != "secret" }
	hub := NewHub(allow, zerolog.Nop())
	client := testClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"registry", "secret"}})

	got := receive(t, client)
	var granted []string
	if err := json.Unmarshal(got.Data, &granted); err != nil {
		t.Fatalf("bad reply data: %v", err)
	}
	if got.Type != "subscribed" || len(granted) != 1 || granted[0] != "registry" {
		t.Errorf("unexpected reply: %+v (%v)", got, granted)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"registry"}})
	if hub.TopicCount("registry") != 0 {
		t.Error("expected unsubscribe to apply")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "dance"})
	assertEmpty(t, client)
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry")
	hub.Register(client)

	for i := 0; i < sendBuffer+3; i++ {
		hub.Broadcast("registry", Event{Type: "x", Seq: uint64(i)})
	}

	if hub.Dropped() != 3 {
		t.Errorf("expected 3 dropped deliveries, got %d", hub.Dropped())
	}
	if first := receive(t, client); first.Seq != 0 {
		t.Errorf("expected the oldest event to be kept, got seq %d", first.Seq)
	}
}

func TestHub_PublishBroadcastsToTopic(t *testing.T) {
	hub := newTestHub()
	client := testClient("registry")
	hub.Register(client)

	var pub EventPublisher = hub
	if err := pub.Publish(context.Background(), Event{Type: "record.submitted", Topic: "registry"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := receive(t, client); got.Type != "record.submitted" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestHub_ConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := testClient("registry")
			hub.Register(client)
			hub.Broadcast("registry", Event{Type: "x"})
			hub.Unregister(client)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after all unregistered, got %d", hub.ClientCount())
	}
}

// -- Event encoding --

func TestEvent_JSONSerialization(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	event := Event{
		Type:      "claim.validated",
		Topic:     "registry",
		Seq:       12,
		Timestamp: ts,
		Data:      json.RawMessage(`{"claim_id":3}`),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != event.Type || decoded.Seq != 12 || !decoded.Timestamp.Equal(ts) {
		t.Errorf("unexpected round trip: %+v", decoded)
	}
	if string(decoded.Data) != `{"claim_id":3}` {
		t.Errorf("unexpected data: %s", decoded.Data)
	}
}

// -- Handler --

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://dash.example/"}, "https://dash.example", true},
		{"unlisted", []string{"https://dash.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://dash.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.origins)(req); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	handler := NewWebSocketHandler(newTestHub(), nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewWebSocketHandler(newTestHub(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)

	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub, nil)

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=registry"

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("registry") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"identity/0xabc"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Event
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	if reply.Type != "subscribed" {
		t.Fatalf("expected subscribed reply, got %+v", reply)
	}

	hub.Broadcast("identity/0xabc", Event{Type: "claim.submitted", Topic: "identity/0xabc", Seq: 5})

	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "claim.submitted" || received.Seq != 5 {
		t.Fatalf("unexpected event: %+v", received)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
