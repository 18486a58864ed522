package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
	"deckhand/internal/metrics"
)

func newTestClient(hub *Hub, buffer int) *Client {
	return &Client{
		hub:         hub,
		send:        make(chan []byte, buffer),
		sessions:    make(map[string]bool),
		id:          "test-client",
		connectedAt: time.Now(),
	}
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func receive(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("client channel closed")
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to unmarshal %s: %v", data, err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return WSMessage{}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub.clients == nil {
		t.Error("clients map is nil")
	}
	if hub.sessions == nil {
		t.Error("sessions map is nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := runHub(t)
	client := newTestClient(hub, sendBuffer)

	hub.Register(client)
	time.Sleep(10 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount after register = %d, want 1", hub.ClientCount())
	}

	hub.Subscribe(client, "session-1")
	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount after unregister = %d, want 0", hub.ClientCount())
	}
	if hub.SubscriberCount("session-1") != 0 {
		t.Error("unregistered client still subscribed")
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel not closed on unregister")
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, sendBuffer)

	hub.Subscribe(client, "session-1")
	if !client.sessions["session-1"] || !hub.sessions["session-1"][client] {
		t.Fatal("subscription not recorded on both sides")
	}

	hub.Unsubscribe(client, "session-1")
	if client.sessions["session-1"] {
		t.Error("client.sessions still contains session-1")
	}
	if _, ok := hub.sessions["session-1"]; ok {
		t.Error("hub.sessions still contains session-1 (should be cleaned up)")
	}
}

func TestHubPublishTargetsSubscribers(t *testing.T) {
	hub := runHub(t)
	subscribed := newTestClient(hub, sendBuffer)
	other := newTestClient(hub, sendBuffer)
	hub.Register(subscribed)
	hub.Register(other)
	hub.Subscribe(subscribed, "s1")

	chunk := agent.ContentChunk("hello")
	hub.Publish("s1", coordinator.Event{Type: coordinator.EventChunk, SessionID: "s1", Chunk: &chunk, Time: time.Now()})
	hub.Publish("s1", coordinator.Event{Type: coordinator.EventDone, SessionID: "s1"})

	msg := receive(t, subscribed)
	if msg.Type != TypeChunk || msg.Chunk == nil || msg.Chunk.Content != "hello" {
		t.Errorf("first message = %+v, want chunk hello", msg)
	}
	if msg.Time == nil {
		t.Error("chunk message has no time")
	}
	if msg = receive(t, subscribed); msg.Type != TypeDone || msg.Session != "s1" {
		t.Errorf("second message = %+v, want done for s1", msg)
	}

	select {
	case data := <-other.send:
		t.Errorf("unsubscribed client received %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubPublishPreservesOrder(t *testing.T) {
	hub := runHub(t)
	client := newTestClient(hub, 1024)
	hub.Register(client)
	hub.Subscribe(client, "s1")

	for i := 0; i < 500; i++ {
		c := agent.ContentChunk(string(rune('a' + i%26)))
		hub.Publish("s1", coordinator.Event{Type: coordinator.EventChunk, SessionID: "s1", Chunk: &c})
	}
	for i := 0; i < 500; i++ {
		msg := receive(t, client)
		if want := string(rune('a' + i%26)); msg.Chunk.Content != want {
			t.Fatalf("message %d = %q, want %q", i, msg.Chunk.Content, want)
		}
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	hub := runHub(t)
	slow := newTestClient(hub, 1)
	hub.Register(slow)
	hub.Subscribe(slow, "s1")

	before := testutil.ToFloat64(metrics.SinkDrops)
	for i := 0; i < 3; i++ {
		hub.Publish("s1", coordinator.Event{Type: coordinator.EventDone, SessionID: "s1"})
	}

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(metrics.SinkDrops)-before < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("drops = %v, want 2", testutil.ToFloat64(metrics.SinkDrops)-before)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubErrorEvent(t *testing.T) {
	msg := FromEvent("s1", coordinator.Event{Type: coordinator.EventError, SessionID: "s1", Error: "boom"})
	if msg.Type != TypeError || msg.Code != CodeRunFailed || msg.Message != "boom" {
		t.Errorf("FromEvent(error) = %+v", msg)
	}
}

func TestHubNotifyReload(t *testing.T) {
	hub := runHub(t)
	client := newTestClient(hub, sendBuffer)
	hub.Register(client)

	hub.NotifyReload("/etc/deckhand/config.yaml")

	msg := receive(t, client)
	if msg.Type != TypeReload || msg.Path != "/etc/deckhand/config.yaml" {
		t.Errorf("reload message = %+v", msg)
	}
}

func TestHubStopClosesClientsAndUnblocks(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := newTestClient(hub, sendBuffer)
	hub.Register(client)
	cancel()
	<-hub.done

	if _, ok := <-client.send; ok {
		t.Error("client channel still open after hub stopped")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			hub.Broadcast("s1", []byte("{}"))
		}
		hub.Unregister(client)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub calls blocked after stop")
	}
}
