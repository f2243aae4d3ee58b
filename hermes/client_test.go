package hermes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testClient(t *testing.T, emit EmitFunc) *Client {
	t.Helper()
	if emit == nil {
		emit = func(Notification) {}
	}
	c := newClient(context.Background(), "ws://unused", emit, nil, 1)
	t.Cleanup(c.cancel)
	return c
}

func TestWelcomeSetsKeepalive(t *testing.T) {
	c := testClient(t, nil)
	c.handleFrame(&frame{Type: frameWelcome, Welcome: &welcomeFrame{SessionID: "s1", KeepaliveSec: 30}})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepalive != 30*time.Second {
		t.Errorf("keepalive = %v, want 30s", c.keepalive)
	}
}

func TestResponseCorrelatesSubscription(t *testing.T) {
	c := testClient(t, nil)
	c.mu.Lock()
	c.channels["chan-1"] = ""
	c.pending["req-1"] = "chan-1"
	c.mu.Unlock()

	c.handleFrame(&frame{Type: frameResponse, Response: &responseFrame{RequestID: "req-1", SubscriptionID: "sub-9"}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs["sub-9"] != "chan-1" {
		t.Errorf("subs[sub-9] = %q, want chan-1", c.subs["sub-9"])
	}
	if c.channels["chan-1"] != "sub-9" {
		t.Errorf("channels[chan-1] = %q, want sub-9", c.channels["chan-1"])
	}
	if len(c.pending) != 0 {
		t.Errorf("pending not cleared: %v", c.pending)
	}
}

func TestResponseAfterUnsubscribeIgnored(t *testing.T) {
	c := testClient(t, nil)
	c.mu.Lock()
	c.pending["req-1"] = "chan-1" // channel no longer in c.channels
	c.mu.Unlock()

	c.handleFrame(&frame{Type: frameResponse, Response: &responseFrame{RequestID: "req-1", SubscriptionID: "sub-9"}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs["sub-9"]; ok {
		t.Errorf("stale ack correlated a released channel")
	}
}

func TestNotificationEmitsTyped(t *testing.T) {
	var got []Notification
	c := testClient(t, func(n Notification) { got = append(got, n) })
	c.mu.Lock()
	c.subs["sub-1"] = "chan-1"
	c.mu.Unlock()

	viewers, _ := json.Marshal(viewersPayload{Viewers: 4321})
	c.handleFrame(&frame{Type: frameNotification, Notification: &notificationFrame{
		SubscriptionID: "sub-1", Type: NotifyViewers, Payload: viewers,
	}})
	commercial, _ := json.Marshal(commercialPayload{LengthSec: 90})
	c.handleFrame(&frame{Type: frameNotification, Notification: &notificationFrame{
		SubscriptionID: "sub-1", Type: NotifyCommercial, Payload: commercial,
	}})

	if len(got) != 2 {
		t.Fatalf("emitted %d notifications, want 2", len(got))
	}
	if got[0].ChannelID != "chan-1" || got[0].Type != NotifyViewers || got[0].Viewers != 4321 {
		t.Errorf("viewers notification = %+v", got[0])
	}
	if got[1].Type != NotifyCommercial || got[1].CommercialLength != 90*time.Second {
		t.Errorf("commercial notification = %+v", got[1])
	}
}

func TestNotificationUnknownSubscriptionDropped(t *testing.T) {
	emitted := 0
	c := testClient(t, func(Notification) { emitted++ })
	payload, _ := json.Marshal(viewersPayload{Viewers: 1})
	c.handleFrame(&frame{Type: frameNotification, Notification: &notificationFrame{
		SubscriptionID: "nobody", Type: NotifyViewers, Payload: payload,
	}})
	if emitted != 0 {
		t.Errorf("notification for unknown subscription was emitted")
	}
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	c := testClient(t, nil)
	// Must not panic or alter state.
	c.handleFrame(&frame{Type: "mystery"})
}

func TestNoteCloseRecoveryURL(t *testing.T) {
	c := testClient(t, nil)
	reason, _ := json.Marshal(closeReason{RecoveryURL: "wss://recover.example/ws"})
	c.noteClose(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: string(reason)})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recoveryURL != "wss://recover.example/ws" {
		t.Errorf("recoveryURL = %q, want the offered URL", c.recoveryURL)
	}
}

func TestNoteCloseIgnoresPlainText(t *testing.T) {
	c := testClient(t, nil)
	c.noteClose(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recoveryURL != "" {
		t.Errorf("recoveryURL = %q from a non-JSON close reason", c.recoveryURL)
	}
}

func TestUnsubscribeClearsCorrelations(t *testing.T) {
	c := testClient(t, nil)
	c.mu.Lock()
	c.channels["chan-1"] = "sub-1"
	c.subs["sub-1"] = "chan-1"
	c.pending["req-x"] = "chan-1"
	c.mu.Unlock()

	c.Unsubscribe("chan-1")

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) != 0 || len(c.subs) != 0 || len(c.pending) != 0 {
		t.Errorf("correlations remain after unsubscribe: channels=%v subs=%v pending=%v", c.channels, c.subs, c.pending)
	}
}

func TestSubscribeOnDeadClient(t *testing.T) {
	c := testClient(t, nil)
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	if err := c.Subscribe("chan-1"); err != ErrClientDead {
		t.Errorf("Subscribe on dead client = %v, want ErrClientDead", err)
	}
}
