// Package testutil holds shared test doubles: a mock Helix API server and a
// scriptable hermes pub/sub server.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockHelixServer mocks the Helix endpoints the service queries.
type MockHelixServer struct {
	*httptest.Server

	mu      sync.Mutex
	users   map[string]string         // login -> user id
	streams map[string]map[string]any // login -> stream record
	calls   map[string]int            // path -> request count
}

// NewMockHelixServer starts an empty mock. Point HelixClient.BaseURL at
// m.URL and use a StaticToken.
func NewMockHelixServer(t *testing.T) *MockHelixServer {
	t.Helper()
	m := &MockHelixServer{
		users:   make(map[string]string),
		streams: make(map[string]map[string]any),
		calls:   make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// SetUser registers a login the /users endpoint resolves.
func (m *MockHelixServer) SetUser(login, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(login)] = userID
}

// SetStream marks a login live with the given title and viewer count.
func (m *MockHelixServer) SetStream(login, title string, viewers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[strings.ToLower(login)] = map[string]any{
		"user_login":   strings.ToLower(login),
		"title":        title,
		"game_name":    "Just Chatting",
		"viewer_count": viewers,
		"started_at":   time.Now().UTC().Format(time.RFC3339),
	}
}

// SetOffline removes a login from the /streams response.
func (m *MockHelixServer) SetOffline(login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, strings.ToLower(login))
}

// Calls reports how many requests hit path.
func (m *MockHelixServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *MockHelixServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.calls[r.URL.Path]++
	m.mu.Unlock()

	switch r.URL.Path {
	case "/users":
		m.mu.Lock()
		defer m.mu.Unlock()
		data := []map[string]string{}
		for _, login := range r.URL.Query()["login"] {
			if id, ok := m.users[strings.ToLower(login)]; ok {
				data = append(data, map[string]string{"id": id, "login": strings.ToLower(login)})
			}
		}
		writeJSON(w, map[string]any{"data": data})
	case "/streams":
		m.mu.Lock()
		defer m.mu.Unlock()
		data := []map[string]any{}
		for _, login := range r.URL.Query()["user_login"] {
			if rec, ok := m.streams[strings.ToLower(login)]; ok {
				data = append(data, rec)
			}
		}
		writeJSON(w, map[string]any{"data": data})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockHermesServer is a scriptable pub/sub endpoint. It accepts websocket
// upgrades, sends a welcome frame, acks subscribe requests, and lets tests
// push notifications or force closes.
type MockHermesServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	subIDs map[string]string // channel id -> subscription id
	nextID int
}

// NewMockHermesServer starts the server. Use m.WSURL() as the pool URL.
func NewMockHermesServer(t *testing.T) *MockHermesServer {
	t.Helper()
	m := &MockHermesServer{subIDs: make(map[string]string)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// WSURL is the ws:// form of the server URL.
func (m *MockHermesServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

func (m *MockHermesServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	_ = conn.WriteJSON(map[string]any{
		"type": "welcome",
		"welcome": map[string]any{
			"session_id":    fmt.Sprintf("sess-%p", conn),
			"keepalive_sec": 60,
		},
	})

	go m.serveConn(conn)
}

func (m *MockHermesServer) serveConn(conn *websocket.Conn) {
	for {
		var req struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
			ChannelID string `json:"channel_id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "subscribe" {
			continue
		}
		m.mu.Lock()
		m.nextID++
		subID := fmt.Sprintf("sub-%d", m.nextID)
		m.mu.Unlock()
		_ = conn.WriteJSON(map[string]any{
			"type": "response",
			"response": map[string]any{
				"request_id":      req.RequestID,
				"subscription_id": subID,
			},
		})
		// Recorded after the ack write so SubscriptionID doubles as an
		// ordering guard for tests pushing follow-up frames.
		m.mu.Lock()
		m.subIDs[req.ChannelID] = subID
		m.mu.Unlock()
	}
}

// SubscriptionID reports the id assigned to a channel's subscription, waiting
// up to a second for the ack to have been processed.
func (m *MockHermesServer) SubscriptionID(channelID string) (string, bool) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		id, ok := m.subIDs[channelID]
		m.mu.Unlock()
		if ok {
			return id, true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", false
}

// PushViewers sends a viewcount notification for channelID on every open
// connection that acked its subscription.
func (m *MockHermesServer) PushViewers(channelID string, viewers int) error {
	subID, ok := m.SubscriptionID(channelID)
	if !ok {
		return fmt.Errorf("no subscription for channel %s", channelID)
	}
	payload, _ := json.Marshal(map[string]int{"viewers": viewers})
	return m.broadcast(map[string]any{
		"type": "notification",
		"notification": map[string]any{
			"subscription_id": subID,
			"type":            "viewcount",
			"payload":         json.RawMessage(payload),
		},
	})
}

// PushRaw sends an arbitrary text frame on every open connection.
func (m *MockHermesServer) PushRaw(raw string) error {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockHermesServer) broadcast(v any) error {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.conns...)
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteJSON(v); err != nil {
			return err
		}
	}
	return nil
}

// CloseWithRecovery closes every connection with a close frame whose reason
// carries a recovery URL.
func (m *MockHermesServer) CloseWithRecovery(recoveryURL string) {
	reason, _ := json.Marshal(map[string]string{"recovery_url": recoveryURL})
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, string(reason)),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// ConnCount reports open connections seen so far.
func (m *MockHermesServer) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
