// Package hermes maintains a pool of persistent pub/sub socket connections,
// each multiplexing many channel subscriptions. Clients reconnect with
// exponential backoff and prefer a server-provided recovery URL; topic-count
// load balancing spreads channels across the pool.
package hermes

import (
	"encoding/json"
	"time"
)

// Frame types seen on a hermes socket.
const (
	frameWelcome      = "welcome"
	frameResponse     = "response"
	frameNotification = "notification"
)

// Notification payload types the pool cares about.
const (
	NotifyViewers    = "viewcount"
	NotifyCommercial = "commercial"
)

// frame is the wire envelope. Exactly one of the payload fields is set,
// keyed by Type.
type frame struct {
	Type         string             `json:"type"`
	Welcome      *welcomeFrame      `json:"welcome,omitempty"`
	Response     *responseFrame     `json:"response,omitempty"`
	Notification *notificationFrame `json:"notification,omitempty"`
}

type welcomeFrame struct {
	SessionID    string `json:"session_id"`
	KeepaliveSec int    `json:"keepalive_sec"`
}

// responseFrame acknowledges a subscribe request, echoing its request id and
// carrying the server-assigned subscription id.
type responseFrame struct {
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error,omitempty"`
}

type notificationFrame struct {
	SubscriptionID string          `json:"subscription_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

type viewersPayload struct {
	Viewers int `json:"viewers"`
}

type commercialPayload struct {
	LengthSec int `json:"length_sec"`
}

// subscribeRequest is the outbound subscribe frame.
type subscribeRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
}

// closeReason is the JSON body servers place in the close frame when they
// want the client to reconnect elsewhere.
type closeReason struct {
	RecoveryURL string `json:"recovery_url"`
}

// Notification is a typed event re-emitted toward the owning channel session.
type Notification struct {
	ChannelID        string
	Type             string
	Viewers          int
	CommercialLength time.Duration
	At               time.Time
}

// EmitFunc receives notifications decoded from any pool client.
type EmitFunc func(Notification)
