// Package broadcast is the seam to the real-time push transport. The core
// hands notifications to a Sink and never knows how many subscribers exist.
package broadcast

import "log/slog"

// Notification names pushed through a Sink.
const (
	EventChannelOnline  = "channel.online"
	EventChannelOffline = "channel.offline"
	EventStatsSnapshot  = "channel.stats"
	EventConnectionDead = "channel.connection_dead"
)

// Sink delivers a payload to every subscriber of a channel group.
type Sink interface {
	Broadcast(channel, event string, payload any)
}

// LogSink is the default sink: it logs notifications instead of pushing them,
// useful when no transport is wired.
type LogSink struct{}

func (LogSink) Broadcast(channel, event string, payload any) {
	slog.Debug("broadcast", slog.String("channel", channel), slog.String("event", event))
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(channel, event string, payload any)

func (f SinkFunc) Broadcast(channel, event string, payload any) { f(channel, event, payload) }
