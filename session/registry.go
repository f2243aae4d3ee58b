package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/broadcast"
	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/hermes"
	"github.com/onnwee/streamwatch/telemetry"
)

// Registry owns the collection of channel sessions. Structural changes happen
// under a short lock that is never held across network calls.
type Registry struct {
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session  // lowercase channel name
	byUserID map[string]*Session  // broadcaster id -> session, for pubsub routing
	inflight map[string]*initCall // channels mid-Init, joined by later callers
}

// initCall lets concurrent Init callers for the same channel share one
// initialization instead of racing to build duplicate sessions. s and err are
// set before done is closed.
type initCall struct {
	done chan struct{}
	s    *Session
	err  error
}

// NewRegistry builds an empty registry over deps.
func NewRegistry(deps Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		byUserID: make(map[string]*Session),
		inflight: make(map[string]*initCall),
	}
}

// Init creates and initializes a session for channel, or returns the existing
// one. The channel key is case-insensitive. A login Twitch does not know is
// reported as ErrChannelNotFound and nothing is registered. Concurrent calls
// for the same channel share a single initialization: only one session is
// ever built, so its chat handler and pubsub topic are never torn down by a
// discarded duplicate.
func (r *Registry) Init(ctx context.Context, channel string) (*Session, error) {
	key := strings.ToLower(strings.TrimSpace(channel))
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.s, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &initCall{done: make(chan struct{})}
	r.inflight[key] = c
	r.mu.Unlock()

	s := newSession(r.ctx, key, r.deps)
	err := s.init(ctx)

	r.mu.Lock()
	delete(r.inflight, key)
	if err != nil {
		r.mu.Unlock()
		s.runCancel()
		c.err = err
		close(c.done)
		return nil, err
	}
	r.sessions[key] = s
	if s.userID != "" {
		r.byUserID[s.userID] = s
	}
	n := len(r.sessions)
	r.mu.Unlock()
	c.s = s
	close(c.done)
	telemetry.SetSessions(n)
	slog.Info("channel session registered", slog.String("channel", key), slog.String("state", s.State().String()))
	return s, nil
}

// Get returns the session for channel, if registered.
func (r *Registry) Get(channel string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.ToLower(channel)]
	return s, ok
}

// Remove disposes and forgets a session. Unknown channels are a no-op.
func (r *Registry) Remove(channel string) {
	key := strings.ToLower(channel)
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		if s.userID != "" {
			delete(r.byUserID, s.userID)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	telemetry.SetSessions(n)
	s.dispose()
	slog.Info("channel session removed", slog.String("channel", key))
}

// List returns the registered channel names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ChannelStatus is one entry of the registry snapshot.
type ChannelStatus struct {
	Channel string         `json:"channel"`
	State   string         `json:"state"`
	Online  bool           `json:"online"`
	Title   string         `json:"title,omitempty"`
	Viewers int            `json:"viewers"`
	Stats   map[string]any `json:"stats,omitempty"`
}

// Snapshot reports every session's state and, when includeStats is set, its
// current statistics pull.
func (r *Registry) Snapshot(includeStats bool) []ChannelStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]ChannelStatus, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		st := ChannelStatus{
			Channel: s.name,
			State:   s.state.String(),
			Online:  s.info.Online,
			Title:   s.info.Title,
			Viewers: s.info.ViewerCount,
		}
		s.mu.Unlock()
		if includeStats {
			st.Stats = s.Results()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// HandleNotification routes a hermes notification to the owning session as a
// typed event. Notifications for unknown broadcasters are dropped.
func (r *Registry) HandleNotification(n hermes.Notification) {
	r.mu.Lock()
	s, ok := r.byUserID[n.ChannelID]
	r.mu.Unlock()
	if !ok {
		slog.Debug("notification for unknown broadcaster", slog.String("channel_id", n.ChannelID))
		return
	}
	switch n.Type {
	case hermes.NotifyViewers:
		s.Handle(events.ViewerCountSample{Channel: s.name, Viewers: n.Viewers, Time: n.At})
	case hermes.NotifyCommercial:
		s.Handle(events.CommercialStarted{Channel: s.name, Length: n.CommercialLength, Time: n.At})
	}
}

// HandleLostTopics surfaces a dead pubsub connection to observers of the
// affected channels. The pool creates a replacement client only when one of
// these channels is subscribed again.
func (r *Registry) HandleLostTopics(channelIDs []string) {
	for _, id := range channelIDs {
		r.mu.Lock()
		s, ok := r.byUserID[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		slog.Warn("pubsub connection dead for channel", slog.String("channel", s.name))
		s.deps.Sink.Broadcast(s.name, broadcast.EventConnectionDead, nil)
	}
}

// Run polls every registered session at interval, which drives
// offline->online transitions for channels that were offline at Init.
// Blocks until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("session poller started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			sessions := make([]*Session, 0, len(r.sessions))
			for _, s := range r.sessions {
				sessions = append(sessions, s)
			}
			r.mu.Unlock()
			for _, s := range sessions {
				if s.State() == StateOffline {
					_, _ = s.Info(ctx, false)
				}
			}
		}
	}
}

// Close disposes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.byUserID = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.dispose()
	}
	r.cancel()
	telemetry.SetSessions(0)
}
