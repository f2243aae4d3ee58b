// Package session owns the per-channel lifecycle: cached live-info with
// single-flight refresh through the batcher, the statistics registry fed by
// connector callbacks, and the periodic snapshot/refresh jobs that run while a
// channel is online.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/batch"
	"github.com/onnwee/streamwatch/broadcast"
	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/stats"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
	"github.com/onnwee/streamwatch/wordwatch"
)

// ErrChannelNotFound reports a login Twitch does not know.
var ErrChannelNotFound = errors.New("session: channel not found")

// ErrDisposed reports an operation on a removed session.
var ErrDisposed = errors.New("session: disposed")

// State is the session lifecycle phase.
type State int32

const (
	StateInitializing State = iota
	StateOnline
	StateOffline
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ChatConnector is the shared chat connection seam. Join registers the
// delivery callback for a channel; events for that channel arrive in order on
// the connector's reader goroutine.
type ChatConnector interface {
	Join(channel string, deliver func(events.Event))
	Depart(channel string)
}

// TopicSubscriber is the hermes pool seam, keyed by broadcaster user id.
type TopicSubscriber interface {
	Subscribe(channelID string) error
	Unsubscribe(channelID string)
}

// SnapshotWriter persists one statistics capture.
type SnapshotWriter interface {
	InsertSnapshot(ctx context.Context, channel string, peakViewers int, averageViewers float64, messageCount int64, statistics map[string]any, capturedAt time.Time) error
}

// Config carries the session timing knobs, immutable at process start.
type Config struct {
	OnlineTTL           time.Duration // live-info cache TTL while online (default 10s)
	OfflineTTL          time.Duration // live-info cache TTL while offline (default 25s)
	FetchTimeout        time.Duration // per-fetch self-cancel bound (default 8s)
	RefreshInterval     time.Duration // online auxiliary refresh cadence (default 15s)
	SnapshotInterval    time.Duration // stats persist cadence while online (default 5m)
	BotSnapshotInterval time.Duration // bot ranking capture cadence (default 10m)
}

func (c Config) withDefaults() Config {
	if c.OnlineTTL <= 0 {
		c.OnlineTTL = 10 * time.Second
	}
	if c.OfflineTTL <= 0 {
		c.OfflineTTL = 25 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 8 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.BotSnapshotInterval <= 0 {
		c.BotSnapshotInterval = 10 * time.Minute
	}
	return c
}

// Deps are the collaborators a session needs. Chat, Pubsub, Snapshots, and
// Sink may be nil; the corresponding side effects are skipped.
type Deps struct {
	Helix     *twitchapi.HelixClient
	Batcher   *batch.Batcher
	Chat      ChatConnector
	Pubsub    TopicSubscriber
	Snapshots SnapshotWriter
	Sink      broadcast.Sink
	Cfg       Config
}

// Session is one observed channel. Connector callbacks for the channel feed
// its statistics registry; live-info reads go through the cache.
type Session struct {
	name   string // lowercase key
	userID string
	deps   Deps

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	state       State
	display     string
	info        twitchapi.StreamInfo
	lastFetch   time.Time
	fetchCancel context.CancelFunc // non-nil while a fetch is in flight
	fetchGen    uint64
	onlineStop  context.CancelFunc // cancels the online-period tickers

	words *wordwatch.Matcher
	stats *stats.Set
}

func newSession(parent context.Context, name string, deps Deps) *Session {
	deps.Cfg = deps.Cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = broadcast.LogSink{}
	}
	ctx, cancel := context.WithCancel(parent)
	words := wordwatch.New()
	return &Session{
		name:      strings.ToLower(name),
		deps:      deps,
		runCtx:    ctx,
		runCancel: cancel,
		state:     StateInitializing,
		words:     words,
		stats:     stats.NewDefaultSet(words),
	}
}

// Name is the lowercase channel key.
func (s *Session) Name() string { return s.name }

// UserID is the broadcaster id resolved at Init.
func (s *Session) UserID() string { return s.userID }

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats exposes the session's accumulator set.
func (s *Session) Stats() *stats.Set { return s.stats }

// Words exposes the channel's observed-word matcher.
func (s *Session) Words() *wordwatch.Matcher { return s.words }

// init resolves the broadcaster and settles the initial state. Not found is
// returned as ErrChannelNotFound; a live channel transitions to Online.
func (s *Session) init(ctx context.Context) error {
	user, err := s.deps.Helix.GetUser(ctx, s.name)
	if errors.Is(err, twitchapi.ErrNotFound) {
		return ErrChannelNotFound
	}
	if err != nil {
		return err
	}
	s.userID = user.ID
	s.mu.Lock()
	s.display = user.DisplayName
	s.mu.Unlock()

	if s.deps.Pubsub != nil {
		if err := s.deps.Pubsub.Subscribe(s.userID); err != nil {
			slog.Warn("pubsub subscribe failed", slog.String("channel", s.name), slog.Any("err", err))
		}
	}

	info, err := s.fetchInfo(ctx)
	if err != nil {
		// Start offline; the periodic poll will pick the channel up later.
		slog.Warn("initial live-info fetch failed", slog.String("channel", s.name), slog.Any("err", err))
		s.mu.Lock()
		s.state = StateOffline
		s.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	s.info = info
	s.lastFetch = time.Now()
	s.mu.Unlock()
	if info.Online {
		s.goOnline(info)
	} else {
		s.mu.Lock()
		s.state = StateOffline
		s.mu.Unlock()
	}
	return nil
}

// Info returns the cached live-info, refreshing it through the batcher when
// stale. Non-forced callers arriving while a fetch is in flight get the
// current cache rather than joining the fetch; a forced refresh cancels and
// replaces any in-flight fetch. Fetch failures fall back to the last good
// cache and are logged, never returned.
func (s *Session) Info(ctx context.Context, force bool) (twitchapi.StreamInfo, error) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return twitchapi.StreamInfo{}, ErrDisposed
	}
	ttl := s.deps.Cfg.OfflineTTL
	if s.info.Online {
		ttl = s.deps.Cfg.OnlineTTL
	}
	fresh := time.Since(s.lastFetch) < ttl
	inFlight := s.fetchCancel != nil
	if !force && (fresh || inFlight) {
		info := s.info
		s.mu.Unlock()
		return info, nil
	}
	if force && inFlight {
		s.fetchCancel()
	}
	fctx, cancel := context.WithTimeout(s.runCtx, s.deps.Cfg.FetchTimeout)
	s.fetchGen++
	gen := s.fetchGen
	s.fetchCancel = cancel
	s.mu.Unlock()

	info, err := s.fetchInfoCtx(fctx)
	cancel()

	s.mu.Lock()
	if s.fetchGen == gen {
		s.fetchCancel = nil
	}
	if err != nil {
		cached := s.info
		s.mu.Unlock()
		telemetry.IncInfoFetchError()
		slog.Warn("live-info fetch failed, serving cached", slog.String("channel", s.name), slog.Any("err", err))
		return cached, nil
	}
	wasOnline := s.info.Online
	s.info = info
	s.lastFetch = time.Now()
	s.mu.Unlock()

	if info.Online != wasOnline {
		if info.Online {
			s.goOnline(info)
		} else {
			s.goOffline()
		}
	}
	return info, nil
}

// fetchInfo runs one batched lookup bounded by the configured fetch timeout.
func (s *Session) fetchInfo(ctx context.Context) (twitchapi.StreamInfo, error) {
	fctx, cancel := context.WithTimeout(ctx, s.deps.Cfg.FetchTimeout)
	defer cancel()
	return s.fetchInfoCtx(fctx)
}

func (s *Session) fetchInfoCtx(ctx context.Context) (twitchapi.StreamInfo, error) {
	telemetry.IncInfoFetch()
	res, err := s.deps.Batcher.Request(s.name).Wait(ctx)
	if err != nil {
		return twitchapi.StreamInfo{}, err
	}
	if res.Err != nil {
		return twitchapi.StreamInfo{}, res.Err
	}
	if !res.Found {
		return twitchapi.StreamInfo{}, nil // not in the response: offline
	}
	return res.Info, nil
}

// goOnline performs the offline->online transition exactly once per flip:
// join chat, start the periodic refresh and snapshot jobs, notify observers.
func (s *Session) goOnline(info twitchapi.StreamInfo) {
	s.mu.Lock()
	if s.state == StateOnline || s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateOnline
	tickCtx, stop := context.WithCancel(s.runCtx)
	s.onlineStop = stop
	s.mu.Unlock()

	if s.deps.Chat != nil {
		s.deps.Chat.Join(s.name, s.Handle)
	}
	go s.refreshLoop(tickCtx)
	go s.snapshotLoop(tickCtx)
	go s.botSnapshotLoop(tickCtx)

	slog.Info("channel online", slog.String("channel", s.name), slog.String("title", info.Title), slog.Int("viewers", info.ViewerCount))
	s.deps.Sink.Broadcast(s.name, broadcast.EventChannelOnline, info)
}

// goOffline flushes a final snapshot, resets the interval counters, stops the
// online jobs, and notifies observers.
func (s *Session) goOffline() {
	s.mu.Lock()
	if s.state != StateOnline {
		s.mu.Unlock()
		return
	}
	s.state = StateOffline
	stop := s.onlineStop
	s.onlineStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.flushSnapshot()
	s.stats.Registry.Reset()
	if s.deps.Chat != nil {
		s.deps.Chat.Depart(s.name)
	}
	slog.Info("channel offline", slog.String("channel", s.name))
	s.deps.Sink.Broadcast(s.name, broadcast.EventChannelOffline, nil)
}

// Handle feeds one connector event into the statistics registry.
func (s *Session) Handle(ev events.Event) {
	if s.State() == StateDisposed {
		return
	}
	telemetry.CountEvent(string(ev.Kind()))
	s.stats.Registry.Update(ev)
}

// Results pulls the current statistics snapshot.
func (s *Session) Results() map[string]any {
	return s.stats.Registry.Results()
}

// refreshLoop keeps the cached live-info warm while online, which also drives
// the online->offline transition when the stream ends.
func (s *Session) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.deps.Cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Info(ctx, false)
		}
	}
}

// snapshotLoop persists statistics periodically while online, resetting the
// interval counters after each successful capture.
func (s *Session) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.deps.Cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushSnapshot()
			s.stats.Registry.Reset()
		}
	}
}

func (s *Session) botSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.deps.Cfg.BotSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stats.Bot.Snapshot()
		}
	}
}

// flushSnapshot persists the current statistics. Failures are logged, not
// retried; the core treats persistence as fire-and-forget.
func (s *Session) flushSnapshot() {
	results := s.stats.Registry.Results()
	s.deps.Sink.Broadcast(s.name, broadcast.EventStatsSnapshot, results)
	if s.deps.Snapshots == nil {
		return
	}
	viewers := s.stats.Viewers.Summary()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.deps.Snapshots.InsertSnapshot(ctx, s.name, viewers.Peak, viewers.Average, s.stats.Messages.Count(), results, time.Now().UTC())
	if err != nil {
		telemetry.CountSnapshot(false)
		slog.Error("snapshot insert failed", slog.String("channel", s.name), slog.Any("err", err))
		return
	}
	telemetry.CountSnapshot(true)
}

// dispose tears the session down: cancel jobs, depart chat, drop the pubsub
// topic. Idempotent.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	wasOnline := s.state == StateOnline
	s.state = StateDisposed
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.mu.Unlock()

	s.runCancel()
	if wasOnline {
		s.flushSnapshot()
		if s.deps.Chat != nil {
			s.deps.Chat.Depart(s.name)
		}
	}
	if s.deps.Pubsub != nil && s.userID != "" {
		s.deps.Pubsub.Unsubscribe(s.userID)
	}
}
