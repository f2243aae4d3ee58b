package stats

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/wordwatch"
)

// MessageCount counts chat messages and total character volume for the
// current interval.
type MessageCount struct {
	messages atomic.Int64
	chars    atomic.Int64
}

type MessageCountResult struct {
	Messages   int64 `json:"messages"`
	Characters int64 `json:"characters"`
}

func NewMessageCount() *MessageCount { return &MessageCount{} }

func (a *MessageCount) Name() string { return "messages" }

func (a *MessageCount) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		a.messages.Add(1)
		a.chars.Add(int64(len(m.Text)))
	})
}

func (a *MessageCount) Result() any {
	return MessageCountResult{Messages: a.messages.Load(), Characters: a.chars.Load()}
}

// Count returns the interval message count without a full snapshot.
func (a *MessageCount) Count() int64 { return a.messages.Load() }

func (a *MessageCount) Reset() {
	a.messages.Store(0)
	a.chars.Store(0)
}

// UniqueChatters tracks the distinct users who spoke this interval.
type UniqueChatters struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func NewUniqueChatters() *UniqueChatters {
	return &UniqueChatters{users: make(map[string]struct{})}
}

func (a *UniqueChatters) Name() string { return "unique_chatters" }

func (a *UniqueChatters) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		a.mu.Lock()
		a.users[strings.ToLower(m.UserName)] = struct{}{}
		a.mu.Unlock()
	})
}

func (a *UniqueChatters) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}

func (a *UniqueChatters) Reset() {
	a.mu.Lock()
	a.users = make(map[string]struct{})
	a.mu.Unlock()
}

// MinuteBuckets aggregates message counts into minute-rounded buckets.
type MinuteBuckets struct {
	mu      sync.Mutex
	buckets map[int64]int64 // unix seconds rounded down to the minute
}

type MinuteBucket struct {
	Minute time.Time `json:"minute"`
	Count  int64     `json:"count"`
}

func NewMinuteBuckets() *MinuteBuckets {
	return &MinuteBuckets{buckets: make(map[int64]int64)}
}

func (a *MinuteBuckets) Name() string { return "messages_per_minute" }

func (a *MinuteBuckets) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		key := m.Time.Truncate(time.Minute).Unix()
		a.mu.Lock()
		a.buckets[key]++
		a.mu.Unlock()
	})
}

func (a *MinuteBuckets) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]MinuteBucket, 0, len(a.buckets))
	for k, v := range a.buckets {
		out = append(out, MinuteBucket{Minute: time.Unix(k, 0).UTC(), Count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out
}

func (a *MinuteBuckets) Reset() {
	a.mu.Lock()
	a.buckets = make(map[int64]int64)
	a.mu.Unlock()
}

// RankedCount is one entry of a top-N result.
type RankedCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// topN returns the n highest-count entries of counts, ties broken by key for
// deterministic output.
func topN(counts map[string]int64, n int) []RankedCount {
	out := make([]RankedCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, RankedCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TopChatters ranks users by message count.
type TopChatters struct {
	mu     sync.Mutex
	counts map[string]int64
	limit  int
}

func NewTopChatters(limit int) *TopChatters {
	if limit <= 0 {
		limit = 10
	}
	return &TopChatters{counts: make(map[string]int64), limit: limit}
}

func (a *TopChatters) Name() string { return "top_chatters" }

func (a *TopChatters) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		a.mu.Lock()
		a.counts[strings.ToLower(m.UserName)]++
		a.mu.Unlock()
	})
}

func (a *TopChatters) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topN(a.counts, a.limit)
}

func (a *TopChatters) Reset() {
	a.mu.Lock()
	a.counts = make(map[string]int64)
	a.mu.Unlock()
}

// TopWords ranks words of at least three characters across all messages.
type TopWords struct {
	mu     sync.Mutex
	counts map[string]int64
	limit  int
}

func NewTopWords(limit int) *TopWords {
	if limit <= 0 {
		limit = 10
	}
	return &TopWords{counts: make(map[string]int64), limit: limit}
}

func (a *TopWords) Name() string { return "top_words" }

func (a *TopWords) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		words := strings.Fields(strings.ToLower(m.Text))
		a.mu.Lock()
		for _, w := range words {
			if len(w) < 3 {
				continue
			}
			a.counts[w]++
		}
		a.mu.Unlock()
	})
}

func (a *TopWords) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topN(a.counts, a.limit)
}

func (a *TopWords) Reset() {
	a.mu.Lock()
	a.counts = make(map[string]int64)
	a.mu.Unlock()
}

// EmoteUsage ranks resolved emotes by occurrence count.
type EmoteUsage struct {
	mu     sync.Mutex
	counts map[string]int64
	limit  int
}

func NewEmoteUsage(limit int) *EmoteUsage {
	if limit <= 0 {
		limit = 10
	}
	return &EmoteUsage{counts: make(map[string]int64), limit: limit}
}

func (a *EmoteUsage) Name() string { return "emote_usage" }

func (a *EmoteUsage) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		if len(m.Emotes) == 0 {
			return
		}
		a.mu.Lock()
		for _, e := range m.Emotes {
			a.counts[e.Name] += int64(e.Count)
		}
		a.mu.Unlock()
	})
}

func (a *EmoteUsage) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return topN(a.counts, a.limit)
}

func (a *EmoteUsage) Reset() {
	a.mu.Lock()
	a.counts = make(map[string]int64)
	a.mu.Unlock()
}

// WatchedPhrases counts messages containing any channel-observed phrase.
type WatchedPhrases struct {
	matcher *wordwatch.Matcher
	hits    atomic.Int64
}

func NewWatchedPhrases(matcher *wordwatch.Matcher) *WatchedPhrases {
	return &WatchedPhrases{matcher: matcher}
}

func (a *WatchedPhrases) Name() string { return "watched_phrase_hits" }

func (a *WatchedPhrases) register(r *Registry) {
	on(r, func(m events.ChatMessage) {
		if a.matcher.IsMatch(m.Text) {
			a.hits.Add(1)
		}
	})
}

func (a *WatchedPhrases) Result() any { return a.hits.Load() }

func (a *WatchedPhrases) Reset() { a.hits.Store(0) }

// Presence counts joins and parts.
type Presence struct {
	joins atomic.Int64
	parts atomic.Int64
}

type PresenceResult struct {
	Joins int64 `json:"joins"`
	Parts int64 `json:"parts"`
}

func NewPresence() *Presence { return &Presence{} }

func (a *Presence) Name() string { return "presence" }

func (a *Presence) register(r *Registry) {
	on(r, func(events.UserJoined) { a.joins.Add(1) })
	on(r, func(events.UserLeft) { a.parts.Add(1) })
}

func (a *Presence) Result() any {
	return PresenceResult{Joins: a.joins.Load(), Parts: a.parts.Load()}
}

func (a *Presence) Reset() {
	a.joins.Store(0)
	a.parts.Store(0)
}

// Subscriptions aggregates the four subscription event flavors.
type Subscriptions struct {
	mu          sync.Mutex
	newSubs     int64
	resubs      int64
	gifted      int64
	community   int64
	giftedSeats int64
}

type SubscriptionsResult struct {
	New         int64 `json:"new"`
	Resubs      int64 `json:"resubs"`
	Gifted      int64 `json:"gifted"`
	Community   int64 `json:"community"`
	GiftedSeats int64 `json:"gifted_seats"`
}

func NewSubscriptions() *Subscriptions { return &Subscriptions{} }

func (a *Subscriptions) Name() string { return "subscriptions" }

func (a *Subscriptions) register(r *Registry) {
	on(r, func(events.NewSubscriber) {
		a.mu.Lock()
		a.newSubs++
		a.mu.Unlock()
	})
	on(r, func(events.ReSubscriber) {
		a.mu.Lock()
		a.resubs++
		a.mu.Unlock()
	})
	on(r, func(events.GiftedSubscription) {
		a.mu.Lock()
		a.gifted++
		a.giftedSeats++
		a.mu.Unlock()
	})
	on(r, func(e events.CommunitySubscription) {
		a.mu.Lock()
		a.community++
		a.giftedSeats += int64(e.Count)
		a.mu.Unlock()
	})
}

func (a *Subscriptions) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SubscriptionsResult{
		New: a.newSubs, Resubs: a.resubs, Gifted: a.gifted,
		Community: a.community, GiftedSeats: a.giftedSeats,
	}
}

func (a *Subscriptions) Reset() {
	a.mu.Lock()
	a.newSubs, a.resubs, a.gifted, a.community, a.giftedSeats = 0, 0, 0, 0, 0
	a.mu.Unlock()
}

// Moderation counts bans, timeouts, and cleared messages.
type Moderation struct {
	mu           sync.Mutex
	bans         int64
	timeouts     int64
	cleared      int64
	timeoutTotal time.Duration
}

type ModerationResult struct {
	Bans                int64   `json:"bans"`
	Timeouts            int64   `json:"timeouts"`
	ClearedMessages     int64   `json:"cleared_messages"`
	TimeoutTotalSeconds float64 `json:"timeout_total_seconds"`
}

func NewModeration() *Moderation { return &Moderation{} }

func (a *Moderation) Name() string { return "moderation" }

func (a *Moderation) register(r *Registry) {
	on(r, func(events.UserBanned) {
		a.mu.Lock()
		a.bans++
		a.mu.Unlock()
	})
	on(r, func(e events.UserTimedOut) {
		a.mu.Lock()
		a.timeouts++
		a.timeoutTotal += e.Duration
		a.mu.Unlock()
	})
	on(r, func(events.MessageCleared) {
		a.mu.Lock()
		a.cleared++
		a.mu.Unlock()
	})
}

func (a *Moderation) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ModerationResult{
		Bans: a.bans, Timeouts: a.timeouts, ClearedMessages: a.cleared,
		TimeoutTotalSeconds: a.timeoutTotal.Seconds(),
	}
}

func (a *Moderation) Reset() {
	a.mu.Lock()
	a.bans, a.timeouts, a.cleared, a.timeoutTotal = 0, 0, 0, 0
	a.mu.Unlock()
}

// Raids tracks inbound raids and the largest one seen.
type Raids struct {
	mu           sync.Mutex
	count        int64
	totalRaiders int64
	largestFrom  string
	largestSize  int
}

type RaidsResult struct {
	Count        int64  `json:"count"`
	TotalRaiders int64  `json:"total_raiders"`
	LargestFrom  string `json:"largest_from,omitempty"`
	LargestSize  int    `json:"largest_size"`
}

func NewRaids() *Raids { return &Raids{} }

func (a *Raids) Name() string { return "raids" }

func (a *Raids) register(r *Registry) {
	on(r, func(e events.RaidNotification) {
		a.mu.Lock()
		a.count++
		a.totalRaiders += int64(e.ViewerCount)
		if e.ViewerCount > a.largestSize {
			a.largestSize = e.ViewerCount
			a.largestFrom = e.FromChannel
		}
		a.mu.Unlock()
	})
}

func (a *Raids) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return RaidsResult{
		Count: a.count, TotalRaiders: a.totalRaiders,
		LargestFrom: a.largestFrom, LargestSize: a.largestSize,
	}
}

func (a *Raids) Reset() {
	a.mu.Lock()
	a.count, a.totalRaiders, a.largestFrom, a.largestSize = 0, 0, "", 0
	a.mu.Unlock()
}

// Commercials tracks ad breaks delivered by the hermes feed.
type Commercials struct {
	mu    sync.Mutex
	count int64
	total time.Duration
}

type CommercialsResult struct {
	Count        int64   `json:"count"`
	TotalSeconds float64 `json:"total_seconds"`
}

func NewCommercials() *Commercials { return &Commercials{} }

func (a *Commercials) Name() string { return "commercials" }

func (a *Commercials) register(r *Registry) {
	on(r, func(e events.CommercialStarted) {
		a.mu.Lock()
		a.count++
		a.total += e.Length
		a.mu.Unlock()
	})
}

func (a *Commercials) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CommercialsResult{Count: a.count, TotalSeconds: a.total.Seconds()}
}

func (a *Commercials) Reset() {
	a.mu.Lock()
	a.count, a.total = 0, 0
	a.mu.Unlock()
}

// RoomState retains the most recent channel-state flips, newest last.
type RoomState struct {
	mu      sync.Mutex
	changes []RoomStateChange
	cap     int
}

type RoomStateChange struct {
	Setting string    `json:"setting"`
	Enabled bool      `json:"enabled"`
	Time    time.Time `json:"time"`
}

func NewRoomState(capacity int) *RoomState {
	if capacity <= 0 {
		capacity = 50
	}
	return &RoomState{cap: capacity}
}

func (a *RoomState) Name() string { return "room_state" }

func (a *RoomState) register(r *Registry) {
	on(r, func(e events.ChannelStateChanged) {
		a.mu.Lock()
		a.changes = append(a.changes, RoomStateChange{Setting: e.Setting, Enabled: e.Enabled, Time: e.Time})
		if len(a.changes) > a.cap {
			a.changes = a.changes[len(a.changes)-a.cap:]
		}
		a.mu.Unlock()
	})
}

func (a *RoomState) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RoomStateChange, len(a.changes))
	copy(out, a.changes)
	return out
}

func (a *RoomState) Reset() {
	a.mu.Lock()
	a.changes = nil
	a.mu.Unlock()
}
