package stats

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/events"
)

const (
	botTimestampCap    = 100
	botGroupWindow     = 10 * time.Second
	botGroupThreshold  = 0.9
	botSnapshotKeep    = 30 * time.Minute
	botRankLimit       = 100
	botMinMessages     = 10
	botFrequencyWindow = 60 * time.Second
)

// BotLikelihood scores every chatter on how bot-like their behavior looks.
// Four weighted signals feed the composite:
//
//	score = 0.3*lengthConsistency + 0.3*frequencyScore +
//	        0.2*repetitionScore + 0.2*groupBehaviorScore
//
// lengthConsistency rewards suspiciously uniform message lengths, frequency
// rewards sustained high message rates, repetition rewards verbatim repeats,
// and group behavior rewards near-identical text across distinct users within
// a short window (trigram Jaccard).
type BotLikelihood struct {
	mu     sync.Mutex
	users  map[string]*botProfile
	recent []recentMessage // cross-user messages inside the group window
	snaps  []ScoreSnapshot
	now    func() time.Time
}

type botProfile struct {
	messages   int64
	lengthSum  float64
	lengthSq   float64
	repeats    map[string]int
	maxRepeat  int
	timestamps []time.Time // rolling, capped at botTimestampCap
	groupScore float64
	score      float64
}

type recentMessage struct {
	user     string
	trigrams map[string]struct{}
	at       time.Time
}

// UserScore is one ranked entry of the bot-likelihood result.
type UserScore struct {
	User     string  `json:"user"`
	Score    float64 `json:"score"`
	Messages int64   `json:"messages"`
}

// ScoreSnapshot is a periodic capture of the ranking.
type ScoreSnapshot struct {
	Time  time.Time   `json:"time"`
	Users []UserScore `json:"users"`
}

type BotLikelihoodResult struct {
	Users     []UserScore     `json:"users"`
	Snapshots []ScoreSnapshot `json:"snapshots"`
}

func NewBotLikelihood() *BotLikelihood {
	return &BotLikelihood{users: make(map[string]*botProfile), now: time.Now}
}

func (a *BotLikelihood) Name() string { return "bot_likelihood" }

func (a *BotLikelihood) register(r *Registry) {
	on(r, func(m events.ChatMessage) { a.observe(m) })
}

func (a *BotLikelihood) observe(m events.ChatMessage) {
	user := strings.ToLower(m.UserName)
	at := m.Time
	if at.IsZero() {
		at = a.now()
	}
	grams := Trigrams(m.Text)

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.users[user]
	if !ok {
		p = &botProfile{repeats: make(map[string]int)}
		a.users[user] = p
	}

	p.messages++
	n := float64(len(m.Text))
	p.lengthSum += n
	p.lengthSq += n * n

	p.repeats[m.Text]++
	if c := p.repeats[m.Text]; c > p.maxRepeat {
		p.maxRepeat = c
	}

	p.timestamps = append(p.timestamps, at)
	if len(p.timestamps) > botTimestampCap {
		p.timestamps = p.timestamps[len(p.timestamps)-botTimestampCap:]
	}

	// Group behavior: compare against other users' recent messages.
	cutoff := at.Add(-botGroupWindow)
	kept := a.recent[:0]
	for _, rm := range a.recent {
		if rm.at.Before(cutoff) {
			continue
		}
		kept = append(kept, rm)
		if rm.user == user {
			continue
		}
		if CalculateSimilarity(grams, rm.trigrams) >= botGroupThreshold {
			p.groupScore = math.Min(p.groupScore+10, 100)
		}
	}
	a.recent = append(kept, recentMessage{user: user, trigrams: grams, at: at})

	p.score = a.compositeLocked(p, at)
}

// compositeLocked recomputes the weighted score for p as of now.
func (a *BotLikelihood) compositeLocked(p *botProfile, now time.Time) float64 {
	lengthConsistency := 100 - math.Min(2*p.lengthStddev(), 100)

	recent := 0
	windowStart := now.Add(-botFrequencyWindow)
	for _, ts := range p.timestamps {
		if !ts.Before(windowStart) {
			recent++
		}
	}
	perSecond := float64(recent) / botFrequencyWindow.Seconds()
	frequencyScore := math.Min(100*perSecond/30, 100)

	repetitionScore := math.Min(100*float64(p.maxRepeat)/5, 100)

	return 0.3*lengthConsistency + 0.3*frequencyScore + 0.2*repetitionScore + 0.2*p.groupScore
}

func (p *botProfile) lengthStddev() float64 {
	if p.messages == 0 {
		return 0
	}
	n := float64(p.messages)
	mean := p.lengthSum / n
	variance := p.lengthSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Snapshot captures the current top ranking and drops snapshots older than the
// retention window. The owning session's scheduler calls this every 10 minutes.
func (a *BotLikelihood) Snapshot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.snaps = append(a.snaps, ScoreSnapshot{Time: now, Users: a.rankedLocked()})
	cutoff := now.Add(-botSnapshotKeep)
	i := 0
	for i < len(a.snaps) && a.snaps[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.snaps = append(a.snaps[:0], a.snaps[i:]...)
	}
}

// rankedLocked returns the top-100 users with more than ten messages, scores
// capped at 100, ties broken by name.
func (a *BotLikelihood) rankedLocked() []UserScore {
	out := make([]UserScore, 0, len(a.users))
	for name, p := range a.users {
		if p.messages <= botMinMessages {
			continue
		}
		out = append(out, UserScore{
			User:     name,
			Score:    math.Min(p.score, 100),
			Messages: p.messages,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].User < out[j].User
	})
	if len(out) > botRankLimit {
		out = out[:botRankLimit]
	}
	return out
}

func (a *BotLikelihood) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	snaps := make([]ScoreSnapshot, len(a.snaps))
	copy(snaps, a.snaps)
	return BotLikelihoodResult{Users: a.rankedLocked(), Snapshots: snaps}
}

// ScoreOf reports the current composite score for a user, for tests and the
// stats endpoint.
func (a *BotLikelihood) ScoreOf(user string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.users[strings.ToLower(user)]
	if !ok {
		return 0, false
	}
	return math.Min(p.score, 100), true
}

func (a *BotLikelihood) Reset() {
	a.mu.Lock()
	a.users = make(map[string]*botProfile)
	a.recent = nil
	a.snaps = nil
	a.mu.Unlock()
}

// Trigrams returns the set of contiguous 3-rune substrings of s.
func Trigrams(s string) map[string]struct{} {
	runes := []rune(s)
	out := make(map[string]struct{})
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

// CalculateSimilarity computes Jaccard similarity over two trigram sets,
// iterating the smaller set. Two empty sets are identical (1.0); exactly one
// empty set shares nothing (0.0).
func CalculateSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for g := range small {
		if _, ok := large[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
