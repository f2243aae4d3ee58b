package stats

import (
	"testing"
	"time"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/wordwatch"
)

func TestTopChattersRanking(t *testing.T) {
	a := NewTopChatters(2)
	r := NewRegistry(a)
	for i := 0; i < 5; i++ {
		r.Update(events.ChatMessage{UserName: "Alice", Text: "x", Time: time.Now()})
	}
	for i := 0; i < 3; i++ {
		r.Update(events.ChatMessage{UserName: "bob", Text: "x", Time: time.Now()})
	}
	r.Update(events.ChatMessage{UserName: "carol", Text: "x", Time: time.Now()})

	got := a.Result().([]RankedCount)
	if len(got) != 2 {
		t.Fatalf("top list has %d entries, want 2", len(got))
	}
	if got[0].Key != "alice" || got[0].Count != 5 {
		t.Errorf("rank 1 = %+v, want alice/5 (case folded)", got[0])
	}
	if got[1].Key != "bob" || got[1].Count != 3 {
		t.Errorf("rank 2 = %+v, want bob/3", got[1])
	}
}

func TestTopNTieBreaksByKey(t *testing.T) {
	got := topN(map[string]int64{"zeta": 2, "alpha": 2, "mid": 2}, 3)
	want := []string{"alpha", "mid", "zeta"}
	for i, k := range want {
		if got[i].Key != k {
			t.Errorf("rank %d = %q, want %q", i+1, got[i].Key, k)
		}
	}
}

func TestTopWordsSkipsShortWords(t *testing.T) {
	a := NewTopWords(10)
	r := NewRegistry(a)
	r.Update(events.ChatMessage{UserName: "u", Text: "GG gg to the best team", Time: time.Now()})
	got := a.Result().([]RankedCount)
	for _, rc := range got {
		if len(rc.Key) < 3 {
			t.Errorf("word %q shorter than 3 chars made the ranking", rc.Key)
		}
	}
	found := map[string]int64{}
	for _, rc := range got {
		found[rc.Key] = rc.Count
	}
	if found["the"] != 1 || found["best"] != 1 || found["team"] != 1 {
		t.Errorf("expected the/best/team counted once each, got %v", found)
	}
}

func TestEmoteUsageSumsCounts(t *testing.T) {
	a := NewEmoteUsage(10)
	r := NewRegistry(a)
	r.Update(events.ChatMessage{UserName: "u", Text: "Kappa Kappa", Emotes: []events.EmoteMatch{{Name: "Kappa", Count: 2}}, Time: time.Now()})
	r.Update(events.ChatMessage{UserName: "v", Text: "Kappa", Emotes: []events.EmoteMatch{{Name: "Kappa", Count: 1}}, Time: time.Now()})
	got := a.Result().([]RankedCount)
	if len(got) != 1 || got[0].Key != "Kappa" || got[0].Count != 3 {
		t.Errorf("emote usage = %+v, want Kappa/3", got)
	}
}

func TestMinuteBuckets(t *testing.T) {
	a := NewMinuteBuckets()
	r := NewRegistry(a)
	base := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	r.Update(events.ChatMessage{UserName: "u", Text: "x", Time: base.Add(5 * time.Second)})
	r.Update(events.ChatMessage{UserName: "u", Text: "x", Time: base.Add(42 * time.Second)})
	r.Update(events.ChatMessage{UserName: "u", Text: "x", Time: base.Add(70 * time.Second)})
	got := a.Result().([]MinuteBucket)
	if len(got) != 2 {
		t.Fatalf("bucket count = %d, want 2", len(got))
	}
	if !got[0].Minute.Equal(base) || got[0].Count != 2 {
		t.Errorf("first bucket = %+v, want %v/2", got[0], base)
	}
	if !got[1].Minute.Equal(base.Add(time.Minute)) || got[1].Count != 1 {
		t.Errorf("second bucket = %+v, want %v/1", got[1], base.Add(time.Minute))
	}
}

func TestWatchedPhrases(t *testing.T) {
	m := wordwatch.New()
	_ = m.Add("giveaway")
	a := NewWatchedPhrases(m)
	r := NewRegistry(a)
	r.Update(events.ChatMessage{UserName: "u", Text: "huge GIVEAWAY tonight", Time: time.Now()})
	r.Update(events.ChatMessage{UserName: "u", Text: "nothing to see", Time: time.Now()})
	if got := a.Result().(int64); got != 1 {
		t.Errorf("watched phrase hits = %d, want 1", got)
	}
}

func TestSubscriptionsAggregation(t *testing.T) {
	a := NewSubscriptions()
	r := NewRegistry(a)
	r.Update(events.NewSubscriber{UserName: "n", Tier: "1000", Time: time.Now()})
	r.Update(events.ReSubscriber{UserName: "r", Tier: "1000", Months: 7, Time: time.Now()})
	r.Update(events.GiftedSubscription{Gifter: "g", Recipient: "x", Time: time.Now()})
	r.Update(events.CommunitySubscription{Gifter: "g", Count: 10, Time: time.Now()})
	got := a.Result().(SubscriptionsResult)
	if got.New != 1 || got.Resubs != 1 || got.Gifted != 1 || got.Community != 1 {
		t.Errorf("subscriptions = %+v, want one of each flavor", got)
	}
	if got.GiftedSeats != 11 {
		t.Errorf("gifted seats = %d, want 11 (1 single + 10 community)", got.GiftedSeats)
	}
}

func TestModerationCounters(t *testing.T) {
	a := NewModeration()
	r := NewRegistry(a)
	r.Update(events.UserBanned{UserName: "b", Time: time.Now()})
	r.Update(events.UserTimedOut{UserName: "t", Duration: 30 * time.Second, Time: time.Now()})
	r.Update(events.UserTimedOut{UserName: "t", Duration: 90 * time.Second, Time: time.Now()})
	r.Update(events.MessageCleared{MessageID: "m", Time: time.Now()})
	got := a.Result().(ModerationResult)
	if got.Bans != 1 || got.Timeouts != 2 || got.ClearedMessages != 1 {
		t.Errorf("moderation = %+v, want 1 ban / 2 timeouts / 1 cleared", got)
	}
	if got.TimeoutTotalSeconds != 120 {
		t.Errorf("timeout seconds = %v, want 120", got.TimeoutTotalSeconds)
	}
}

func TestRaidsTracksLargest(t *testing.T) {
	a := NewRaids()
	r := NewRegistry(a)
	r.Update(events.RaidNotification{FromChannel: "small", ViewerCount: 12, Time: time.Now()})
	r.Update(events.RaidNotification{FromChannel: "big", ViewerCount: 900, Time: time.Now()})
	got := a.Result().(RaidsResult)
	if got.Count != 2 || got.TotalRaiders != 912 {
		t.Errorf("raids = %+v, want 2 raids / 912 raiders", got)
	}
	if got.LargestSize != 900 || got.LargestFrom != "big" {
		t.Errorf("largest raid = %d from %q, want 900 from big", got.LargestSize, got.LargestFrom)
	}
}

func TestViewersDigest(t *testing.T) {
	a := NewViewers()
	r := NewRegistry(a)
	for _, v := range []int{100, 300, 200} {
		r.Update(events.ViewerCountSample{Viewers: v, Time: time.Now()})
	}
	got := a.Summary()
	if got.Peak != 300 {
		t.Errorf("peak = %d, want 300", got.Peak)
	}
	if got.Current != 200 {
		t.Errorf("current = %d, want 200", got.Current)
	}
	if got.Average != 200 {
		t.Errorf("average = %v, want 200", got.Average)
	}
	if got.Samples != 3 {
		t.Errorf("samples = %d, want 3", got.Samples)
	}
}

func TestRoomStateBounded(t *testing.T) {
	a := NewRoomState(3)
	r := NewRegistry(a)
	for i := 0; i < 10; i++ {
		r.Update(events.ChannelStateChanged{Setting: "slow", Enabled: i%2 == 0, Time: time.Now()})
	}
	got := a.Result().([]RoomStateChange)
	if len(got) != 3 {
		t.Errorf("room state kept %d changes, want newest 3", len(got))
	}
}
