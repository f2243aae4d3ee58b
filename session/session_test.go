package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/batch"
	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/hermes"
	"github.com/onnwee/streamwatch/stats"
	"github.com/onnwee/streamwatch/testutil"
	"github.com/onnwee/streamwatch/twitchapi"
)

type fakeChat struct {
	mu      sync.Mutex
	joined  map[string]func(events.Event)
	departs []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{joined: make(map[string]func(events.Event))}
}

func (f *fakeChat) Join(channel string, deliver func(events.Event)) {
	f.mu.Lock()
	f.joined[channel] = deliver
	f.mu.Unlock()
}

func (f *fakeChat) Depart(channel string) {
	f.mu.Lock()
	delete(f.joined, channel)
	f.departs = append(f.departs, channel)
	f.mu.Unlock()
}

func (f *fakeChat) isJoined(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.joined[channel]
	return ok
}

type fakePubsub struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
}

func (f *fakePubsub) Subscribe(channelID string) error {
	f.mu.Lock()
	f.subs = append(f.subs, channelID)
	f.mu.Unlock()
	return nil
}

func (f *fakePubsub) Unsubscribe(channelID string) {
	f.mu.Lock()
	f.unsubs = append(f.unsubs, channelID)
	f.mu.Unlock()
}

type fakeSnapshots struct {
	mu      sync.Mutex
	inserts int
}

func (f *fakeSnapshots) InsertSnapshot(ctx context.Context, channel string, peak int, avg float64, msgs int64, statistics map[string]any, at time.Time) error {
	f.mu.Lock()
	f.inserts++
	f.mu.Unlock()
	return nil
}

func (f *fakeSnapshots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Broadcast(channel, event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	helix    *testutil.MockHelixServer
	registry *Registry
	chat     *fakeChat
	pubsub   *fakePubsub
	snaps    *fakeSnapshots
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := testutil.NewMockHelixServer(t)
	hc := &twitchapi.HelixClient{
		Tokens:   twitchapi.StaticToken("test"),
		ClientID: "cid",
		BaseURL:  mock.URL,
	}
	b := batch.New(func(ctx context.Context, channels []string) (map[string]twitchapi.StreamInfo, error) {
		return hc.GetStreams(ctx, channels...)
	}, &batch.Config{MinDelay: 5 * time.Millisecond, MaxDelay: 15 * time.Millisecond})
	t.Cleanup(b.Stop)

	f := &fixture{
		helix:  mock,
		chat:   newFakeChat(),
		pubsub: &fakePubsub{},
		snaps:  &fakeSnapshots{},
		sink:   &recordingSink{},
	}
	f.registry = NewRegistry(Deps{
		Helix:     hc,
		Batcher:   b,
		Chat:      f.chat,
		Pubsub:    f.pubsub,
		Snapshots: f.snaps,
		Sink:      f.sink,
	})
	t.Cleanup(f.registry.Close)
	return f
}

func TestInitUnknownChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Init(context.Background(), "nobody")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Init error = %v, want ErrChannelNotFound", err)
	}
	if len(f.registry.List()) != 0 {
		t.Errorf("unknown channel was registered")
	}
}

func TestInitOfflineChannel(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("sleeper", "100")
	s, err := f.registry.Init(context.Background(), "Sleeper")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if s.State() != StateOffline {
		t.Errorf("state = %v, want offline", s.State())
	}
	if s.UserID() != "100" {
		t.Errorf("userID = %q, want 100", s.UserID())
	}
	if f.chat.isJoined("sleeper") {
		t.Errorf("offline channel joined chat")
	}
	f.pubsub.mu.Lock()
	subs := len(f.pubsub.subs)
	f.pubsub.mu.Unlock()
	if subs != 1 {
		t.Errorf("pubsub subscribes = %d, want 1 (topic held even while offline)", subs)
	}
}

func TestInitLiveChannelGoesOnline(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("gamer", "200")
	f.helix.SetStream("gamer", "ranked grind", 1500)
	s, err := f.registry.Init(context.Background(), "gamer")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if s.State() != StateOnline {
		t.Fatalf("state = %v, want online", s.State())
	}
	if !f.chat.isJoined("gamer") {
		t.Errorf("online channel did not join chat")
	}
	if !f.sink.has("channel.online") {
		t.Errorf("online event not broadcast")
	}
	info, err := s.Info(context.Background(), false)
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if !info.Online || info.ViewerCount != 1500 {
		t.Errorf("info = %+v, want online with 1500 viewers", info)
	}
}

func TestInfoServedFromCacheWithinTTL(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("cached", "300")
	s, err := f.registry.Init(context.Background(), "cached")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	after := f.helix.Calls("/streams")
	for i := 0; i < 5; i++ {
		if _, err := s.Info(context.Background(), false); err != nil {
			t.Fatalf("Info error: %v", err)
		}
	}
	if got := f.helix.Calls("/streams"); got != after {
		t.Errorf("stream fetches went from %d to %d inside the TTL, want no new fetches", after, got)
	}
}

func TestForceRefreshBypassesTTL(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("forced", "400")
	s, err := f.registry.Init(context.Background(), "forced")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	before := f.helix.Calls("/streams")
	if _, err := s.Info(context.Background(), true); err != nil {
		t.Fatalf("forced Info error: %v", err)
	}
	if got := f.helix.Calls("/streams"); got != before+1 {
		t.Errorf("stream fetches = %d after force, want %d", got, before+1)
	}
}

func TestOnlineToOfflineTransition(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("fading", "500")
	f.helix.SetStream("fading", "last stream", 10)
	s, err := f.registry.Init(context.Background(), "fading")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if s.State() != StateOnline {
		t.Fatalf("state = %v, want online", s.State())
	}

	f.helix.SetOffline("fading")
	if _, err := s.Info(context.Background(), true); err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if s.State() != StateOffline {
		t.Errorf("state = %v after stream ended, want offline", s.State())
	}
	if f.chat.isJoined("fading") {
		t.Errorf("chat still joined after going offline")
	}
	if !f.sink.has("channel.offline") {
		t.Errorf("offline event not broadcast")
	}
	if f.snaps.count() == 0 {
		t.Errorf("no final snapshot flushed on the offline transition")
	}
}

func TestOfflineToOnlineViaPoll(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("riser", "600")
	s, err := f.registry.Init(context.Background(), "riser")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if s.State() != StateOffline {
		t.Fatalf("state = %v, want offline at first", s.State())
	}

	f.helix.SetStream("riser", "going live", 42)
	if _, err := s.Info(context.Background(), true); err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if s.State() != StateOnline {
		t.Errorf("state = %v after going live, want online", s.State())
	}
	if !f.chat.isJoined("riser") {
		t.Errorf("chat not joined after going online")
	}
}

func TestHandleFeedsStatistics(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("busy", "700")
	f.helix.SetStream("busy", "chat goes brrr", 5)
	s, err := f.registry.Init(context.Background(), "busy")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.Handle(events.ChatMessage{Channel: "busy", UserName: "viewer", Text: "hello", Time: time.Now()})
	}
	res := s.Results()
	mc := res["messages"].(stats.MessageCountResult)
	if mc.Messages != 3 {
		t.Errorf("message count = %d, want 3", mc.Messages)
	}
}

func TestRemoveDisposesSession(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("leaver", "800")
	f.helix.SetStream("leaver", "bye", 1)
	s, err := f.registry.Init(context.Background(), "leaver")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	f.registry.Remove("leaver")
	if s.State() != StateDisposed {
		t.Errorf("state = %v after Remove, want disposed", s.State())
	}
	if _, ok := f.registry.Get("leaver"); ok {
		t.Errorf("removed channel still in registry")
	}
	f.pubsub.mu.Lock()
	unsubs := len(f.pubsub.unsubs)
	f.pubsub.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("pubsub unsubscribes = %d, want 1", unsubs)
	}
	if _, err := s.Info(context.Background(), false); !errors.Is(err, ErrDisposed) {
		t.Errorf("Info on disposed session error = %v, want ErrDisposed", err)
	}
}

func TestInitIsCaseInsensitiveAndIdempotent(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("mixed", "900")
	first, err := f.registry.Init(context.Background(), "MiXeD")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	second, err := f.registry.Init(context.Background(), "mixed")
	if err != nil {
		t.Fatalf("repeat Init error: %v", err)
	}
	if first != second {
		t.Errorf("second Init created a new session")
	}
	if got := len(f.registry.List()); got != 1 {
		t.Errorf("registry holds %d sessions, want 1", got)
	}
}

func TestConcurrentInitSharesOneSession(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("racer", "1100")
	f.helix.SetStream("racer", "live", 50)

	const callers = 8
	results := make([]*Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.registry.Init(context.Background(), "racer")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: Init error: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if !f.chat.isJoined("racer") {
		t.Errorf("registered online session no longer joined to chat")
	}
	f.pubsub.mu.Lock()
	subs, unsubs := len(f.pubsub.subs), len(f.pubsub.unsubs)
	f.pubsub.mu.Unlock()
	if subs != 1 || unsubs != 0 {
		t.Errorf("pubsub subscribes = %d, unsubscribes = %d, want 1 and 0", subs, unsubs)
	}
	if got := len(f.registry.List()); got != 1 {
		t.Errorf("registry holds %d sessions, want 1", got)
	}
}

func TestHandleNotificationRoutesByUserID(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("routed", "1000")
	f.helix.SetStream("routed", "live", 10)
	s, err := f.registry.Init(context.Background(), "routed")
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}

	f.registry.HandleNotification(hermes.Notification{
		ChannelID: "1000", Type: hermes.NotifyViewers, Viewers: 321, At: time.Now(),
	})
	// Unknown broadcaster ids are dropped without effect.
	f.registry.HandleNotification(hermes.Notification{
		ChannelID: "9999", Type: hermes.NotifyViewers, Viewers: 1, At: time.Now(),
	})

	viewers := s.Stats().Viewers.Summary()
	if viewers.Current != 321 || viewers.Samples != 1 {
		t.Errorf("viewers = %+v, want one sample of 321", viewers)
	}
}

func TestSnapshotStatusListing(t *testing.T) {
	f := newFixture(t)
	f.helix.SetUser("alpha", "1")
	f.helix.SetUser("beta", "2")
	f.helix.SetStream("beta", "live", 77)
	if _, err := f.registry.Init(context.Background(), "alpha"); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if _, err := f.registry.Init(context.Background(), "beta"); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	statuses := f.registry.Snapshot(false)
	if len(statuses) != 2 {
		t.Fatalf("Snapshot has %d entries, want 2", len(statuses))
	}
	if statuses[0].Channel != "alpha" || statuses[1].Channel != "beta" {
		t.Errorf("snapshot order = %v, want sorted by channel", []string{statuses[0].Channel, statuses[1].Channel})
	}
	if !statuses[1].Online || statuses[1].Viewers != 77 {
		t.Errorf("beta status = %+v, want online with 77 viewers", statuses[1])
	}
}
