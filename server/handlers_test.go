package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/streamwatch/batch"
	"github.com/onnwee/streamwatch/session"
	"github.com/onnwee/streamwatch/testutil"
	"github.com/onnwee/streamwatch/twitchapi"
)

func testServer(t *testing.T) (*testutil.MockHelixServer, *httptest.Server) {
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

	sessions := session.NewRegistry(session.Deps{Helix: hc, Batcher: b})
	t.Cleanup(sessions.Close)

	srv := httptest.NewServer(NewMux(NewHandlers(nil, sessions, nil)))
	t.Cleanup(srv.Close)
	return mock, srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzWithoutDatabase(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("readyz = %d %v", resp.StatusCode, body)
	}
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	mock, srv := testServer(t)
	mock.SetUser("streamer", "42")
	mock.SetStream("streamer", "speedrun", 900)

	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"channel": "Streamer"}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	var created map[string]string
	decodeBody(t, resp, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created["channel"] != "streamer" || created["state"] != "online" {
		t.Errorf("created = %v", created)
	}

	resp, err = http.Get(srv.URL + "/channels/streamer")
	if err != nil {
		t.Fatalf("GET channel: %v", err)
	}
	var detail struct {
		Channel string               `json:"channel"`
		State   string               `json:"state"`
		Info    twitchapi.StreamInfo `json:"info"`
	}
	decodeBody(t, resp, &detail)
	if !detail.Info.Online || detail.Info.ViewerCount != 900 {
		t.Errorf("info = %+v, want online with 900 viewers", detail.Info)
	}

	resp, err = http.Get(srv.URL + "/channels/streamer/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var statsBody struct {
		Statistics map[string]any `json:"statistics"`
	}
	decodeBody(t, resp, &statsBody)
	if _, ok := statsBody.Statistics["messages"]; !ok {
		t.Errorf("statistics missing messages accumulator: %v", statsBody.Statistics)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/channels/streamer", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE channel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/channels/streamer")
	if err != nil {
		t.Fatalf("GET removed channel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("removed channel status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateUnknownChannel(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"channel": "ghost"}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateChannelBadBody(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWatchedWordsOverHTTP(t *testing.T) {
	mock, srv := testServer(t)
	mock.SetUser("wordy", "7")
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"channel": "wordy"}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/channels/wordy/words", "application/json", strings.NewReader(`{"phrase": "pogchamp"}`))
	if err != nil {
		t.Fatalf("POST words: %v", err)
	}
	var body struct {
		Phrases []string `json:"phrases"`
	}
	decodeBody(t, resp, &body)
	if len(body.Phrases) != 1 || body.Phrases[0] != "pogchamp" {
		t.Errorf("phrases after add = %v", body.Phrases)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/channels/wordy/words", strings.NewReader(`{"phrase": "pogchamp"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE words: %v", err)
	}
	decodeBody(t, resp, &body)
	if len(body.Phrases) != 0 {
		t.Errorf("phrases after remove = %v", body.Phrases)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	mock, srv := testServer(t)
	mock.SetUser("bare", "8")
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"channel": "bare"}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/channels/bare/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestSpanRecordsHTTPStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/channels/ghost")
	if err != nil {
		t.Fatalf("GET /channels/ghost: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	spanStatus := func(name string) (int64, codes.Code, bool) {
		for _, s := range exporter.GetSpans() {
			if s.Name != name {
				continue
			}
			var code int64
			for _, attr := range s.Attributes {
				if attr.Key == "http.status_code" {
					code = attr.Value.AsInt64()
				}
			}
			return code, s.Status.Code, true
		}
		return 0, codes.Unset, false
	}

	code, status, ok := spanStatus("GET /healthz")
	if !ok {
		t.Fatal("no span recorded for /healthz")
	}
	if code != http.StatusOK || status == codes.Error {
		t.Errorf("healthz span: status_code=%d status=%v, want 200 and not error", code, status)
	}

	code, status, ok = spanStatus("GET /channels/ghost")
	if !ok {
		t.Fatal("no span recorded for /channels/ghost")
	}
	if code != http.StatusNotFound {
		t.Errorf("span status_code = %d, want 404", code)
	}
	if status != codes.Error {
		t.Errorf("span status = %v, want error for a 4xx response", status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	mock, srv := testServer(t)
	mock.SetUser("tracked", "9")
	resp, err := http.Post(srv.URL+"/channels", "application/json", strings.NewReader(`{"channel": "tracked"}`))
	if err != nil {
		t.Fatalf("POST /channels: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var body struct {
		Uptime   string                  `json:"uptime"`
		Channels []session.ChannelStatus `json:"channels"`
	}
	decodeBody(t, resp, &body)
	if len(body.Channels) != 1 || body.Channels[0].Channel != "tracked" {
		t.Errorf("status channels = %+v", body.Channels)
	}
}
