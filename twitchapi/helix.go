package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production Helix endpoint.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// MaxStreamsPerQuery bounds how many logins one GetStreams call may carry.
const MaxStreamsPerQuery = 20

// ErrNotFound reports a login or user id that Helix does not know.
var ErrNotFound = fmt.Errorf("twitch: not found")

// User is the subset of Helix user fields the session cares about.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// StreamInfo is the cached live-info payload for one channel. A zero value
// with Online=false represents a channel that is not currently broadcasting.
type StreamInfo struct {
	Online       bool      `json:"online"`
	Title        string    `json:"title"`
	Game         string    `json:"game"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// HelixClient provides the lookups the session and batcher need.
type HelixClient struct {
	Tokens     TokenProvider
	ClientID   string
	BaseURL    string // defaults to DefaultBaseURL
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (hc *HelixClient) get(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := hc.Tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, vals := range query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUser resolves a login name to its Helix user record.
// Returns ErrNotFound when the login does not exist.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string][]string{"login": {strings.ToLower(login)}}, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrNotFound
	}
	return body.Data[0], nil
}

// GetStreams looks up live status for up to MaxStreamsPerQuery logins in one
// request. The result maps lowercase login to its info; logins absent from the
// response are simply missing from the map (offline or unknown).
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) (map[string]StreamInfo, error) {
	if len(logins) == 0 {
		return map[string]StreamInfo{}, nil
	}
	if len(logins) > MaxStreamsPerQuery {
		return nil, fmt.Errorf("too many logins in one query: %d > %d", len(logins), MaxStreamsPerQuery)
	}
	lowered := make([]string, 0, len(logins))
	for _, l := range logins {
		lowered = append(lowered, strings.ToLower(l))
	}
	var body struct {
		Data []struct {
			UserLogin    string `json:"user_login"`
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			ViewerCount  int    `json:"viewer_count"`
			StartedAt    string `json:"started_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string][]string{"user_login": lowered}, &body); err != nil {
		return nil, err
	}
	out := make(map[string]StreamInfo, len(body.Data))
	for _, s := range body.Data {
		info := StreamInfo{
			Online:       true,
			Title:        s.Title,
			Game:         s.GameName,
			ViewerCount:  s.ViewerCount,
			ThumbnailURL: s.ThumbnailURL,
		}
		if t, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
			info.StartedAt = t.UTC()
		}
		out[strings.ToLower(s.UserLogin)] = info
	}
	return out, nil
}
