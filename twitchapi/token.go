// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs: login/id resolution and batched live-stream lookups, using an app
// access token.
package twitchapi

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch client-credentials token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenProvider yields a valid app access token for Helix calls.
// NOTE: app tokens cannot be used for IRC chat; the connector reads chat
// anonymously and needs no token at all.
type TokenProvider interface {
	Get(ctx context.Context) (string, error)
}

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token, refreshing it before expiry.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to DefaultTokenURL

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *AppTokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.once.Do(func() {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		cfg := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams, // twitch wants credentials in the form body
		}
		ts.src = cfg.TokenSource(context.Background())
	})
	tok, err := ts.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// StaticToken is a fixed token for tests and pre-provisioned environments.
type StaticToken string

func (t StaticToken) Get(context.Context) (string, error) { return string(t), nil }
