// Package chat adapts Twitch IRC to typed channel events. One shared
// anonymous connection serves every joined channel; messages are routed to
// the handler registered for their channel.
package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwatch/events"
	"github.com/onnwee/streamwatch/patterncache"
)

// Connector multiplexes channel subscriptions onto a single anonymous IRC
// client. Reading chat needs no credentials.
type Connector struct {
	client   *twitch.Client
	patterns *patterncache.Cache

	mu       sync.Mutex
	handlers map[string]func(events.Event) // lowercase channel
}

// New builds a connector. patterns is used to count emote occurrences in
// message text; pass nil to fall back to the counts the IRC tags carry.
func New(patterns *patterncache.Cache) *Connector {
	c := &Connector{
		client:   twitch.NewAnonymousClient(),
		patterns: patterns,
		handlers: make(map[string]func(events.Event)),
	}
	c.wire()
	return c
}

// Run connects and blocks until ctx is done, then disconnects.
func (c *Connector) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.client.Disconnect()
		case <-done:
		}
	}()
	err := c.client.Connect()
	close(done)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Join registers deliver for channel and joins it on the shared connection.
func (c *Connector) Join(channel string, deliver func(events.Event)) {
	key := strings.ToLower(channel)
	c.mu.Lock()
	c.handlers[key] = deliver
	c.mu.Unlock()
	c.client.Join(key)
	slog.Info("joined chat", slog.String("channel", key))
}

// Depart leaves channel and drops its handler.
func (c *Connector) Depart(channel string) {
	key := strings.ToLower(channel)
	c.mu.Lock()
	_, ok := c.handlers[key]
	delete(c.handlers, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.client.Depart(key)
	slog.Info("departed chat", slog.String("channel", key))
}

func (c *Connector) deliver(channel string, ev events.Event) {
	c.mu.Lock()
	h := c.handlers[strings.ToLower(channel)]
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(ev)
}

func (c *Connector) wire() {
	c.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.deliver(msg.Channel, events.ChatMessage{
			Channel:   strings.ToLower(msg.Channel),
			UserID:    msg.User.ID,
			UserName:  msg.User.Name,
			MessageID: msg.ID,
			Text:      msg.Message,
			Badges:    msg.User.Badges,
			Emotes:    c.emoteMatches(msg),
			Time:      msg.Time,
		})
	})

	c.client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		c.deliver(msg.Channel, events.UserJoined{
			Channel:  strings.ToLower(msg.Channel),
			UserName: msg.User,
			Time:     time.Now().UTC(),
		})
	})

	c.client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		c.deliver(msg.Channel, events.UserLeft{
			Channel:  strings.ToLower(msg.Channel),
			UserName: msg.User,
			Time:     time.Now().UTC(),
		})
	})

	c.client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		if ev := translateUserNotice(msg); ev != nil {
			c.deliver(msg.Channel, ev)
		}
	})

	c.client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		if msg.TargetUsername == "" {
			// Full chat clear carries no target; nothing per-user to record.
			return
		}
		now := time.Now().UTC()
		if msg.BanDuration > 0 {
			c.deliver(msg.Channel, events.UserTimedOut{
				Channel:  strings.ToLower(msg.Channel),
				UserName: msg.TargetUsername,
				Duration: time.Duration(msg.BanDuration) * time.Second,
				Time:     now,
			})
			return
		}
		c.deliver(msg.Channel, events.UserBanned{
			Channel:  strings.ToLower(msg.Channel),
			UserName: msg.TargetUsername,
			Time:     now,
		})
	})

	c.client.OnClearMessage(func(msg twitch.ClearMessage) {
		c.deliver(msg.Channel, events.MessageCleared{
			Channel:   strings.ToLower(msg.Channel),
			MessageID: msg.TargetMsgID,
			Time:      time.Now().UTC(),
		})
	})

	c.client.OnRoomStateMessage(func(msg twitch.RoomStateMessage) {
		now := time.Now().UTC()
		for setting, value := range msg.State {
			c.deliver(msg.Channel, events.ChannelStateChanged{
				Channel: strings.ToLower(msg.Channel),
				Setting: setting,
				Enabled: value != 0,
				Time:    now,
			})
		}
	})
}

// translateUserNotice maps USERNOTICE msg-ids onto typed events. Unknown
// notice kinds are dropped.
func translateUserNotice(msg twitch.UserNoticeMessage) events.Event {
	now := time.Now().UTC()
	params := msg.MsgParams
	channel := strings.ToLower(msg.Channel)
	switch msg.MsgID {
	case "sub":
		return events.NewSubscriber{
			Channel:  channel,
			UserName: msg.User.Name,
			Tier:     params["msg-param-sub-plan"],
			Time:     now,
		}
	case "resub":
		months, _ := strconv.Atoi(params["msg-param-cumulative-months"])
		return events.ReSubscriber{
			Channel:  channel,
			UserName: msg.User.Name,
			Tier:     params["msg-param-sub-plan"],
			Months:   months,
			Time:     now,
		}
	case "subgift":
		return events.GiftedSubscription{
			Channel:   channel,
			Gifter:    msg.User.Name,
			Recipient: params["msg-param-recipient-user-name"],
			Tier:      params["msg-param-sub-plan"],
			Time:      now,
		}
	case "submysterygift":
		count, _ := strconv.Atoi(params["msg-param-mass-gift-count"])
		return events.CommunitySubscription{
			Channel: channel,
			Gifter:  msg.User.Name,
			Count:   count,
			Tier:    params["msg-param-sub-plan"],
			Time:    now,
		}
	case "raid":
		viewers, _ := strconv.Atoi(params["msg-param-viewerCount"])
		return events.RaidNotification{
			Channel:     channel,
			FromChannel: msg.User.Name,
			ViewerCount: viewers,
			Time:        now,
		}
	}
	return nil
}

// emoteMatches counts each emote's occurrences in the message text using a
// cached word-boundary pattern per emote name. Falls back to the count the
// IRC tags report when the pattern cannot compile or no cache is configured.
func (c *Connector) emoteMatches(msg twitch.PrivateMessage) []events.EmoteMatch {
	if len(msg.Emotes) == 0 {
		return nil
	}
	out := make([]events.EmoteMatch, 0, len(msg.Emotes))
	for _, e := range msg.Emotes {
		count := e.Count
		if c.patterns != nil {
			if re, err := c.patterns.GetOrCompile(`\b` + regexp.QuoteMeta(e.Name) + `\b`); err == nil {
				if n := len(re.FindAllStringIndex(msg.Message, -1)); n > 0 {
					count = n
				}
			}
		}
		out = append(out, events.EmoteMatch{Name: e.Name, Count: count})
	}
	return out
}
