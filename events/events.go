// Package events defines the typed records delivered by the chat connector and
// the hermes pool into the per-channel statistics pipeline. Events are plain
// immutable values; the only mutation the core performs after receipt is
// filling a ChatMessage's Emotes slice before dispatch.
package events

import "time"

// Kind discriminates event types for dispatch-table lookup.
type Kind string

const (
	KindChatMessage           Kind = "chat_message"
	KindUserJoined            Kind = "user_joined"
	KindUserLeft              Kind = "user_left"
	KindNewSubscriber         Kind = "new_subscriber"
	KindReSubscriber          Kind = "re_subscriber"
	KindGiftedSubscription    Kind = "gifted_subscription"
	KindCommunitySubscription Kind = "community_subscription"
	KindUserBanned            Kind = "user_banned"
	KindUserTimedOut          Kind = "user_timed_out"
	KindMessageCleared        Kind = "message_cleared"
	KindChannelStateChanged   Kind = "channel_state_changed"
	KindRaidNotification      Kind = "raid_notification"
	KindCommercialStarted     Kind = "commercial_started"
	KindViewerCountSample     Kind = "viewer_count_sample"
)

// Event is implemented by every inbound record.
type Event interface {
	Kind() Kind
	At() time.Time
}

// EmoteMatch records one resolved emote occurrence within a chat message.
type EmoteMatch struct {
	Name  string
	Count int
}

type ChatMessage struct {
	Channel   string
	UserID    string
	UserName  string
	MessageID string
	Text      string
	Badges    map[string]int
	Emotes    []EmoteMatch
	Time      time.Time
}

func (ChatMessage) Kind() Kind      { return KindChatMessage }
func (m ChatMessage) At() time.Time { return m.Time }

type UserJoined struct {
	Channel  string
	UserName string
	Time     time.Time
}

func (UserJoined) Kind() Kind      { return KindUserJoined }
func (e UserJoined) At() time.Time { return e.Time }

type UserLeft struct {
	Channel  string
	UserName string
	Time     time.Time
}

func (UserLeft) Kind() Kind      { return KindUserLeft }
func (e UserLeft) At() time.Time { return e.Time }

type NewSubscriber struct {
	Channel  string
	UserName string
	Tier     string
	Time     time.Time
}

func (NewSubscriber) Kind() Kind      { return KindNewSubscriber }
func (e NewSubscriber) At() time.Time { return e.Time }

type ReSubscriber struct {
	Channel  string
	UserName string
	Tier     string
	Months   int
	Time     time.Time
}

func (ReSubscriber) Kind() Kind      { return KindReSubscriber }
func (e ReSubscriber) At() time.Time { return e.Time }

type GiftedSubscription struct {
	Channel   string
	Gifter    string
	Recipient string
	Tier      string
	Time      time.Time
}

func (GiftedSubscription) Kind() Kind      { return KindGiftedSubscription }
func (e GiftedSubscription) At() time.Time { return e.Time }

// CommunitySubscription is a bulk gift ("sub bomb") announcement.
type CommunitySubscription struct {
	Channel string
	Gifter  string
	Count   int
	Tier    string
	Time    time.Time
}

func (CommunitySubscription) Kind() Kind      { return KindCommunitySubscription }
func (e CommunitySubscription) At() time.Time { return e.Time }

type UserBanned struct {
	Channel  string
	UserName string
	Time     time.Time
}

func (UserBanned) Kind() Kind      { return KindUserBanned }
func (e UserBanned) At() time.Time { return e.Time }

type UserTimedOut struct {
	Channel  string
	UserName string
	Duration time.Duration
	Time     time.Time
}

func (UserTimedOut) Kind() Kind      { return KindUserTimedOut }
func (e UserTimedOut) At() time.Time { return e.Time }

type MessageCleared struct {
	Channel   string
	MessageID string
	Time      time.Time
}

func (MessageCleared) Kind() Kind      { return KindMessageCleared }
func (e MessageCleared) At() time.Time { return e.Time }

// ChannelStateChanged reports a room-state flip (emote-only, sub-only, slow mode...).
type ChannelStateChanged struct {
	Channel string
	Setting string
	Enabled bool
	Time    time.Time
}

func (ChannelStateChanged) Kind() Kind      { return KindChannelStateChanged }
func (e ChannelStateChanged) At() time.Time { return e.Time }

type RaidNotification struct {
	Channel     string
	FromChannel string
	ViewerCount int
	Time        time.Time
}

func (RaidNotification) Kind() Kind      { return KindRaidNotification }
func (e RaidNotification) At() time.Time { return e.Time }

type CommercialStarted struct {
	Channel string
	Length  time.Duration
	Time    time.Time
}

func (CommercialStarted) Kind() Kind      { return KindCommercialStarted }
func (e CommercialStarted) At() time.Time { return e.Time }

type ViewerCountSample struct {
	Channel string
	Viewers int
	Time    time.Time
}

func (ViewerCountSample) Kind() Kind      { return KindViewerCountSample }
func (e ViewerCountSample) At() time.Time { return e.Time }
