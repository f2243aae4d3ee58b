package stats

import "github.com/onnwee/streamwatch/wordwatch"

// Set bundles the default accumulator lineup with direct handles on the
// members the session needs outside the generic Results map: the message
// counter and viewer digest feed persisted snapshots, and the bot scorer's
// periodic capture is driven by the session's scheduler.
type Set struct {
	Registry *Registry
	Messages *MessageCount
	Viewers  *Viewers
	Bot      *BotLikelihood
}

// NewDefaultSet builds the full accumulator lineup for one channel.
func NewDefaultSet(matcher *wordwatch.Matcher) *Set {
	msgs := NewMessageCount()
	viewers := NewViewers()
	bot := NewBotLikelihood()
	reg := NewRegistry(
		msgs,
		NewUniqueChatters(),
		NewMinuteBuckets(),
		NewTopChatters(10),
		NewTopWords(10),
		NewEmoteUsage(10),
		NewWatchedPhrases(matcher),
		NewPresence(),
		NewSubscriptions(),
		NewModeration(),
		NewRaids(),
		NewCommercials(),
		NewRoomState(50),
		viewers,
		NewViewerTrend(DefaultTrendWindow),
		bot,
	)
	return &Set{Registry: reg, Messages: msgs, Viewers: viewers, Bot: bot}
}
