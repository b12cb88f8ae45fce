package domain

// Event is an inbound update already decoded from the transport. The set of
// implementations is closed: ChannelPost and UserMessage.
type Event interface {
	isEvent()
}

// ChannelPost is a message published in a channel the bot administers.
//
// HasPoster is set for photos, HasMedia for videos, documents and animations.
// Text carries the caption or the text body, which may be a command.
// AuthorID is zero when Telegram hides the author (the usual case in channels).
type ChannelPost struct {
	ChannelID int64
	MessageID int
	HasPoster bool
	HasMedia  bool
	Text      string
	AuthorID  int64
}

// UserMessage is a text message sent to the bot by a user.
type UserMessage struct {
	ChatID  int64
	UserID  int64
	Text    string
	Private bool
}

func (ChannelPost) isEvent() {}
func (UserMessage) isEvent() {}
