package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// AllowedUpdates lists the update kinds the relay subscribes to.
var AllowedUpdates = []string{"message", "channel_post"}

// DecodeUpdate converts a Bot API update into a domain event. It reports
// false for update kinds the relay ignores (edits, callbacks, member changes).
func DecodeUpdate(u tgbotapi.Update) (domain.Event, bool) {
	switch {
	case u.ChannelPost != nil && u.ChannelPost.Chat != nil:
		return decodeChannelPost(u.ChannelPost), true
	case u.Message != nil && u.Message.Chat != nil:
		m := u.Message
		ev := domain.UserMessage{
			ChatID:  m.Chat.ID,
			Text:    strings.TrimSpace(m.Text),
			Private: m.Chat.IsPrivate(),
		}
		if m.From != nil {
			ev.UserID = m.From.ID
		}
		return ev, true
	default:
		return nil, false
	}
}

func decodeChannelPost(m *tgbotapi.Message) domain.ChannelPost {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	ev := domain.ChannelPost{
		ChannelID: m.Chat.ID,
		MessageID: m.MessageID,
		HasPoster: len(m.Photo) > 0,
		HasMedia:  m.Video != nil || m.Document != nil || m.Animation != nil,
		Text:      text,
	}
	// Signed channel posts carry the author; anonymous ones only SenderChat.
	if m.From != nil {
		ev.AuthorID = m.From.ID
	}
	return ev
}
