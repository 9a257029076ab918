package telegram

import (
	"context"
	"strconv"

	"herald/internal/platform"
)

// AlertSink posts log alerts to an operator chat through the author bot.
type AlertSink struct {
	a      *Adapter
	chatID int64
}

func (a *Adapter) AlertSink(chatID int64) *AlertSink {
	return &AlertSink{a: a, chatID: chatID}
}

func (s *AlertSink) Alert(ctx context.Context, text string) error {
	_, err := s.a.SendMessage(ctx, platform.IdentityAuthor, strconv.FormatInt(s.chatID, 10), platform.Content{Text: text})
	return err
}
