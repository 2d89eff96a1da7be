package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"chat-game-host/internal/delivery"
	"chat-game-host/internal/model"
)

// Sender adapts telebot to the delivery queue's outbound contract.
type Sender struct {
	bot *tele.Bot
}

// NewSender wraps a telebot instance.
func NewSender(bot *tele.Bot) *Sender {
	return &Sender{bot: bot}
}

// Send posts a fresh message and returns its handle.
func (s *Sender) Send(ctx context.Context, ch model.ChannelRef, view model.View) (model.MessageRef, error) {
	chatID, err := strconv.ParseInt(ch.ChannelID, 10, 64)
	if err != nil {
		return model.MessageRef{}, err
	}

	msg, err := s.bot.Send(tele.ChatID(chatID), view.Text, markup(view))
	if err != nil {
		return model.MessageRef{}, translate(err)
	}
	return model.MessageRef{
		ChannelID: ch.ChannelID,
		MessageID: strconv.Itoa(msg.ID),
	}, nil
}

// Edit replaces the content of a previously sent message.
func (s *Sender) Edit(ctx context.Context, ref model.MessageRef, view model.View) error {
	stored := tele.StoredMessage{
		MessageID: ref.MessageID,
		ChatID:    parseChatID(ref.ChannelID),
	}
	if _, err := s.bot.Edit(stored, view.Text, markup(view)); err != nil {
		return translate(err)
	}
	return nil
}

func parseChatID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// markup converts view buttons into an inline keyboard.
func markup(view model.View) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	if len(view.Buttons) == 0 {
		return rm
	}
	rows := make([][]tele.InlineButton, 0, len(view.Buttons))
	for _, row := range view.Buttons {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Label, Data: b.Data})
		}
		rows = append(rows, btns)
	}
	rm.InlineKeyboard = rows
	return rm
}

// translate maps telebot failures onto the delivery queue's error contract:
// flood control becomes a retryable RateLimitedError with the platform's
// hint, and a same-content edit is a harmless no-op.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &delivery.RateLimitedError{
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	if strings.Contains(err.Error(), "message is not modified") {
		return delivery.ErrNoOp
	}
	return err
}
