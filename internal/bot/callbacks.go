package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/maubot/rss/internal/registry"
)

const (
	cmdUnsubscribe = "unsubscribe"
	cmdPostAll     = "postall"
)

// subscriptionKeyboard attaches per-feed action buttons to the
// /subscriptions reply. Unsubscribe goes through a confirmation step.
func subscriptionKeyboard(views []registry.SubscriptionView) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(views))
	for _, v := range views {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Unsubscribe #%d", v.Feed.ID),
				fmt.Sprintf("unsubscribe_confirm:%d", v.Feed.ID)),
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Post all #%d", v.Feed.ID),
				fmt.Sprintf("%s:%d", cmdPostAll, v.Feed.ID)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}

	action := parts[0]
	idStr := parts[1]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case "unsubscribe_confirm":
		feed, err := b.reg.Feed(ctx, id)
		if err != nil {
			b.replySubError(chatID, id, err)
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Unsubscribe from #%d \"%s\"?", id, feed.Title))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, unsubscribe", fmt.Sprintf("%s:%d", cmdUnsubscribe, id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send unsubscribe confirmation", "error", err)
		}
	case cmdUnsubscribe:
		b.handleUnsubscribe(ctx, chatID, idStr)
	case cmdPostAll:
		b.handlePostAll(ctx, chatID, idStr)
	}
}
