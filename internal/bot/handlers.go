package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/maubot/rss/internal/model"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to RSS Bot!

Subscribe to RSS and Atom feeds and get new posts in this chat.

Quick start:
1. /subscribe <url> — subscribe this chat to a feed
2. /subscriptions — list your subscriptions
3. /filter <id> <regex> — only post entries whose title matches

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscriptions:
/subscribe <url> — subscribe this chat to a feed
/unsubscribe <id> — remove a subscription
/subscriptions — list subscriptions in this chat

Per-subscription settings:
/notice <id> on|off — silent delivery on or off
/template <id> [template] — set the message template, or show it with a preview
/filter <id> [regex] — only deliver entries whose title matches (empty clears)
/postall <id> — re-post every entry currently in the feed

Template placeholders: $feed_url, $feed_title, $feed_subtitle, $feed_link,
$id, $date, $title, $summary, $link`)
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /subscribe <url>")
		return
	}

	feed, err := b.reg.Subscribe(ctx, chatID, args)
	if err != nil {
		var fe *model.FetchError
		if errors.As(err, &fe) {
			b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", fe.Err))
			return
		}
		b.reply(chatID, fmt.Sprintf("Failed to subscribe: %v", err))
		return
	}

	title := feed.Title
	if title == "" {
		title = feed.URL
	}
	b.reply(chatID, fmt.Sprintf("Subscribed to #%d \"%s\".\nNew entries will be posted here. Use /template %d and /filter %d to customize.",
		feed.ID, title, feed.ID, feed.ID))
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe <id>")
		return
	}

	feed, err := b.reg.Unsubscribe(ctx, chatID, id)
	if err != nil {
		b.replySubError(chatID, id, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from #%d \"%s\".", feed.ID, feed.Title))
}

func (b *Bot) handleSubscriptions(ctx context.Context, chatID int64) {
	views, err := b.reg.Subscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(views))
	msg.DisableWebPagePreview = true
	if len(views) > 0 {
		msg.ReplyMarkup = subscriptionKeyboard(views)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send subscription list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleNotice(ctx context.Context, chatID int64, args string) {
	id, on, err := ParseToggleArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /notice <id> on|off")
		return
	}

	if err := b.reg.SetNotice(ctx, chatID, id, on); err != nil {
		b.replySubError(chatID, id, err)
		return
	}
	if on {
		b.reply(chatID, fmt.Sprintf("Subscription #%d now delivers silently.", id))
	} else {
		b.reply(chatID, fmt.Sprintf("Subscription #%d now delivers with notifications.", id))
	}
}

func (b *Bot) handleTemplate(ctx context.Context, chatID int64, args string) {
	id, tmpl, err := ParseIDRest(args)
	if err != nil {
		b.reply(chatID, "Usage: /template <id> [template]")
		return
	}

	if tmpl == "" {
		sub, err := b.reg.Subscription(ctx, chatID, id)
		if err != nil {
			b.replySubError(chatID, id, err)
			return
		}
		feed, err := b.reg.Feed(ctx, id)
		if err != nil {
			b.replySubError(chatID, id, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Template for #%d:\n%s\n\nPreview:\n%s",
			id, sub.Template, RenderSample(sub.Template, feed)))
		return
	}

	if err := b.reg.SetTemplate(ctx, chatID, id, tmpl); err != nil {
		b.replySubError(chatID, id, err)
		return
	}
	feed, err := b.reg.Feed(ctx, id)
	if err != nil {
		b.replySubError(chatID, id, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Template for #%d updated.\nPreview:\n%s",
		id, RenderSample(tmpl, feed)))
}

func (b *Bot) handleFilter(ctx context.Context, chatID int64, args string) {
	id, pattern, err := ParseIDRest(args)
	if err != nil {
		b.reply(chatID, "Usage: /filter <id> [regex]")
		return
	}

	if pattern == "" {
		if err := b.reg.SetFilter(ctx, chatID, id, ""); err != nil {
			b.replySubError(chatID, id, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Filter on #%d cleared, every entry will be delivered.", id))
		return
	}

	if err := b.reg.SetFilter(ctx, chatID, id, pattern); err != nil {
		if errors.Is(err, model.ErrInvalidFilter) {
			b.reply(chatID, fmt.Sprintf("Invalid filter: %v", err))
			return
		}
		b.replySubError(chatID, id, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter on #%d set to: %s", id, pattern))
}

func (b *Bot) handlePostAll(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /postall <id>")
		return
	}
	if b.backfill == nil {
		b.reply(chatID, "Backfill is not available right now.")
		return
	}

	n, err := b.backfill.PostAll(ctx, chatID, id)
	if err != nil {
		var fe *model.FetchError
		if errors.As(err, &fe) {
			b.reply(chatID, fmt.Sprintf("Failed to fetch feed: %v", fe.Err))
			return
		}
		b.replySubError(chatID, id, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Re-posted %d entries from #%d.", n, id))
}

// replySubError maps registry errors to user-facing replies.
func (b *Bot) replySubError(chatID, feedID int64, err error) {
	if errors.Is(err, model.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Subscription #%d not found in this chat.", feedID))
		return
	}
	b.reply(chatID, fmt.Sprintf("Error: %v", err))
}
