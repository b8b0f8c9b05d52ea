package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/maubot/rss/internal/config"
	"github.com/maubot/rss/internal/registry"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Backfiller re-posts the full current entry list of a feed to one
// subscriber, outside the regular polling cycle.
type Backfiller interface {
	PostAll(ctx context.Context, chatID, feedID int64) (int, error)
}

// Bot is the Telegram frontend: it handles user commands and delivers
// feed notifications produced by the scheduler.
type Bot struct {
	api      telegramAPI
	reg      *registry.Registry
	backfill Backfiller
	cfg      *config.Config
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token, registry, and config.
func New(token string, reg *registry.Registry, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:     api,
		reg:     reg,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
		log:     log,
	}, nil
}

// SetBackfiller wires the /postall command to the scheduler. The scheduler
// itself depends on the bot for delivery, so this is set after both exist.
func (b *Bot) SetBackfiller(bf Backfiller) {
	b.backfill = bf
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil {
				continue
			}
			if update.Message.MigrateToChatID != 0 {
				b.handleChatMigration(ctx, update.Message.Chat.ID, update.Message.MigrateToChatID)
				continue
			}
			if !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Deliver sends one rendered notification to a chat. It is the delivery
// side of the scheduler's fan-out: messages go out Markdown-formatted
// with link previews off, and asNotice suppresses the client-side ping.
// Sends are rate limited across all chats.
func (b *Bot) Deliver(ctx context.Context, chatID int64, text string, asNotice bool) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	msg.DisableNotification = asNotice
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send to chat %d: %w", chatID, err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleChatMigration(ctx context.Context, oldID, newID int64) {
	if err := b.reg.MigrateChat(ctx, oldID, newID); err != nil {
		b.log.Error("migrate chat", "old_chat_id", oldID, "new_chat_id", newID, "error", err)
		return
	}
	b.log.Info("chat migrated", "old_chat_id", oldID, "new_chat_id", newID)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "subscribe":
		b.handleSubscribe(ctx, chatID, args)
	case cmdUnsubscribe:
		b.handleUnsubscribe(ctx, chatID, args)
	case "subscriptions":
		b.handleSubscriptions(ctx, chatID)
	case "notice":
		b.handleNotice(ctx, chatID, args)
	case "template":
		b.handleTemplate(ctx, chatID, args)
	case "filter":
		b.handleFilter(ctx, chatID, args)
	case cmdPostAll:
		b.handlePostAll(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
