// Package registry owns all subscription state: the feed -> subscribers
// mapping, per-subscription configuration, and the per-feed cursor. Every
// mutation goes through here, serialized per feed so a poll cycle never
// races a subscribe, unsubscribe, or config change on the same feed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maubot/rss/internal/dedup"
	"github.com/maubot/rss/internal/fetcher"
	"github.com/maubot/rss/internal/filter"
	"github.com/maubot/rss/internal/model"
	"github.com/maubot/rss/internal/storage"
)

// cursorRetention bounds per-feed cursor growth: only this many identifiers
// are kept, newest recorded first. Entries still listed by the feed get
// their timestamp refreshed on every fetch, so they are never pruned while
// the feed still serves them.
const cursorRetention = 500

// Fetch failure backoff bounds.
const (
	initialBackoff = 30 * time.Minute
	maxBackoff     = 12 * time.Hour
)

// SubscriptionView pairs a subscription with its feed for listings.
type SubscriptionView struct {
	Feed model.Feed
	Sub  model.Subscription
}

// Registry is the single owner of subscription state.
type Registry struct {
	store           storage.Storage
	fetcher         *fetcher.Fetcher
	defaultTemplate string
	log             *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Registry on top of the given storage.
func New(store storage.Storage, f *fetcher.Fetcher, defaultTemplate string, log *slog.Logger) *Registry {
	return &Registry{
		store:           store,
		fetcher:         f,
		defaultTemplate: defaultTemplate,
		log:             log,
		locks:           make(map[int64]*sync.Mutex),
	}
}

// LockFeed serializes access to one feed's subscriber set and cursor.
// Held by the scheduler for the whole fetch-and-deliver pipeline of a feed
// and by every registry mutation touching that feed.
func (r *Registry) LockFeed(feedID int64) {
	r.feedLock(feedID).Lock()
}

// UnlockFeed releases the per-feed lock.
func (r *Registry) UnlockFeed(feedID int64) {
	r.feedLock(feedID).Unlock()
}

func (r *Registry) feedLock(feedID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[feedID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[feedID] = l
	}
	return l
}

// Subscribe registers a chat on a feed URL. The URL is fetched and parsed
// synchronously; a *model.FetchError surfaces to the caller. The first
// subscription to a URL creates the feed record and records the current
// entry list as the cursor baseline, so pre-existing history is never
// delivered. Re-subscribing is idempotent.
func (r *Registry) Subscribe(ctx context.Context, chatID int64, url string) (*model.Feed, error) {
	feed, err := r.store.GetFeedByURL(ctx, url)
	switch {
	case errors.Is(err, model.ErrNotFound):
		feed, err = r.createFeed(ctx, url)
		if err != nil {
			// A concurrent subscribe may have registered the URL between
			// the lookup and the insert; their feed serves this chat too.
			existing, lookupErr := r.store.GetFeedByURL(ctx, url)
			if lookupErr != nil {
				return nil, err
			}
			feed = existing
		}
	case err != nil:
		return nil, fmt.Errorf("look up feed: %w", err)
	}

	r.LockFeed(feed.ID)
	defer r.UnlockFeed(feed.ID)

	sub := &model.Subscription{
		FeedID:   feed.ID,
		ChatID:   chatID,
		Notice:   true,
		Template: r.defaultTemplate,
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return feed, nil
}

func (r *Registry) createFeed(ctx context.Context, url string) (*model.Feed, error) {
	res, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	feed := &model.Feed{
		URL:      url,
		Title:    res.Title,
		Subtitle: res.Subtitle,
		Link:     res.Link,
	}
	if feed.Title == "" {
		feed.Title = url
	}
	if err := r.store.CreateFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}

	// Baseline: everything currently in the feed counts as already seen.
	if err := r.store.RecordSeen(ctx, feed.ID, res.Entries, cursorRetention); err != nil {
		return nil, fmt.Errorf("record baseline: %w", err)
	}

	r.log.Info("feed registered", "feed_id", feed.ID, "url", url, "baseline_entries", len(res.Entries))
	return feed, nil
}

// Unsubscribe removes a chat's subscription. The feed record and cursor go
// away with the last subscriber. Returns the feed for caller-side replies.
func (r *Registry) Unsubscribe(ctx context.Context, chatID, feedID int64) (*model.Feed, error) {
	feed, err := r.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	r.LockFeed(feedID)
	defer r.UnlockFeed(feedID)

	feedRemoved, err := r.store.DeleteSubscription(ctx, feedID, chatID)
	if err != nil {
		return nil, err
	}
	if feedRemoved {
		r.log.Info("feed removed with last subscriber", "feed_id", feedID, "url", feed.URL)
	}
	return feed, nil
}

// Subscriptions lists a chat's subscriptions with their feed metadata.
func (r *Registry) Subscriptions(ctx context.Context, chatID int64) ([]SubscriptionView, error) {
	subs, err := r.store.ListSubscriptionsByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		feed, err := r.store.GetFeed(ctx, sub.FeedID)
		if err != nil {
			return nil, fmt.Errorf("feed %d: %w", sub.FeedID, err)
		}
		views = append(views, SubscriptionView{Feed: *feed, Sub: sub})
	}
	return views, nil
}

// Subscription returns one subscription of a chat, or model.ErrNotFound.
func (r *Registry) Subscription(ctx context.Context, chatID, feedID int64) (*model.Subscription, error) {
	return r.store.GetSubscription(ctx, feedID, chatID)
}

// Feed returns a feed by ID, or model.ErrNotFound.
func (r *Registry) Feed(ctx context.Context, feedID int64) (*model.Feed, error) {
	return r.store.GetFeed(ctx, feedID)
}

// SetNotice flips the notice flag of a subscription.
func (r *Registry) SetNotice(ctx context.Context, chatID, feedID int64, notice bool) error {
	return r.updateSub(ctx, chatID, feedID, func(sub *model.Subscription) {
		sub.Notice = notice
	})
}

// SetTemplate replaces the notification template of a subscription.
func (r *Registry) SetTemplate(ctx context.Context, chatID, feedID int64, template string) error {
	if template == "" {
		template = r.defaultTemplate
	}
	return r.updateSub(ctx, chatID, feedID, func(sub *model.Subscription) {
		sub.Template = template
	})
}

// SetFilter sets or clears (empty pattern) the title filter of a
// subscription. An uncompilable pattern is rejected with
// model.ErrInvalidFilter before any state changes.
func (r *Registry) SetFilter(ctx context.Context, chatID, feedID int64, pattern string) error {
	if err := filter.Validate(pattern); err != nil {
		return err
	}
	return r.updateSub(ctx, chatID, feedID, func(sub *model.Subscription) {
		sub.FilterPattern = pattern
	})
}

func (r *Registry) updateSub(ctx context.Context, chatID, feedID int64, apply func(*model.Subscription)) error {
	r.LockFeed(feedID)
	defer r.UnlockFeed(feedID)

	sub, err := r.store.GetSubscription(ctx, feedID, chatID)
	if err != nil {
		return err
	}
	apply(sub)
	return r.store.UpdateSubscription(ctx, sub)
}

// MigrateChat rewrites a destination identifier across all subscriptions.
func (r *Registry) MigrateChat(ctx context.Context, oldChatID, newChatID int64) error {
	return r.store.UpdateChatID(ctx, oldChatID, newChatID)
}

// FeedsDue returns every feed with at least one subscriber that is not in
// fetch-failure backoff at the given instant.
func (r *Registry) FeedsDue(ctx context.Context, now time.Time) ([]model.Feed, error) {
	feeds, err := r.store.ListFeedsWithSubscribers(ctx)
	if err != nil {
		return nil, err
	}
	due := feeds[:0]
	for _, f := range feeds {
		if f.NextRetryAt == nil || !f.NextRetryAt.After(now) {
			due = append(due, f)
		}
	}
	return due, nil
}

// Subscribers returns all subscriptions on a feed.
func (r *Registry) Subscribers(ctx context.Context, feedID int64) ([]model.Subscription, error) {
	return r.store.ListSubscriptionsByFeed(ctx, feedID)
}

// Cursor loads the feed's cursor of already-recorded entry identifiers.
func (r *Registry) Cursor(ctx context.Context, feedID int64) (dedup.Cursor, error) {
	ids, err := r.store.SeenIDs(ctx, feedID)
	if err != nil {
		return nil, err
	}
	return dedup.NewCursor(ids), nil
}

// CommitCursor records all identifiers of a successful fetch atomically.
// Called once per feed per cycle, after delivery, under the feed lock.
func (r *Registry) CommitCursor(ctx context.Context, feedID int64, entries []model.Entry) error {
	return r.store.RecordSeen(ctx, feedID, entries, cursorRetention)
}

// RefreshMeta persists feed-supplied metadata when it changed.
func (r *Registry) RefreshMeta(ctx context.Context, feed *model.Feed, res *fetcher.Result) error {
	if res.Title == "" || (feed.Title == res.Title && feed.Subtitle == res.Subtitle && feed.Link == res.Link) {
		return nil
	}
	feed.Title = res.Title
	feed.Subtitle = res.Subtitle
	feed.Link = res.Link
	return r.store.UpdateFeedMeta(ctx, feed)
}

// RecordFetchFailure bumps the feed's error count and schedules the next
// retry with exponential backoff: 30 minutes doubling up to 12 hours.
func (r *Registry) RecordFetchFailure(ctx context.Context, feed *model.Feed) error {
	count := feed.ErrorCount + 1
	delay := initialBackoff
	for i := 1; i < count && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	retry := time.Now().UTC().Add(delay)
	feed.ErrorCount = count
	feed.NextRetryAt = &retry
	return r.store.SetFeedBackoff(ctx, feed.ID, count, &retry)
}

// ClearBackoff resets the failure state after a successful fetch.
func (r *Registry) ClearBackoff(ctx context.Context, feed *model.Feed) error {
	if feed.ErrorCount == 0 && feed.NextRetryAt == nil {
		return nil
	}
	feed.ErrorCount = 0
	feed.NextRetryAt = nil
	return r.store.SetFeedBackoff(ctx, feed.ID, 0, nil)
}
