// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/maubot/rss/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	ListFeedsWithSubscribers(ctx context.Context) ([]model.Feed, error)
	UpdateFeedMeta(ctx context.Context, feed *model.Feed) error
	SetFeedBackoff(ctx context.Context, feedID int64, errorCount int, nextRetryAt *time.Time) error

	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, feedID, chatID int64) (*model.Subscription, error)
	ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error)
	ListSubscriptionsByFeed(ctx context.Context, feedID int64) ([]model.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	// DeleteSubscription removes a subscription and reports whether the feed
	// record was removed along with it (last subscriber gone).
	DeleteSubscription(ctx context.Context, feedID, chatID int64) (feedRemoved bool, err error)
	UpdateChatID(ctx context.Context, oldChatID, newChatID int64) error

	SeenIDs(ctx context.Context, feedID int64) ([]string, error)
	// RecordSeen records entry identifiers in the feed's cursor and prunes
	// it to the keep most recently recorded identifiers, atomically.
	RecordSeen(ctx context.Context, feedID int64, entries []model.Entry, keep int) error

	Close() error
}
