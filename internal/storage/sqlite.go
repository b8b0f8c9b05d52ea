package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/maubot/rss/internal/model"
	"github.com/maubot/rss/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (url, title, subtitle, link, error_count, next_retry_at, created_at)
		 VALUES (?, ?, ?, ?, 0, NULL, ?)`,
		feed.URL, feed.Title, feed.Subtitle, feed.Link, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.ErrorCount = 0
	feed.NextRetryAt = nil
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, subtitle, link, error_count, next_retry_at, created_at
		 FROM feeds WHERE id = ?`, id,
	)
	return scanFeed(row)
}

// GetFeedByURL returns the feed registered for the given URL.
func (s *SQLite) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, subtitle, link, error_count, next_retry_at, created_at
		 FROM feeds WHERE url = ?`, url,
	)
	return scanFeed(row)
}

// ListFeedsWithSubscribers returns every feed that has at least one
// subscription.
func (s *SQLite) ListFeedsWithSubscribers(ctx context.Context) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT f.id, f.url, f.title, f.subtitle, f.link, f.error_count, f.next_retry_at, f.created_at
		 FROM feeds f JOIN subscriptions s ON s.feed_id = f.id
		 ORDER BY f.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// UpdateFeedMeta persists feed-supplied metadata changes.
func (s *SQLite) UpdateFeedMeta(ctx context.Context, feed *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET title = ?, subtitle = ?, link = ? WHERE id = ?`,
		feed.Title, feed.Subtitle, feed.Link, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed meta: %w", err)
	}
	return nil
}

// SetFeedBackoff records the fetch failure state of a feed. A nil
// nextRetryAt clears the backoff.
func (s *SQLite) SetFeedBackoff(ctx context.Context, feedID int64, errorCount int, nextRetryAt *time.Time) error {
	var retry *string
	if nextRetryAt != nil {
		v := nextRetryAt.UTC().Format(timeLayout)
		retry = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET error_count = ?, next_retry_at = ? WHERE id = ?`,
		errorCount, retry, feedID,
	)
	if err != nil {
		return fmt.Errorf("set feed backoff: %w", err)
	}
	return nil
}

// UpsertSubscription inserts a subscription for the (feed, chat) pair.
// An existing subscription is left untouched: re-subscribing is idempotent
// and never resets the notice, template, or filter the user configured.
func (s *SQLite) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (feed_id, chat_id, notice, template, filter_pattern, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_id, chat_id) DO NOTHING`,
		sub.FeedID, sub.ChatID, boolToInt(sub.Notice), sub.Template, sub.FilterPattern, now,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the subscription for a (feed, chat) pair.
// Returns model.ErrNotFound when none exists.
func (s *SQLite) GetSubscription(ctx context.Context, feedID, chatID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT feed_id, chat_id, notice, template, filter_pattern, created_at
		 FROM subscriptions WHERE feed_id = ? AND chat_id = ?`,
		feedID, chatID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return sub, err
}

// ListSubscriptionsByChat returns all subscriptions of one chat.
func (s *SQLite) ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_id, chat_id, notice, template, filter_pattern, created_at
		 FROM subscriptions WHERE chat_id = ? ORDER BY feed_id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// ListSubscriptionsByFeed returns all subscriptions on one feed.
func (s *SQLite) ListSubscriptionsByFeed(ctx context.Context, feedID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_id, chat_id, notice, template, filter_pattern, created_at
		 FROM subscriptions WHERE feed_id = ? ORDER BY chat_id`, feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// UpdateSubscription persists configuration changes of an existing
// subscription. Returns model.ErrNotFound when the subscription is gone.
func (s *SQLite) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET notice = ?, template = ?, filter_pattern = ?
		 WHERE feed_id = ? AND chat_id = ?`,
		boolToInt(sub.Notice), sub.Template, sub.FilterPattern, sub.FeedID, sub.ChatID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription. When the last subscriber of a
// feed leaves, the feed record and its cursor are removed in the same
// transaction.
func (s *SQLite) DeleteSubscription(ctx context.Context, feedID, chatID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE feed_id = ? AND chat_id = ?`, feedID, chatID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, model.ErrNotFound
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE feed_id = ?`, feedID,
	).Scan(&remaining); err != nil {
		return false, fmt.Errorf("count subscriptions: %w", err)
	}

	feedRemoved := remaining == 0
	if feedRemoved {
		if _, err := tx.ExecContext(ctx, `DELETE FROM seen_entries WHERE feed_id = ?`, feedID); err != nil {
			return false, fmt.Errorf("delete seen entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, feedID); err != nil {
			return false, fmt.Errorf("delete feed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return feedRemoved, nil
}

// UpdateChatID points all subscriptions of one chat at a new chat ID.
// Used when the transport migrates a destination.
func (s *SQLite) UpdateChatID(ctx context.Context, oldChatID, newChatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET chat_id = ? WHERE chat_id = ?`, newChatID, oldChatID)
	if err != nil {
		return fmt.Errorf("update chat id: %w", err)
	}
	return nil
}

// SeenIDs returns the cursor of a feed: every recorded entry identifier.
func (s *SQLite) SeenIDs(ctx context.Context, feedID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id FROM seen_entries WHERE feed_id = ?`, feedID)
	if err != nil {
		return nil, fmt.Errorf("query seen entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordSeen records the identifiers of a fetch in the feed's cursor and
// prunes the cursor to the keep most recently recorded identifiers. The
// whole update is one transaction so a cancelled cycle never leaves a
// partial cursor. Identifiers still present in the feed get their recorded
// timestamp refreshed, which keeps them out of pruning range.
func (s *SQLite) RecordSeen(ctx context.Context, feedID int64, entries []model.Entry, keep int) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seen_entries (feed_id, entry_id, published_at, recorded_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(feed_id, entry_id) DO UPDATE SET recorded_at = excluded.recorded_at`,
			feedID, e.ID, e.Date.UTC().Format(timeLayout), now,
		); err != nil {
			return fmt.Errorf("record seen %q: %w", e.ID, err)
		}
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM seen_entries WHERE feed_id = ? AND entry_id NOT IN (
			   SELECT entry_id FROM seen_entries WHERE feed_id = ?
			   ORDER BY recorded_at DESC, published_at DESC LIMIT ?)`,
			feedID, feedID, keep,
		); err != nil {
			return fmt.Errorf("prune seen entries: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var nextRetry, created sql.NullString
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Subtitle, &f.Link, &f.ErrorCount, &nextRetry, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	if nextRetry.Valid {
		t, _ := time.Parse(timeLayout, nextRetry.String)
		f.NextRetryAt = &t
	}
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var notice int
	var created sql.NullString
	err := row.Scan(&sub.FeedID, &sub.ChatID, &notice, &sub.Template, &sub.FilterPattern, &created)
	if err != nil {
		return nil, err
	}
	sub.Notice = notice == 1
	if created.Valid {
		sub.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
