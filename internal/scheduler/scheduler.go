// Package scheduler drives the periodic poll cycle: every feed with at
// least one subscriber is fetched exactly once per cycle, new entries are
// computed against the feed's cursor, and each subscription gets its own
// filtered, templated delivery.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maubot/rss/internal/dedup"
	"github.com/maubot/rss/internal/fetcher"
	"github.com/maubot/rss/internal/filter"
	"github.com/maubot/rss/internal/model"
	"github.com/maubot/rss/internal/registry"
	"github.com/maubot/rss/internal/render"
)

// Dispatcher hands a rendered message to the destination transport.
type Dispatcher interface {
	Deliver(ctx context.Context, chatID int64, text string, asNotice bool) error
}

// Scheduler periodically polls subscribed feeds and fans out new entries.
type Scheduler struct {
	reg        *registry.Registry
	fetcher    *fetcher.Fetcher
	dispatcher Dispatcher
	log        *slog.Logger

	tick          time.Duration
	maxConcurrent int
}

// New creates a Scheduler with a 60-minute tick and up to 10 concurrent
// feed fetches.
func New(reg *registry.Registry, f *fetcher.Fetcher, d Dispatcher, log *slog.Logger) *Scheduler {
	return &Scheduler{
		reg:           reg,
		fetcher:       f,
		dispatcher:    d,
		log:           log,
		tick:          60 * time.Minute,
		maxConcurrent: 10,
	}
}

// SetTickInterval overrides the default poll interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetMaxConcurrent overrides the fetch concurrency bound.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n > 0 {
		s.maxConcurrent = n
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled. The
// first cycle runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("polling stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs one cycle. Per-feed pipelines run concurrently under a
// semaphore; all subscribers of one feed share that feed's single fetch.
func (s *Scheduler) pollOnce(ctx context.Context) {
	feeds, err := s.reg.FeedsDue(ctx, time.Now())
	if err != nil {
		s.log.Error("list due feeds", "error", err)
		return
	}
	if len(feeds) == 0 {
		return
	}

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	for _, feed := range feeds {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(feed model.Feed) {
			defer wg.Done()
			defer func() { <-sem }()
			s.pollFeed(ctx, feed)
		}(feed)
	}

	wg.Wait()
}

// pollFeed runs the fetch-and-deliver pipeline for one feed. A fetch
// failure leaves the cursor untouched and only affects this feed.
func (s *Scheduler) pollFeed(ctx context.Context, feed model.Feed) {
	s.reg.LockFeed(feed.ID)
	defer s.reg.UnlockFeed(feed.ID)

	res, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		s.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		if err := s.reg.RecordFetchFailure(ctx, &feed); err != nil {
			s.log.Error("record fetch failure", "feed_id", feed.ID, "error", err)
		}
		return
	}
	if err := s.reg.ClearBackoff(ctx, &feed); err != nil {
		s.log.Error("clear backoff", "feed_id", feed.ID, "error", err)
	}
	if err := s.reg.RefreshMeta(ctx, &feed, res); err != nil {
		s.log.Error("refresh feed meta", "feed_id", feed.ID, "error", err)
	}

	cur, err := s.reg.Cursor(ctx, feed.ID)
	if err != nil {
		s.log.Error("load cursor", "feed_id", feed.ID, "error", err)
		return
	}
	fresh, _ := dedup.Diff(cur, res.Entries)

	if len(fresh) > 0 {
		subs, err := s.reg.Subscribers(ctx, feed.ID)
		if err != nil {
			s.log.Error("list subscribers", "feed_id", feed.ID, "error", err)
			return
		}
		sent := s.deliver(ctx, &feed, fresh, subs)
		s.log.Info("delivered new entries",
			"feed_id", feed.ID, "new_entries", len(fresh), "messages", sent)
	}

	if err := s.reg.CommitCursor(ctx, feed.ID, res.Entries); err != nil {
		s.log.Error("commit cursor", "feed_id", feed.ID, "error", err)
	}
}

// deliver fans one batch of new entries out to the feed's subscriptions,
// entry by entry so each subscriber receives them in chronological order.
// A dispatch failure for one subscriber never blocks the others.
func (s *Scheduler) deliver(ctx context.Context, feed *model.Feed, entries []model.Entry, subs []model.Subscription) int {
	matchers := make([]*filter.Matcher, len(subs))
	for i, sub := range subs {
		m, err := filter.Compile(sub.FilterPattern)
		if err != nil {
			// Stored patterns are validated at set time; treat a
			// corrupt one as match-all rather than going silent.
			s.log.Error("compile stored filter", "feed_id", feed.ID, "chat_id", sub.ChatID, "error", err)
			m = &filter.Matcher{}
		}
		matchers[i] = m
	}

	sent := 0
	for _, e := range entries {
		vars := render.EntryVars(feed, e)
		for i, sub := range subs {
			if !matchers[i].Match(e.Title) {
				continue
			}
			text := render.Render(sub.Template, vars)
			if err := s.dispatcher.Deliver(ctx, sub.ChatID, text, sub.Notice); err != nil {
				s.log.Error("dispatch entry",
					"feed_id", feed.ID, "chat_id", sub.ChatID, "entry_id", e.ID, "error", err)
				continue
			}
			sent++
		}
	}
	return sent
}

// PostAll backfills one subscription: the feed's entire current entry list
// is delivered to the requesting chat in chronological order, bypassing
// the cursor. The cursor itself is not touched, so other subscribers'
// next cycle is unaffected. Returns the number of delivered entries.
func (s *Scheduler) PostAll(ctx context.Context, chatID, feedID int64) (int, error) {
	sub, err := s.reg.Subscription(ctx, chatID, feedID)
	if err != nil {
		return 0, err
	}
	feed, err := s.reg.Feed(ctx, feedID)
	if err != nil {
		return 0, err
	}

	res, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return 0, err
	}

	entries := make([]model.Entry, len(res.Entries))
	copy(entries, res.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.Before(entries[j].Date)
	})

	sent := 0
	for _, e := range entries {
		text := render.Render(sub.Template, render.EntryVars(feed, e))
		if err := s.dispatcher.Deliver(ctx, sub.ChatID, text, sub.Notice); err != nil {
			s.log.Error("dispatch backfill entry",
				"feed_id", feedID, "chat_id", chatID, "entry_id", e.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}
