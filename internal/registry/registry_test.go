package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/maubot/rss/internal/fetcher"
	"github.com/maubot/rss/internal/model"
	"github.com/maubot/rss/internal/storage"
)

const testTemplate = "New post in $feed_title: [$title]($link)"

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Blog</title>
<description>test</description>
<link>https://blog.example.com</link>
<item><title>Post two</title><link>https://blog.example.com/2</link><guid>e2</guid><pubDate>Thu, 02 Jan 2025 00:00:00 +0000</pubDate></item>
<item><title>Post one</title><link>https://blog.example.com/1</link><guid>e1</guid><pubDate>Wed, 01 Jan 2025 00:00:00 +0000</pubDate></item>
</channel></rss>`

type mockTransport struct {
	mu         sync.Mutex
	body       string
	statusCode int
	calls      int
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(strings.NewReader(m.body)),
	}, nil
}

func (m *mockTransport) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestRegistry(t *testing.T, transport *mockTransport) (*Registry, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, fetcher.New(transport), testTemplate, log), store
}

func TestSubscribeCreatesFeedWithBaseline(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, store := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if feed.Title != "Example Blog" {
		t.Errorf("feed title = %q, want %q", feed.Title, "Example Blog")
	}

	// The current entry list became the baseline cursor.
	ids, err := store.SeenIDs(ctx, feed.ID)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("baseline cursor has %d ids, want 2", len(ids))
	}

	sub, err := reg.Subscription(ctx, 100, feed.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	want := &model.Subscription{
		FeedID:   feed.ID,
		ChatID:   100,
		Notice:   true,
		Template: testTemplate,
	}
	if diff := cmp.Diff(want, sub, cmp.Comparer(func(a, b time.Time) bool { return true })); diff != "" {
		t.Errorf("subscription mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeSurfacesFetchError(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: "gone", statusCode: 404}
	reg, _ := newTestRegistry(t, transport)

	_, err := reg.Subscribe(ctx, 100, "https://dead.example.com/rss")
	var fe *model.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *model.FetchError, got %v", err)
	}
}

func TestSecondSubscriberReusesFeed(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	first, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	fetches := transport.callCount()

	second, err := reg.Subscribe(ctx, 200, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("second subscriber got feed %d, want shared feed %d", second.ID, first.ID)
	}
	if got := transport.callCount(); got != fetches {
		t.Errorf("subscribing to a known feed fetched it again (%d -> %d calls)", fetches, got)
	}
}

func TestSetFilterRejectsInvalidPattern(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := reg.SetFilter(ctx, 100, feed.ID, "(?i)release"); err != nil {
		t.Fatalf("set valid filter: %v", err)
	}

	err = reg.SetFilter(ctx, 100, feed.ID, "(")
	if !errors.Is(err, model.ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}

	// The previously stored filter is untouched.
	sub, err := reg.Subscription(ctx, 100, feed.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.FilterPattern != "(?i)release" {
		t.Errorf("filter after rejected update = %q, want %q", sub.FilterPattern, "(?i)release")
	}

	// Empty pattern clears the filter.
	if err := reg.SetFilter(ctx, 100, feed.ID, ""); err != nil {
		t.Fatalf("clear filter: %v", err)
	}
	sub, err = reg.Subscription(ctx, 100, feed.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.FilterPattern != "" {
		t.Errorf("filter not cleared, got %q", sub.FilterPattern)
	}
}

func TestSetTemplateEmptyRestoresDefault(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := reg.SetTemplate(ctx, 100, feed.ID, "$title only"); err != nil {
		t.Fatalf("set template: %v", err)
	}
	sub, _ := reg.Subscription(ctx, 100, feed.ID)
	if sub.Template != "$title only" {
		t.Errorf("template = %q, want %q", sub.Template, "$title only")
	}

	if err := reg.SetTemplate(ctx, 100, feed.ID, ""); err != nil {
		t.Fatalf("reset template: %v", err)
	}
	sub, _ = reg.Subscription(ctx, 100, feed.ID)
	if sub.Template != testTemplate {
		t.Errorf("template = %q, want default %q", sub.Template, testTemplate)
	}
}

func TestConfigOpsOnMissingSubscription(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := reg.SetNotice(ctx, 999, feed.ID, false); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetNotice: expected ErrNotFound, got %v", err)
	}
	if err := reg.SetTemplate(ctx, 999, feed.ID, "$title"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetTemplate: expected ErrNotFound, got %v", err)
	}
	if err := reg.SetFilter(ctx, 999, feed.ID, "x"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetFilter: expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Unsubscribe(ctx, 999, feed.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Unsubscribe: expected ErrNotFound, got %v", err)
	}
}

func TestUnsubscribeLastRemovesFeedFromPolling(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := reg.Unsubscribe(ctx, 100, feed.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	due, err := reg.FeedsDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("feeds due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("removed feed still due for polling: %v", due)
	}
	if _, err := reg.Feed(ctx, feed.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected feed record gone, got %v", err)
	}
}

func TestBackoffLifecycle(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := reg.RecordFetchFailure(ctx, feed); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if feed.ErrorCount != 1 || feed.NextRetryAt == nil {
		t.Fatalf("backoff not recorded: count=%d retry=%v", feed.ErrorCount, feed.NextRetryAt)
	}

	due, err := reg.FeedsDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("feeds due: %v", err)
	}
	if len(due) != 0 {
		t.Error("feed in backoff still listed as due")
	}

	// Past the retry time the feed is due again.
	due, err = reg.FeedsDue(ctx, feed.NextRetryAt.Add(time.Second))
	if err != nil {
		t.Fatalf("feeds due: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("feed past retry time not due: %v", due)
	}

	if err := reg.ClearBackoff(ctx, feed); err != nil {
		t.Fatalf("clear backoff: %v", err)
	}
	if feed.ErrorCount != 0 || feed.NextRetryAt != nil {
		t.Errorf("backoff not cleared: count=%d retry=%v", feed.ErrorCount, feed.NextRetryAt)
	}
}

func TestBackoffDoubles(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var prev time.Duration
	for i := 0; i < 8; i++ {
		if err := reg.RecordFetchFailure(ctx, feed); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		delay := time.Until(*feed.NextRetryAt)
		if delay < prev {
			t.Errorf("failure %d: delay %v shrank below %v", i, delay, prev)
		}
		if delay > maxBackoff+time.Minute {
			t.Errorf("failure %d: delay %v exceeds cap %v", i, delay, maxBackoff)
		}
		prev = delay - time.Minute // slack for wall-clock drift
	}
}

func TestMigrateChat(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := reg.MigrateChat(ctx, 100, 7700); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := reg.Subscription(ctx, 7700, feed.ID); err != nil {
		t.Errorf("subscription missing after migration: %v", err)
	}
	if _, err := reg.Subscription(ctx, 100, feed.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("old chat id still present: %v", err)
	}
}

func TestResubscribeKeepsSubscriptionSettings(t *testing.T) {
	ctx := context.Background()
	transport := &mockTransport{body: sampleXML, statusCode: 200}
	reg, _ := newTestRegistry(t, transport)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := reg.SetNotice(ctx, 100, feed.ID, false); err != nil {
		t.Fatalf("set notice: %v", err)
	}
	if err := reg.SetTemplate(ctx, 100, feed.ID, "$title only"); err != nil {
		t.Fatalf("set template: %v", err)
	}
	if err := reg.SetFilter(ctx, 100, feed.ID, "(?i)release"); err != nil {
		t.Fatalf("set filter: %v", err)
	}

	if _, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss"); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	sub, err := reg.Subscription(ctx, 100, feed.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	want := &model.Subscription{
		FeedID:        feed.ID,
		ChatID:        100,
		Notice:        false,
		Template:      "$title only",
		FilterPattern: "(?i)release",
	}
	if diff := cmp.Diff(want, sub, cmp.Comparer(func(a, b time.Time) bool { return true })); diff != "" {
		t.Errorf("settings reset by re-subscribe (-want +got):\n%s", diff)
	}
}

// racingTransport registers the feed URL through the store while the
// fetch is in flight, so the caller's own insert hits a unique conflict.
type racingTransport struct {
	inner *mockTransport
	store *storage.SQLite
	once  sync.Once
}

func (r *racingTransport) Do(req *http.Request) (*http.Response, error) {
	r.once.Do(func() {
		feed := &model.Feed{URL: req.URL.String(), Title: "Raced"}
		_ = r.store.CreateFeed(context.Background(), feed)
	})
	return r.inner.Do(req)
}

func TestSubscribeLosingInsertRaceUsesExistingFeed(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	transport := &racingTransport{
		inner: &mockTransport{body: sampleXML, statusCode: 200},
		store: store,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := New(store, fetcher.New(transport), testTemplate, log)

	feed, err := reg.Subscribe(ctx, 100, "https://blog.example.com/rss")
	if err != nil {
		t.Fatalf("subscribe after losing the insert race: %v", err)
	}
	if feed.Title != "Raced" {
		t.Errorf("feed title = %q, want the concurrently registered feed", feed.Title)
	}
	if _, err := reg.Subscription(ctx, 100, feed.ID); err != nil {
		t.Errorf("subscription missing after race recovery: %v", err)
	}
}
