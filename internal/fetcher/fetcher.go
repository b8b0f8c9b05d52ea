// Package fetcher handles feed downloading and parsing into normalized entries.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/maubot/rss/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result holds the normalized outcome of one feed fetch: the feed-supplied
// metadata and the entry list in feed-native order.
type Result struct {
	Title    string
	Subtitle string
	Link     string
	Entries  []model.Entry
}

// Fetcher downloads and parses RSS/Atom feeds. Request timeouts are the
// HTTP client's responsibility.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses the feed at url. All failures (network, HTTP
// status, unparsable body) are reported as *model.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.FetchError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", "rssbot/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &model.FetchError{URL: url, Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &model.FetchError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, &model.FetchError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, &model.FetchError{URL: url, Err: fmt.Errorf("parse feed: %w", err)}
	}

	return &Result{
		Title:    feed.Title,
		Subtitle: feed.Description,
		Link:     feed.Link,
		Entries:  normalize(feed.Items),
	}, nil
}

func normalize(items []*gofeed.Item) []model.Entry {
	entries := make([]model.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, model.Entry{
			ID:      EntryID(item),
			Date:    entryDate(item),
			Title:   item.Title,
			Summary: item.Description,
			Link:    item.Link,
		})
	}
	return entries
}

// EntryID returns the stable identifier for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func EntryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func entryDate(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Now().UTC()
}
