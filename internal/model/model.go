// Package model defines the domain types used across the application.
package model

import "time"

// Feed represents a syndication source shared by one or more subscriptions.
// One Feed record exists per distinct subscribed URL.
type Feed struct {
	ID          int64
	URL         string
	Title       string
	Subtitle    string
	Link        string
	ErrorCount  int
	NextRetryAt *time.Time
	CreatedAt   time.Time
}

// Entry is a single item produced by a feed fetch. Entries are ephemeral;
// only their identifiers persist, via the feed's cursor.
type Entry struct {
	FeedID  int64
	ID      string
	Date    time.Time
	Title   string
	Summary string
	Link    string
}

// Subscription binds a feed to a chat with its own delivery configuration.
// A chat subscribes to a feed at most once; re-subscribing updates the
// existing record.
type Subscription struct {
	FeedID        int64
	ChatID        int64
	Notice        bool
	Template      string
	FilterPattern string
	CreatedAt     time.Time
}
