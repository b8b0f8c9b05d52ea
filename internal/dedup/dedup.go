// Package dedup decides which freshly fetched entries are new relative to a
// feed's cursor of already-recorded entry identifiers.
package dedup

import (
	"sort"

	"github.com/maubot/rss/internal/model"
)

// Cursor is the set of entry identifiers already recorded for a feed.
type Cursor map[string]struct{}

// NewCursor builds a Cursor from a list of entry identifiers.
func NewCursor(ids []string) Cursor {
	c := make(Cursor, len(ids))
	for _, id := range ids {
		c[id] = struct{}{}
	}
	return c
}

// Contains reports whether the identifier is already recorded.
func (c Cursor) Contains(id string) bool {
	_, ok := c[id]
	return ok
}

// Diff returns the entries whose identifier is absent from the cursor,
// sorted by publish date ascending so delivery preserves reading order, and
// the updated cursor (old cursor plus every identifier in this fetch).
//
// Diff itself has no notion of a first fetch: the baseline is established
// when a feed is registered, by recording its current entries before any
// poll. A feed that was empty at registration therefore has an empty cursor,
// and everything it publishes later is new.
func Diff(cur Cursor, entries []model.Entry) ([]model.Entry, Cursor) {
	updated := make(Cursor, len(cur)+len(entries))
	for id := range cur {
		updated[id] = struct{}{}
	}

	var fresh []model.Entry
	for _, e := range entries {
		if !cur.Contains(e.ID) {
			fresh = append(fresh, e)
		}
		updated[e.ID] = struct{}{}
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Date.Before(fresh[j].Date)
	})
	return fresh, updated
}
