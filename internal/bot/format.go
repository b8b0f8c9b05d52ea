package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/maubot/rss/internal/model"
	"github.com/maubot/rss/internal/registry"
	"github.com/maubot/rss/internal/render"
)

// FormatSubscriptionList formats a chat's subscriptions for display.
func FormatSubscriptionList(views []registry.SubscriptionView) string {
	if len(views) == 0 {
		return "No subscriptions in this chat. Use /subscribe <url> to add one."
	}

	var b strings.Builder
	b.WriteString("Subscriptions in this chat:\n")
	for _, v := range views {
		title := v.Feed.Title
		if title == "" {
			title = v.Feed.URL
		}
		fmt.Fprintf(&b, "\n#%d %s\n", v.Feed.ID, title)
		fmt.Fprintf(&b, "   %s\n", v.Feed.URL)

		mode := "with notifications"
		if v.Sub.Notice {
			mode = "silent"
		}
		fmt.Fprintf(&b, "   delivery: %s", mode)
		if v.Sub.FilterPattern != "" {
			fmt.Fprintf(&b, ", filter: %s", v.Sub.FilterPattern)
		}
		b.WriteString("\n")
		if v.Feed.ErrorCount > 0 && v.Feed.NextRetryAt != nil {
			fmt.Fprintf(&b, "   fetch failing (%d in a row), next retry %s\n",
				v.Feed.ErrorCount, v.Feed.NextRetryAt.Format("2006-01-02 15:04 UTC"))
		}
	}
	return b.String()
}

// RenderSample renders a template against a made-up entry so users can
// preview the result before any real entry arrives.
func RenderSample(tmpl string, feed *model.Feed) string {
	sample := model.Entry{
		FeedID:  feed.ID,
		ID:      "sample",
		Date:    time.Now().UTC(),
		Title:   "An example entry",
		Summary: "This is a sample entry used to preview the template.",
		Link:    "https://example.com/sample",
	}
	return render.Render(tmpl, render.EntryVars(feed, sample))
}
