package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// RSSClient reads /r/<community>/new/.rss. The feed carries no score or
// comment count, so both are reported as zero.
type RSSClient struct {
	t       *transport
	parser  *gofeed.Parser
	baseURL string
	logger  *zap.Logger
}

// Ensure RSSClient implements Client.
var _ Client = (*RSSClient)(nil)

// NewRSSClient creates a feed client.
func NewRSSClient(opts Options, logger *zap.Logger) *RSSClient {
	opts = opts.withDefaults(PublicBaseURL)
	logger = logger.Named("rss")
	return &RSSClient{
		t:       newTransport("rss", opts, logger),
		parser:  gofeed.NewParser(),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger,
	}
}

// FetchNew returns the entries of a single feed page.
func (c *RSSClient) FetchNew(ctx context.Context, community string, limit int) ([]model.RawItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	u := fmt.Sprintf("%s/r/%s/new/.rss?%s", c.baseURL, url.PathEscape(community), q.Encode())

	body, err := c.t.get(ctx, community, u, nil)
	if err != nil {
		return nil, err
	}
	feed, err := c.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, c.t.fail(community, model.ErrSourceProtocol, fmt.Errorf("parse feed: %w", err))
	}

	items := make([]model.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		id := entryID(entry)
		if id == "" {
			c.logger.Warn("entry without id", zap.String("community", community), zap.String("link", entry.Link))
			continue
		}
		raw := model.RawItem{
			ExternalURL: ShortLinkBase + id,
			Title:       entry.Title,
		}
		if len(entry.Authors) > 0 && entry.Authors[0].Name != "" {
			author := strings.TrimPrefix(entry.Authors[0].Name, "/u/")
			raw.Author = &author
		}
		if text := entryText(entry); text != "" {
			raw.Body = &text
		}
		switch {
		case entry.PublishedParsed != nil:
			raw.CreatedUTC = float64(entry.PublishedParsed.Unix())
		case entry.UpdatedParsed != nil:
			raw.CreatedUTC = float64(entry.UpdatedParsed.Unix())
		}
		items = append(items, raw)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// entryID extracts the base36 submission id from the entry's "t3_" GUID or
// its comments permalink.
func entryID(entry *gofeed.Item) string {
	if id, ok := strings.CutPrefix(entry.GUID, "t3_"); ok && id != "" {
		return id
	}
	if u, err := url.Parse(entry.Link); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, p := range parts {
			if p == "comments" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}
	return ""
}

// entryText returns the plain text of the self-post body. Reddit wraps it
// in a div.md inside an HTML table with link boilerplate.
func entryText(entry *gofeed.Item) string {
	html := entry.Content
	if html == "" {
		html = entry.Description
	}
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if md := doc.Find("div.md"); md.Length() > 0 {
		return strings.TrimSpace(md.First().Text())
	}
	return ""
}
