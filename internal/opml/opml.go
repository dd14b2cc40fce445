// Package opml imports and exports tracked communities as OPML feed lists.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry is a community found in an OPML document.
type Entry struct {
	Name        string
	DisplayName string
	Folder      string
}

// FeedURL returns the feed URL exported for a community.
func FeedURL(name string) string {
	return "https://www.reddit.com/r/" + name + "/new/.rss"
}

// CommunityFromURL extracts the community name from a Reddit URL such as
// https://www.reddit.com/r/golang/new/.rss. ok is false for other URLs.
func CommunityFromURL(raw string) (name string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host != "reddit.com" && !strings.HasSuffix(host, ".reddit.com") {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "r" {
		return "", false
	}
	name = model.NormalizeCommunity(strings.TrimSuffix(parts[1], ".rss"))
	return name, name != ""
}

// Parse reads an OPML document and returns the Reddit communities it
// lists, in document order. Non-Reddit feeds and repeats are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []Entry
	seen := make(map[string]bool)
	var walk func(outlines []Outline, folder string)
	walk = func(outlines []Outline, folder string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				name, ok := CommunityFromURL(o.XMLURL)
				if !ok || seen[name] {
					continue
				}
				seen[name] = true
				display := o.Title
				if display == "" {
					display = o.Text
				}
				if display == "" {
					display = model.DisplayNameFor(name)
				}
				entries = append(entries, Entry{Name: name, DisplayName: display, Folder: folder})
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, name)
			}
		}
	}
	walk(doc.Body.Outlines, "")
	return entries, nil
}

// Export renders communities as a flat OPML 2.0 feed list sorted by name.
func Export(title string, communities []model.Community, now time.Time) ([]byte, error) {
	sorted := make([]model.Community, len(communities))
	copy(sorted, communities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}
	for _, c := range sorted {
		display := c.DisplayName
		if display == "" {
			display = model.DisplayNameFor(c.Name)
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:    display,
			Title:   display,
			Type:    "rss",
			XMLURL:  FeedURL(c.Name),
			HTMLURL: "https://www.reddit.com/r/" + c.Name + "/",
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
