// Package model defines shared data structures.
package model

import (
	"strings"
	"time"
)

// Community is a tracked subreddit. Name is lowercase and unique;
// LastFetchedAt is nil until the first successful ingest.
type Community struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	DisplayName   string     `json:"display_name"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NormalizeCommunity lowercases a community name and strips an "r/" prefix.
func NormalizeCommunity(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "r/")
	return strings.Trim(name, "/")
}

// DisplayNameFor returns the default display name for a community.
func DisplayNameFor(name string) string {
	return "r/" + name
}

// Post is a stored submission.
type Post struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id"`
	CommunityID  string    `json:"community_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Author       string    `json:"author"`
	URL          string    `json:"url"`
	Score        int       `json:"score"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// RawItem is a submission exactly as the source returned it. Author and
// Body are nil when the source omitted them.
type RawItem struct {
	ExternalURL  string
	Title        string
	Body         *string
	Author       *string
	Score        int
	CommentCount int
	CreatedUTC   float64 // unix seconds
}

// DeletedAuthor replaces an author the source did not report.
const DeletedAuthor = "[deleted]"

// Category is one entry of the classification schema.
type Category struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Prompt      string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// Classification is the validated oracle verdict for one post.
type Classification struct {
	ExternalID  string          `json:"external_id"`
	Explanation string          `json:"explanation"`
	Membership  map[string]bool `json:"membership"`
	Model       string          `json:"model,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Member reports whether the post belongs to the category.
func (c *Classification) Member(categoryID string) bool {
	if c == nil {
		return false
	}
	return c.Membership[categoryID]
}

// CategoryBucket groups the posts that belong to one category.
type CategoryBucket struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Posts    []Post   `json:"posts"`
}

// ItemResult pairs a post with its classification or the error that
// prevented one.
type ItemResult struct {
	Post           Post
	Classification *Classification
	Err            error
}
