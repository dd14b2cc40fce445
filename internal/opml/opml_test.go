package opml

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommunityFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.reddit.com/r/golang/new/.rss", "golang", true},
		{"https://old.reddit.com/r/LocalLLaMA/", "localllama", true},
		{"https://reddit.com/r/ollama.rss", "ollama", true},
		{"https://www.reddit.com/user/spez", "", false},
		{"https://example.com/r/golang", "", false},
		{"not a url", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := CommunityFromURL(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Subscriptions</title></head>
  <body>
    <outline text="AI">
      <outline text="r/OpenAI" type="rss" xmlUrl="https://www.reddit.com/r/OpenAI/new/.rss"/>
      <outline text="Ollama" title="Ollama Community" type="rss" xmlUrl="https://www.reddit.com/r/ollama/.rss"/>
    </outline>
    <outline text="Blog" type="rss" xmlUrl="https://go.dev/blog/feed.atom"/>
    <outline text="" type="rss" xmlUrl="https://www.reddit.com/r/golang/new/.rss"/>
    <outline text="dup" type="rss" xmlUrl="https://reddit.com/r/openai"/>
  </body>
</opml>`

	entries, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "openai", DisplayName: "r/OpenAI", Folder: "AI"},
		{Name: "ollama", DisplayName: "Ollama Community", Folder: "AI"},
		{Name: "golang", DisplayName: "r/golang"},
	}, entries)

	_, err = Parse(strings.NewReader("<opml"))
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	out, err := Export("threadlens", []model.Community{
		{Name: "ollama", DisplayName: "r/ollama"},
		{Name: "golang"},
	}, now)
	require.NoError(t, err)
	assert.Contains(t, string(out), `xmlUrl="https://www.reddit.com/r/golang/new/.rss"`)
	assert.Less(t, strings.Index(string(out), "golang"), strings.Index(string(out), "ollama"))

	entries, err := Parse(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "golang", DisplayName: "r/golang"},
		{Name: "ollama", DisplayName: "r/ollama"},
	}, entries)
}
