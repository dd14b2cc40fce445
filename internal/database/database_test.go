package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testPost(id string, score int, created time.Time) model.Post {
	return model.Post{
		ExternalID: id,
		Title:      "title " + id,
		Body:       "body " + id,
		Author:     "alice",
		URL:        "https://redd.it/" + id,
		Score:      score,
		CreatedAt:  created,
		FetchedAt:  created,
	}
}

func TestCommunityLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.GetCommunity(ctx, "golang")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := db.UpsertCommunity(ctx, "golang", "r/golang")
	require.NoError(t, err)
	assert.Equal(t, "golang", c.Name)
	assert.Nil(t, c.LastFetchedAt)

	again, err := db.UpsertCommunity(ctx, "golang", "Gophers")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "Gophers", again.DisplayName)

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpdateCommunityLastFetched(ctx, c.ID, stamp))
	got, err := db.GetCommunity(ctx, "golang")
	require.NoError(t, err)
	require.NotNil(t, got.LastFetchedAt)
	assert.True(t, stamp.Equal(*got.LastFetchedAt))

	assert.ErrorIs(t, db.UpdateCommunityLastFetched(ctx, "missing", stamp), ErrNotFound)
}

func TestListCommunitiesOrderedByName(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for _, name := range []string{"openai", "golang", "ollama"} {
		_, err := db.UpsertCommunity(ctx, name, model.DisplayNameFor(name))
		require.NoError(t, err)
	}

	list, err := db.ListCommunities(ctx)
	require.NoError(t, err)
	var names []string
	for _, c := range list {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"golang", "ollama", "openai"}, names)
}

func TestUpsertPostsIsIdempotentAndKeepsLatest(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	c, err := db.UpsertCommunity(ctx, "golang", "r/golang")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	posts := []model.Post{testPost("a1", 5, now), testPost("b2", 50, now), testPost("c3", 20, now)}
	require.NoError(t, db.UpsertPosts(ctx, c.ID, posts))
	require.NoError(t, db.UpsertPosts(ctx, c.ID, posts))

	posts[0].Score = 99
	require.NoError(t, db.UpsertPosts(ctx, c.ID, posts[:1]))

	got, err := db.GetPosts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ExternalID)
	assert.Equal(t, 99, got[0].Score)
	assert.Equal(t, "b2", got[1].ExternalID)
	assert.Equal(t, "c3", got[2].ExternalID)
}

func TestUpsertPostsWritesManyChunks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	c, err := db.UpsertCommunity(ctx, "golang", "r/golang")
	require.NoError(t, err)

	now := time.Now().UTC()
	var posts []model.Post
	for i := 0; i < 25; i++ {
		posts = append(posts, testPost(fmt.Sprintf("p%02d", i), i, now))
	}
	require.NoError(t, db.UpsertPosts(ctx, c.ID, posts))

	got, err := db.GetPosts(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got, 25)
}

func TestUpsertPostsAbortsOnFailingChunk(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	c, err := db.UpsertCommunity(ctx, "golang", "r/golang")
	require.NoError(t, err)

	_, err = db.conn.Exec(`CREATE TRIGGER reject_bad BEFORE INSERT ON posts
		WHEN NEW.external_id = 'bad' BEGIN SELECT RAISE(ABORT, 'rejected'); END;`)
	require.NoError(t, err)

	now := time.Now().UTC()
	var posts []model.Post
	for i := 0; i < 25; i++ {
		posts = append(posts, testPost(fmt.Sprintf("p%02d", i), i, now))
	}
	posts[12].ExternalID = "bad"

	err = db.UpsertPosts(ctx, c.ID, posts)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreWriteFailed)
	assert.Contains(t, err.Error(), "chunk 1")

	got, err := db.GetPosts(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got, UpsertChunkSize, "first chunk stays committed, the rest is skipped")
}

func TestPostLookupAndMetrics(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	c, err := db.UpsertCommunity(ctx, "golang", "r/golang")
	require.NoError(t, err)
	require.NoError(t, db.UpsertPosts(ctx, c.ID, []model.Post{testPost("a1", 1, time.Now())}))

	require.NoError(t, db.UpdatePostMetrics(ctx, "a1", 42, 7))
	p, err := db.GetPostByExternalID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 42, p.Score)
	assert.Equal(t, 7, p.CommentCount)
	assert.Equal(t, c.ID, p.CommunityID)

	_, err = db.GetPostByExternalID(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.UpdatePostMetrics(ctx, "zz", 1, 1), ErrNotFound)
}

func TestClassificationsAreWrittenOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := &model.Classification{
		ExternalID:  "a1",
		Explanation: "asks for a tool",
		Membership:  map[string]bool{"solution-request": true, "money-talk": false},
		Model:       "gpt-4o-mini",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, db.PutClassification(ctx, first))
	require.NoError(t, db.PutClassification(ctx, &model.Classification{
		ExternalID: "a1",
		Membership: map[string]bool{"solution-request": false},
		CreatedAt:  time.Now(),
	}))

	got, err := db.GetClassification(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, first.Membership, got.Membership)
	assert.Equal(t, "asks for a tool", got.Explanation)

	_, err = db.GetClassification(ctx, "b2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAndDeleteClassifications(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for _, id := range []string{"a1", "b2", "c3"} {
		require.NoError(t, db.PutClassification(ctx, &model.Classification{
			ExternalID: id,
			Membership: map[string]bool{"pain-anger": id == "b2"},
			CreatedAt:  time.Now(),
		}))
	}

	got, err := db.GetClassifications(ctx, []string{"a1", "b2", "zz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got["b2"].Member("pain-anger"))

	n, err := db.DeleteClassifications(ctx, "a1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = db.DeleteClassifications(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	empty, err := db.GetClassifications(ctx, []string{"a1", "b2", "c3"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChunks(t *testing.T) {
	posts := make([]model.Post, 23)
	got := chunks(posts, 10)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 10)
	assert.Len(t, got[2], 3)
	assert.Nil(t, chunks(nil, 10))
}
