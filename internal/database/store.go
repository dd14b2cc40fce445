// Package database provides storage backends for communities, posts and
// cached classifications.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertChunkSize is the number of posts written per batch.
const UpsertChunkSize = 10

// Store defines the interface for database operations.
// The SQLite, PostgreSQL and MongoDB implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend.
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Community operations
	GetCommunity(ctx context.Context, name string) (*model.Community, error)
	UpsertCommunity(ctx context.Context, name, displayName string) (*model.Community, error)
	ListCommunities(ctx context.Context) ([]model.Community, error)
	UpdateCommunityLastFetched(ctx context.Context, communityID string, t time.Time) error

	// Post operations
	//
	// UpsertPosts writes posts in chunks of UpsertChunkSize keyed on
	// ExternalID. The first failing chunk aborts the rest; chunks already
	// written stay written.
	UpsertPosts(ctx context.Context, communityID string, posts []model.Post) error
	GetPosts(ctx context.Context, communityID string) ([]model.Post, error)
	GetPostByExternalID(ctx context.Context, externalID string) (*model.Post, error)
	UpdatePostMetrics(ctx context.Context, externalID string, score, commentCount int) error

	// Classification operations
	//
	// PutClassification stores c unless a classification for the same
	// post already exists.
	GetClassification(ctx context.Context, externalID string) (*model.Classification, error)
	GetClassifications(ctx context.Context, externalIDs []string) (map[string]*model.Classification, error)
	PutClassification(ctx context.Context, c *model.Classification) error
	// DeleteClassifications removes the given classifications, or all of
	// them when no ids are passed.
	DeleteClassifications(ctx context.Context, externalIDs ...string) (int64, error)
}

// Open selects a backend by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return New(dsn)
	case "postgres":
		return NewPostgres(dsn)
	case "mongo":
		return NewMongo(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// chunks splits posts into consecutive slices of at most size elements.
func chunks(posts []model.Post, size int) [][]model.Post {
	var out [][]model.Post
	for start := 0; start < len(posts); start += size {
		end := start + size
		if end > len(posts) {
			end = len(posts)
		}
		out = append(out, posts[start:end])
	}
	return out
}

func writeFailed(op, community string, chunk int, err error) error {
	return &model.Error{
		Op:        fmt.Sprintf("%s chunk %d", op, chunk),
		Kind:      model.ErrStoreWriteFailed,
		Community: community,
		Err:       err,
	}
}
