package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/bryan-buckman/threadlens/internal/source"
	"go.uber.org/zap"
)

// Defaults for the ingestor.
const (
	DefaultRecencyWindow = 24 * time.Hour
	DefaultFetchLimit    = 100
)

// Result describes one completed ingest.
type Result struct {
	Community *model.Community
	Fetched   int // items returned by the source
	Stored    int // posts written after filtering and dedup
	FetchedAt time.Time
}

// Ingestor pulls a community's newest submissions and stores them.
type Ingestor struct {
	source       source.Client
	store        database.Store
	recency      time.Duration
	fetchLimit   int
	storeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// IngestorOptions tune an Ingestor. Zero values select the defaults.
type IngestorOptions struct {
	RecencyWindow time.Duration
	FetchLimit    int
	StoreTimeout  time.Duration
}

// NewIngestor creates an ingestor.
func NewIngestor(src source.Client, store database.Store, opts IngestorOptions, logger *zap.Logger) *Ingestor {
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = DefaultFetchLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Ingestor{
		source:       src,
		store:        store,
		recency:      opts.RecencyWindow,
		fetchLimit:   opts.FetchLimit,
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
		logger:       logger.Named("ingest"),
	}
}

// Ingest fetches, normalizes and stores the community's recent posts, then
// stamps the community. The stamp is only written when every chunk was
// stored. The community row is created on the first successful fetch.
func (in *Ingestor) Ingest(ctx context.Context, name string) (*Result, error) {
	start := in.now()
	items, err := in.source.FetchNew(ctx, name, in.fetchLimit)
	if err != nil {
		return nil, err
	}

	posts := Normalize(items, start, in.recency, in.logger.With(zap.String("community", name)))

	community, err := in.ensureCommunity(ctx, name)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, in.storeTimeout)
	defer cancel()
	began := time.Now()
	if err := in.store.UpsertPosts(storeCtx, community.ID, posts); err != nil {
		return nil, fmt.Errorf("store posts for %s: %w", name, err)
	}
	metrics.StoreOperationDuration.WithLabelValues("upsert_posts").Observe(time.Since(began).Seconds())

	if err := in.store.UpdateCommunityLastFetched(storeCtx, community.ID, start); err != nil {
		return nil, fmt.Errorf("stamp %s: %w", name, err)
	}
	stamp := start
	community.LastFetchedAt = &stamp
	metrics.PostsIngestedTotal.WithLabelValues(name).Add(float64(len(posts)))

	in.logger.Info("ingested",
		zap.String("community", name),
		zap.Int("fetched", len(items)),
		zap.Int("stored", len(posts)),
		zap.Duration("elapsed", time.Since(began)))

	return &Result{Community: community, Fetched: len(items), Stored: len(posts), FetchedAt: start}, nil
}

func (in *Ingestor) ensureCommunity(ctx context.Context, name string) (*model.Community, error) {
	ctx, cancel := context.WithTimeout(ctx, in.storeTimeout)
	defer cancel()
	c, err := in.store.GetCommunity(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return in.store.UpsertCommunity(ctx, name, model.DisplayNameFor(name))
	}
	return c, err
}

// Normalize turns raw source items into posts:
//   - items created before now-window are dropped (the boundary is kept);
//   - a missing author becomes model.DeletedAuthor, a missing body "";
//   - external ids come from the trailing segment of the item URL;
//   - duplicates collapse to the last occurrence, at the first one's position.
func Normalize(items []model.RawItem, now time.Time, window time.Duration, logger *zap.Logger) []model.Post {
	cutoff := now.Add(-window)
	index := make(map[string]int, len(items))
	posts := make([]model.Post, 0, len(items))

	for _, it := range items {
		created := epochToTime(it.CreatedUTC)
		if created.Before(cutoff) {
			continue
		}
		id := ExternalID(it.ExternalURL)
		if id == "" {
			logger.Warn("dropping item without external id", zap.String("url", it.ExternalURL))
			continue
		}
		p := model.Post{
			ExternalID:   id,
			Title:        it.Title,
			Body:         "",
			Author:       model.DeletedAuthor,
			URL:          it.ExternalURL,
			Score:        it.Score,
			CommentCount: it.CommentCount,
			CreatedAt:    created,
			FetchedAt:    now,
		}
		if it.Author != nil && *it.Author != "" {
			p.Author = *it.Author
		}
		if it.Body != nil {
			p.Body = *it.Body
		}
		if i, seen := index[id]; seen {
			posts[i] = p
			continue
		}
		index[id] = len(posts)
		posts = append(posts, p)
	}
	return posts
}

// ExternalID returns the last non-empty path segment of rawURL.
func ExternalID(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	segments := strings.Split(strings.TrimRight(path, "/"), "/")
	return segments[len(segments)-1]
}

func epochToTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
