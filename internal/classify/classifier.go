package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/events"
	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/bryan-buckman/threadlens/internal/oracle"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers bounds concurrent oracle calls when Options leaves it unset.
const DefaultWorkers = 4

// Options tunes a Classifier.
type Options struct {
	Workers int
}

// Classifier resolves classifications through the cache and, on a miss,
// the oracle.
type Classifier struct {
	oracle    oracle.Oracle
	cache     Cache
	schema    *Schema
	publisher events.Publisher
	workers   int
	now       func() time.Time
	logger    *zap.Logger

	inflight singleflight.Group
}

// New creates a Classifier. publisher may be nil.
func New(o oracle.Oracle, cache Cache, schema *Schema, publisher events.Publisher, opts Options, logger *zap.Logger) *Classifier {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Classifier{
		oracle:    o,
		cache:     cache,
		schema:    schema,
		publisher: publisher,
		workers:   opts.Workers,
		now:       time.Now,
		logger:    logger.Named("classify"),
	}
}

// Schema returns the categories the classifier validates against.
func (c *Classifier) Schema() *Schema { return c.schema }

// Classify returns the classification for post, asking the oracle only when
// none is cached. Concurrent calls for the same post share one oracle call.
func (c *Classifier) Classify(ctx context.Context, post model.Post) (*model.Classification, error) {
	id := post.ExternalID
	if id == "" {
		return nil, &model.Error{Op: "classify", Err: errors.New("post has no external id")}
	}

	cached, err := c.cache.Get(ctx, id)
	if err != nil {
		return nil, &model.Error{Op: "read classification", ExternalID: id, Err: err}
	}
	if cached != nil {
		metrics.ClassificationCacheTotal.WithLabelValues("hit").Inc()
		return c.fit(cached), nil
	}
	metrics.ClassificationCacheTotal.WithLabelValues("miss").Inc()

	v, err, shared := c.inflight.Do(id, func() (any, error) {
		return c.classifyUncached(ctx, post)
	})
	if shared {
		c.logger.Debug("shared oracle call", zap.String("post", id))
	}
	if err != nil {
		metrics.ClassificationsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.ClassificationsTotal.WithLabelValues("ok").Inc()
	return c.fit(v.(*model.Classification)), nil
}

func (c *Classifier) classifyUncached(ctx context.Context, post model.Post) (*model.Classification, error) {
	// A call that finished since our cache read has already stored it.
	if cached, err := c.cache.Get(ctx, post.ExternalID); err == nil && cached != nil {
		return cached, nil
	}

	provider := c.oracle.Name()
	start := time.Now()
	raw, err := c.oracle.Complete(ctx, BuildPrompt(c.schema, post))
	metrics.OracleRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues(provider, "error").Inc()
		if !errors.Is(err, model.ErrOracleUnavailable) && !errors.Is(err, model.ErrOracleResponseInvalid) {
			err = &model.Error{Op: "classify", Kind: model.ErrOracleUnavailable, ExternalID: post.ExternalID, Err: err}
		}
		return nil, withPost(err, post.ExternalID)
	}
	metrics.OracleRequestsTotal.WithLabelValues(provider, "ok").Inc()

	v, err := parseResponse(c.schema, raw, c.logger.With(zap.String("post", post.ExternalID)))
	if err != nil {
		return nil, &model.Error{Op: "classify", Kind: model.ErrOracleResponseInvalid, ExternalID: post.ExternalID, Err: err}
	}

	cl := &model.Classification{
		ExternalID:  post.ExternalID,
		Explanation: v.Explanation,
		Membership:  v.Membership,
		Model:       provider,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.cache.Put(ctx, cl); err != nil {
		return nil, err
	}

	// Another writer may have stored a verdict first; that one is kept.
	stored, err := c.cache.Get(ctx, post.ExternalID)
	if err != nil || stored == nil {
		return cl, nil
	}
	return stored, nil
}

// fit restricts a cached classification to the current schema.
func (c *Classifier) fit(cl *model.Classification) *model.Classification {
	out := *cl
	out.Membership = c.schema.Project(cl.Membership)
	return &out
}

// ClassifyBatch classifies posts with at most Options.Workers oracle calls
// in flight. Results are in input order; a failure only affects its own
// post. Calls already started when ctx is cancelled run to completion and
// still populate the cache; posts not yet started carry ctx.Err().
func (c *Classifier) ClassifyBatch(ctx context.Context, posts []model.Post) []model.ItemResult {
	results := make([]model.ItemResult, len(posts))
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, post := range posts {
		results[i].Post = post
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Classification, results[i].Err = c.Classify(work, post)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Report is the outcome of ClassifyAndAggregate.
type Report struct {
	Buckets []model.CategoryBucket
	Results []model.ItemResult
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []model.ItemResult {
	var out []model.ItemResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// ClassifyAndAggregate classifies posts and buckets the successes. Failed
// posts are left out of every bucket and reported in Results.
func (c *Classifier) ClassifyAndAggregate(ctx context.Context, posts []model.Post) *Report {
	results := c.ClassifyBatch(ctx, posts)

	byID := make(map[string]*model.Classification, len(results))
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			c.logger.Warn("classification failed", zap.String("post", r.Post.ExternalID), zap.Error(r.Err))
			continue
		}
		byID[r.Post.ExternalID] = r.Classification
	}

	report := &Report{
		Buckets: Aggregate(c.schema, posts, byID),
		Results: results,
	}

	counts := make(map[string]int, len(report.Buckets))
	for _, b := range report.Buckets {
		counts[b.Category.ID] = b.Count
	}
	ev := events.ClassifiedEvent{
		Posts:      len(posts),
		Classified: len(posts) - failed,
		Failed:     failed,
		Buckets:    counts,
	}
	if err := c.publisher.PublishClassified(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("failed to publish classify event", zap.Error(err))
	}
	c.logger.Info("classified posts",
		zap.Int("posts", len(posts)), zap.Int("failed", failed), zap.Any("buckets", counts))
	return report
}

// AggregateStored buckets posts using only cached classifications. The
// oracle is never called.
func (c *Classifier) AggregateStored(ctx context.Context, posts []model.Post) ([]model.CategoryBucket, error) {
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ExternalID
	}
	cached, err := c.cache.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read classifications: %w", err)
	}
	for id, cl := range cached {
		cached[id] = c.fit(cl)
	}
	return Aggregate(c.schema, posts, cached), nil
}

// Invalidate drops cached classifications so the next Classify asks the
// oracle again. With no ids every entry is dropped.
func (c *Classifier) Invalidate(ctx context.Context, externalIDs ...string) (int64, error) {
	n, err := c.cache.Invalidate(ctx, externalIDs...)
	if err != nil {
		return 0, fmt.Errorf("invalidate classifications: %w", err)
	}
	c.logger.Info("invalidated classifications", zap.Int64("count", n), zap.Int("requested", len(externalIDs)))
	return n, nil
}

func withPost(err error, externalID string) error {
	var me *model.Error
	if errors.As(err, &me) && me.ExternalID == "" {
		cp := *me
		cp.ExternalID = externalID
		return &cp
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrOracleResponseInvalid):
		return "invalid"
	case errors.Is(err, model.ErrOracleUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
