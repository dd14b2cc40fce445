package classify

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
)

// Cache holds at most one classification per post external id.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, externalID string) (*model.Classification, error)
	GetMany(ctx context.Context, externalIDs []string) (map[string]*model.Classification, error)
	// Put keeps an existing entry untouched.
	Put(ctx context.Context, c *model.Classification) error
	// Invalidate removes the given entries, or every entry when none are named.
	Invalidate(ctx context.Context, externalIDs ...string) (int64, error)
}

// StoreCache is a Cache backed by the classifications table of a Store.
type StoreCache struct {
	store   database.Store
	timeout time.Duration
}

// NewStoreCache wraps store. Each call is bounded by timeout.
func NewStoreCache(store database.Store, timeout time.Duration) *StoreCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StoreCache{store: store, timeout: timeout}
}

func (c *StoreCache) Get(ctx context.Context, externalID string) (*model.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer observe("get_classification", start)

	cl, err := c.store.GetClassification(ctx, externalID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return cl, err
}

func (c *StoreCache) GetMany(ctx context.Context, externalIDs []string) (map[string]*model.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer observe("get_classifications", start)

	return c.store.GetClassifications(ctx, externalIDs)
}

func (c *StoreCache) Put(ctx context.Context, cl *model.Classification) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer observe("put_classification", start)

	if err := c.store.PutClassification(ctx, cl); err != nil {
		return &model.Error{Op: "cache classification", Kind: model.ErrStoreWriteFailed, ExternalID: cl.ExternalID, Err: err}
	}
	return nil
}

func (c *StoreCache) Invalidate(ctx context.Context, externalIDs ...string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.DeleteClassifications(ctx, externalIDs...)
}

func observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
