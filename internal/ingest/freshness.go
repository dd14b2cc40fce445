// Package ingest decides when a community's stored posts are fresh enough
// to serve and refreshes them from the source when they are not.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
)

// DefaultFreshnessWindow is how long an ingest stays valid.
const DefaultFreshnessWindow = 24 * time.Hour

// Status is the freshness verdict for a community.
type Status string

const (
	StatusFresh   Status = "FRESH"
	StatusStale   Status = "STALE"
	StatusUnknown Status = "UNKNOWN"
)

// Freshness classifies a last-fetched stamp. A stamp exactly window old is
// still fresh.
func Freshness(lastFetched *time.Time, now time.Time, window time.Duration) Status {
	if lastFetched == nil {
		return StatusStale
	}
	if now.Sub(*lastFetched) > window {
		return StatusStale
	}
	return StatusFresh
}

// Gate reports whether a community must be re-ingested.
type Gate struct {
	store  database.Store
	window time.Duration
	now    func() time.Time
}

// NewGate creates a gate over store.
func NewGate(store database.Store, window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Gate{store: store, window: window, now: time.Now}
}

// Check returns the verdict and, unless UNKNOWN, the community record.
func (g *Gate) Check(ctx context.Context, name string) (Status, *model.Community, error) {
	c, err := g.store.GetCommunity(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		metrics.FreshnessChecksTotal.WithLabelValues(string(StatusUnknown)).Inc()
		return StatusUnknown, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load community %s: %w", name, err)
	}
	status := Freshness(c.LastFetchedAt, g.now(), g.window)
	metrics.FreshnessChecksTotal.WithLabelValues(string(status)).Inc()
	return status, c, nil
}
