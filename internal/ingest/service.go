package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/events"
	"github.com/bryan-buckman/threadlens/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultIngestTimeout bounds one shared ingest, which outlives the
// cancellation of the caller that started it.
const DefaultIngestTimeout = 2 * time.Minute

// Service serves recent posts per community, re-ingesting only when the
// stored copy is stale.
type Service struct {
	gate         *Gate
	ingestor     *Ingestor
	store        database.Store
	publisher    events.Publisher
	storeTimeout time.Duration
	timeout      time.Duration
	logger       *zap.Logger

	// inflight collapses concurrent ingests of the same community.
	inflight singleflight.Group
}

// NewService wires a gate and an ingestor over the same store.
func NewService(gate *Gate, ingestor *Ingestor, store database.Store, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		gate:         gate,
		ingestor:     ingestor,
		store:        store,
		publisher:    publisher,
		storeTimeout: ingestor.storeTimeout,
		timeout:      DefaultIngestTimeout,
		logger:       logger.Named("service"),
	}
}

// GetRecentPosts returns the community's stored posts ordered by score,
// ingesting first when the community is unknown or stale.
func (s *Service) GetRecentPosts(ctx context.Context, name string) ([]model.Post, error) {
	name = model.NormalizeCommunity(name)
	if name == "" {
		return nil, fmt.Errorf("community name is required")
	}

	status, community, err := s.gate.Check(ctx, name)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("freshness", zap.String("community", name), zap.String("status", string(status)))

	if status != StatusFresh {
		community, err = s.refresh(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	posts, err := s.store.GetPosts(ctx, community.ID)
	if err != nil {
		return nil, fmt.Errorf("read posts for %s: %w", name, err)
	}
	return posts, nil
}

// Refresh ingests the community regardless of freshness.
func (s *Service) Refresh(ctx context.Context, name string) (*model.Community, error) {
	name = model.NormalizeCommunity(name)
	if name == "" {
		return nil, fmt.Errorf("community name is required")
	}
	return s.refresh(ctx, name)
}

func (s *Service) refresh(ctx context.Context, name string) (*model.Community, error) {
	ch := s.inflight.DoChan(name, func() (any, error) {
		// Shared by every joined caller; detached from the starter's cancellation.
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		res, err := s.ingestor.Ingest(ictx, name)
		if err != nil {
			return nil, err
		}
		ev := events.IngestedEvent{Community: name, Posts: res.Stored, FetchedAt: res.FetchedAt}
		if err := s.publisher.PublishIngested(ictx, ev); err != nil {
			s.logger.Warn("publish ingest event", zap.String("community", name), zap.Error(err))
		}
		return res.Community, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Debug("joined in-flight ingest", zap.String("community", name))
		}
		return r.Val.(*model.Community), nil
	}
}

// UpdatePostMetrics overwrites a stored post's score and comment count.
func (s *Service) UpdatePostMetrics(ctx context.Context, externalID string, score, commentCount int) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.UpdatePostMetrics(ctx, externalID, score, commentCount); err != nil {
		return fmt.Errorf("update metrics for %s: %w", externalID, err)
	}
	return nil
}

// Post returns one stored post.
func (s *Service) Post(ctx context.Context, externalID string) (*model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.GetPostByExternalID(ctx, externalID)
}

// StoredPosts returns a community's stored posts without consulting the
// gate.
func (s *Service) StoredPosts(ctx context.Context, name string) ([]model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	c, err := s.store.GetCommunity(ctx, model.NormalizeCommunity(name))
	if err != nil {
		return nil, err
	}
	return s.store.GetPosts(ctx, c.ID)
}

// AddCommunity registers a community without fetching it. An empty display
// name defaults to "r/<name>".
func (s *Service) AddCommunity(ctx context.Context, name, displayName string) (*model.Community, error) {
	name = model.NormalizeCommunity(name)
	if name == "" {
		return nil, fmt.Errorf("community name is required")
	}
	if displayName == "" {
		displayName = model.DisplayNameFor(name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.UpsertCommunity(ctx, name, displayName)
}

// Communities lists tracked communities ordered by name.
func (s *Service) Communities(ctx context.Context) ([]model.Community, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.ListCommunities(ctx)
}
