package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"go.uber.org/zap"
)

// Concurrency settings
const (
	// MaxConcurrencyHighWrite is the number of parallel refreshes for stores
	// that handle concurrent writers.
	MaxConcurrencyHighWrite = 4
	// MaxConcurrencySQLite is the number of parallel refreshes for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
	// MinPollInterval is the minimum allowed interval.
	MinPollInterval = time.Minute
)

// RefreshResult holds the result of refreshing a single community.
type RefreshResult struct {
	Community string
	Posts     int
	Error     error
}

// RefreshHook runs after a community's posts were read.
type RefreshHook func(ctx context.Context, community string, posts []model.Post)

// RefreshAll runs GetRecentPosts for every tracked community; fresh ones are
// served from the store. Returns community -> post count for successes.
func (s *Service) RefreshAll(ctx context.Context, hook RefreshHook) (map[string]int, error) {
	communities, err := s.Communities(ctx)
	if err != nil {
		return nil, err
	}
	if len(communities) == 0 {
		return make(map[string]int), nil
	}

	concurrency := MaxConcurrencySQLite
	if s.store.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyHighWrite
	}
	s.logger.Info("refreshing communities", zap.Int("count", len(communities)), zap.Int("concurrency", concurrency))

	if concurrency <= 1 {
		return s.refreshSequential(ctx, communities, hook)
	}
	return s.refreshParallel(ctx, communities, concurrency, hook)
}

func (s *Service) refreshOne(ctx context.Context, name string, hook RefreshHook) (int, error) {
	posts, err := s.GetRecentPosts(ctx, name)
	if err != nil {
		return 0, err
	}
	if hook != nil {
		hook(ctx, name, posts)
	}
	return len(posts), nil
}

// refreshSequential refreshes communities one at a time (for SQLite).
func (s *Service) refreshSequential(ctx context.Context, communities []model.Community, hook RefreshHook) (map[string]int, error) {
	results := make(map[string]int)
	for i, c := range communities {
		select {
		case <-ctx.Done():
			s.logger.Warn("refresh cancelled", zap.Int("done", i), zap.Int("total", len(communities)))
			return results, ctx.Err()
		default:
		}

		n, err := s.refreshOne(ctx, c.Name, hook)
		if err != nil {
			s.logger.Warn("refresh failed", zap.String("community", c.Name), zap.Error(err))
			continue
		}
		results[c.Name] = n
	}
	return results, nil
}

// refreshParallel refreshes communities using a worker pool.
func (s *Service) refreshParallel(ctx context.Context, communities []model.Community, workers int, hook RefreshHook) (map[string]int, error) {
	var wg sync.WaitGroup

	results := make(map[string]int)
	jobs := make(chan string, len(communities))
	resultChan := make(chan RefreshResult, len(communities))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				if ctx.Err() != nil {
					return
				}
				n, err := s.refreshOne(ctx, name, hook)
				resultChan <- RefreshResult{Community: name, Posts: n, Error: err}
			}
		}()
	}

	for _, c := range communities {
		jobs <- c.Name
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for r := range resultChan {
		if r.Error != nil {
			s.logger.Warn("refresh failed", zap.String("community", r.Community), zap.Error(r.Error))
			continue
		}
		results[r.Community] = r.Posts
	}
	return results, ctx.Err()
}

// Poller runs continuous polling.
type Poller struct {
	service  *Service
	interval time.Duration
	timeout  time.Duration
	hook     RefreshHook
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller. hook may be nil.
func NewPoller(service *Service, interval time.Duration, hook RefreshHook, logger *zap.Logger) *Poller {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &Poller{
		service:  service,
		interval: interval,
		timeout:  10 * time.Minute,
		hook:     hook,
		logger:   logger.Named("poller"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.poll()
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	results, err := p.service.RefreshAll(ctx, p.hook)
	if err != nil {
		p.logger.Warn("poll error", zap.Error(err))
		return
	}
	total := 0
	for _, n := range results {
		total += n
	}
	p.logger.Info("poll complete", zap.Int("communities", len(results)), zap.Int("posts", total))
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
