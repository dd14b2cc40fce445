// Package source fetches the newest submissions of a community from
// Reddit, either through its JSON listing API or its Atom feed.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
	"go.uber.org/zap"
)

// Client returns up to limit of the newest submissions of a community.
type Client interface {
	FetchNew(ctx context.Context, community string, limit int) ([]model.RawItem, error)
}

// Defaults for Options.
const (
	DefaultUserAgent   = "threadlens/1.0"
	DefaultDelay       = time.Second
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	// MaxConcurrencyPerHost limits parallel requests to any single host.
	MaxConcurrencyPerHost = 2
	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 8 << 20
)

// Options configure the HTTP behaviour shared by both clients.
type Options struct {
	BaseURL     string
	UserAgent   string
	Delay       time.Duration // wait before every request, including retries
	MaxAttempts int           // attempts per request when rate limited or unreachable
	Timeout     time.Duration
	HTTPClient  *http.Client
}

func (o Options) withDefaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// hostLimiter paces requests per host: at most MaxConcurrencyPerHost in
// flight, each preceded by a fixed delay.
type hostLimiter struct {
	mu         sync.Mutex
	delay      time.Duration
	semaphores map[string]chan struct{}
}

func newHostLimiter(delay time.Duration) *hostLimiter {
	return &hostLimiter{
		delay:      delay,
		semaphores: make(map[string]chan struct{}),
	}
}

// acquire gets a slot for the host, then waits the fixed delay.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerHost)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if hl.delay > 0 {
		t := time.NewTimer(hl.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			// Release the semaphore on cancel
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns a slot for the host.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	if sem, ok := hl.semaphores[host]; ok {
		<-sem
	}
}

// transport performs paced GET requests and maps HTTP outcomes onto the
// source error kinds.
type transport struct {
	name        string
	http        *http.Client
	limiter     *hostLimiter
	userAgent   string
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
}

func newTransport(name string, opts Options, logger *zap.Logger) *transport {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	// Reddit answers unknown communities with a redirect to its search page.
	// Surface the redirect instead of following it.
	c := *hc
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &transport{
		name:        name,
		http:        &c,
		limiter:     newHostLimiter(opts.Delay),
		userAgent:   opts.UserAgent,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		logger:      logger,
	}
}

// get fetches rawURL. Rate limits, timeouts and network errors are retried
// up to maxAttempts, each attempt paced by the host limiter. authorize, when
// non-nil, decorates every attempt.
func (t *transport) get(ctx context.Context, community, rawURL string, authorize func(*http.Request) error) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, t.fail(community, model.ErrSourceProtocol, err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		body, status, err := t.once(ctx, u, authorize)
		if err != nil {
			metrics.SourceRequestsTotal.WithLabelValues(t.name, "error").Inc()
			if ctx.Err() != nil {
				return nil, &model.Error{Op: t.name + " fetch", Community: community, Err: ctx.Err()}
			}
			t.logger.Warn("request failed",
				zap.String("community", community),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", t.maxAttempts),
				zap.Error(err))
			lastErr = err
			continue
		}
		metrics.SourceRequestsTotal.WithLabelValues(t.name, strconv.Itoa(status)).Inc()

		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusTooManyRequests:
			t.logger.Warn("rate limited",
				zap.String("community", community),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", t.maxAttempts))
			lastErr = nil
			continue
		case status == http.StatusNotFound, status == http.StatusForbidden,
			status >= 300 && status < 400:
			return nil, t.fail(community, model.ErrSourceNotFound, fmt.Errorf("status %d", status))
		default:
			return nil, t.fail(community, model.ErrSourceProtocol, fmt.Errorf("unexpected status %d", status))
		}
	}
	if lastErr != nil {
		return nil, t.fail(community, model.ErrSourceUnavailable,
			fmt.Errorf("no response after %d attempts: %w", t.maxAttempts, lastErr))
	}
	return nil, t.fail(community, model.ErrSourceRateLimited,
		fmt.Errorf("still rate limited after %d attempts", t.maxAttempts))
}

func (t *transport) once(ctx context.Context, u *url.URL, authorize func(*http.Request) error) ([]byte, int, error) {
	if err := t.limiter.acquire(ctx, u.Host); err != nil {
		return nil, 0, err
	}
	defer t.limiter.release(u.Host)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", t.userAgent)
	if authorize != nil {
		if err := authorize(req); err != nil {
			return nil, 0, err
		}
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (t *transport) fail(community string, kind, err error) error {
	return &model.Error{Op: t.name + " fetch", Kind: kind, Community: community, Err: err}
}
