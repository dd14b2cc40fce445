// Package events publishes ingest and classification outcomes to NATS and
// listens for on-demand refresh requests.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectIngested   = "ingest.completed"
	SubjectClassified = "classify.completed"
	SubjectRefresh    = "refresh.request"
)

// IngestedEvent is published after a community's posts were stored.
type IngestedEvent struct {
	Community string    `json:"community"`
	Posts     int       `json:"posts"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ClassifiedEvent summarizes one classify-and-aggregate run.
type ClassifiedEvent struct {
	Posts      int            `json:"posts"`
	Classified int            `json:"classified"`
	Failed     int            `json:"failed"`
	Buckets    map[string]int `json:"buckets"`
}

// RefreshRequest asks the service to bring a community up to date.
type RefreshRequest struct {
	Community string `json:"community"`
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishIngested(ctx context.Context, ev IngestedEvent) error
	PublishClassified(ctx context.Context, ev ClassifiedEvent) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishIngested(context.Context, IngestedEvent) error { return nil }

func (Nop) PublishClassified(context.Context, ClassifiedEvent) error { return nil }

func (Nop) Close() {}

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
}

// message wraps every payload with provenance.
type message struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Data      any       `json:"data"`
}

// NATSPublisher publishes JSON events on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	conn   conn
	prefix string
	logger *zap.Logger
}

// Ensure NATSPublisher implements Publisher.
var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("threadlens"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, conn: nc, prefix: prefix, logger: logger}, nil
}

func (p *NATSPublisher) subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

func (p *NATSPublisher) publish(suffix string, data any) error {
	payload, err := json.Marshal(message{
		Source:    "threadlens",
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := p.subject(suffix)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published", zap.String("subject", subject))
	return nil
}

// PublishIngested emits an IngestedEvent.
func (p *NATSPublisher) PublishIngested(_ context.Context, ev IngestedEvent) error {
	return p.publish(SubjectIngested, ev)
}

// PublishClassified emits a ClassifiedEvent.
func (p *NATSPublisher) PublishClassified(_ context.Context, ev ClassifiedEvent) error {
	return p.publish(SubjectClassified, ev)
}

// ListenRefresh invokes refresh for every RefreshRequest received. The
// returned function unsubscribes.
func (p *NATSPublisher) ListenRefresh(refresh func(ctx context.Context, community string) error, timeout time.Duration) (func() error, error) {
	sub, err := p.nc.Subscribe(p.subject(SubjectRefresh), func(msg *nats.Msg) {
		req, err := decodeRefresh(msg.Data)
		if err != nil {
			p.logger.Warn("bad refresh request", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := refresh(ctx, req.Community); err != nil {
			p.logger.Warn("refresh failed", zap.String("community", req.Community), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe refresh: %w", err)
	}
	return sub.Unsubscribe, nil
}

func decodeRefresh(data []byte) (RefreshRequest, error) {
	var req RefreshRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode refresh request: %w", err)
	}
	if req.Community == "" {
		return req, fmt.Errorf("refresh request without community")
	}
	return req, nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
