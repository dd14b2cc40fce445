package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/bryan-buckman/threadlens/internal/config"
	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/events"
	"github.com/bryan-buckman/threadlens/internal/ingest"
	"github.com/bryan-buckman/threadlens/internal/oracle"
	"github.com/bryan-buckman/threadlens/internal/source"
	"go.uber.org/zap"
)

type oracleMode int

const (
	noOracle oracleMode = iota
	optionalOracle
	requireOracle
)

// app holds the components a command works with.
type app struct {
	store      database.Store
	publisher  events.Publisher
	service    *ingest.Service
	classifier *classify.Classifier // nil unless an oracle is configured
}

func newApp(ctx context.Context, mode oracleMode) (*app, error) {
	if mode == requireOracle {
		if err := cfg.RequireOracle(); err != nil {
			return nil, err
		}
	}

	store, err := database.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	logger.Info("store opened", zap.String("driver", store.DatabaseType()))

	a := &app{store: store, publisher: events.Nop{}}
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
	}

	ingestor := ingest.NewIngestor(newSource(cfg.Source), store, ingest.IngestorOptions{
		RecencyWindow: cfg.Ingest.RecencyWindow,
		FetchLimit:    cfg.Ingest.FetchLimit,
		StoreTimeout:  cfg.Store.Timeout,
	}, logger)
	a.service = ingest.NewService(ingest.NewGate(store, cfg.Ingest.FreshnessWindow), ingestor, store, a.publisher, logger)

	if mode != noOracle && cfg.Oracle.APIKey != "" {
		o, err := oracle.New(ctx, oracle.Config{
			Provider:    cfg.Oracle.Provider,
			APIKey:      cfg.Oracle.APIKey,
			Model:       cfg.Oracle.Model,
			BaseURL:     cfg.Oracle.BaseURL,
			Temperature: cfg.Oracle.Temperature,
			Timeout:     cfg.Oracle.Timeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		schema, err := classify.LoadSchema(cfg.Classify.CategoriesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		cache := classify.NewStoreCache(store, cfg.Store.Timeout)
		a.classifier = classify.New(o, cache, schema, a.publisher, classify.Options{Workers: cfg.Classify.Workers}, logger)
		logger.Info("classifier ready", zap.String("oracle", o.Name()), zap.Int("categories", schema.Len()))
	} else if mode == optionalOracle {
		logger.Warn("no oracle API key configured; classification disabled")
	}
	return a, nil
}

// Close releases the store and the event connection.
func (a *app) Close() {
	a.publisher.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
}

func newSource(sc config.SourceConfig) source.Client {
	opts := source.Options{
		BaseURL:     sc.BaseURL,
		UserAgent:   sc.UserAgent,
		Delay:       sc.Delay,
		MaxAttempts: sc.MaxAttempts,
		Timeout:     sc.Timeout,
	}
	if sc.Kind == "rss" {
		return source.NewRSSClient(opts, logger)
	}
	return source.NewRedditClient(opts, source.Credentials{
		ClientID:     sc.ClientID,
		ClientSecret: sc.ClientSecret,
		Username:     sc.Username,
		Password:     sc.Password,
	}, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
