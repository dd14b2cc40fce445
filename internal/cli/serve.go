package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/threadlens/internal/events"
	"github.com/bryan-buckman/threadlens/internal/ingest"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/bryan-buckman/threadlens/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, optionalOracle)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := seedCommunities(ctx, a); err != nil {
			return err
		}

		var hook ingest.RefreshHook
		if cfg.Server.AutoClassify && a.classifier != nil {
			hook = func(ctx context.Context, community string, posts []model.Post) {
				report := a.classifier.ClassifyAndAggregate(ctx, posts)
				logger.Info("auto-classified", zap.String("community", community),
					zap.Int("posts", len(posts)), zap.Int("failed", len(report.Failed())))
			}
		}
		poller := ingest.NewPoller(a.service, cfg.Server.PollInterval, hook, logger)

		if nats, ok := a.publisher.(*events.NATSPublisher); ok {
			unsubscribe, err := nats.ListenRefresh(func(ctx context.Context, community string) error {
				_, err := a.service.GetRecentPosts(ctx, community)
				return err
			}, 5*time.Minute)
			if err != nil {
				return err
			}
			defer func() { _ = unsubscribe() }()
		}

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := server.New(a.service, a.classifier, poller, logger)

		errc := make(chan error, 1)
		go func() { errc <- srv.Start(addr) }()

		select {
		case err := <-errc:
			poller.Stop()
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return <-errc
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}
