package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/server"
	"github.com/alanyoungcy/treasuryd/internal/server/handler"
)

// archiveInterval is how often serve mode moves expired audit rows to S3.
const archiveInterval = 6 * time.Hour

// ServeMode runs the periodic obligation flush, the audit archiver and the
// operator HTTP server until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode",
		slog.String("ledger", a.cfg.Ledger.Driver),
		slog.String("signer", deps.Signer.Address()),
		slog.String("treasury", a.cfg.Treasury.Address),
	)

	g, ctx := errgroup.WithContext(ctx)

	if interval := a.cfg.Engine.FlushInterval.Duration; interval > 0 {
		g.Go(func() error {
			return runEvery(ctx, interval, func(ctx context.Context) {
				a.flushOnce(ctx, deps, domain.FlushOptions{})
			})
		})
	} else {
		a.logger.InfoContext(ctx, "periodic flush disabled (engine.flush_interval = 0)")
	}

	if deps.Archiver != nil && a.cfg.Engine.AuditRetentionDays > 0 {
		g.Go(func() error {
			return runEvery(ctx, archiveInterval, func(ctx context.Context) {
				a.archiveOnce(ctx, deps)
			})
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FlushMode runs a single obligation flush and returns.
func (a *App) FlushMode(ctx context.Context, deps *Dependencies) error {
	sum, err := deps.Queue.Flush(ctx, domain.FlushOptions{Force: a.opts.ForceFlush})
	if err != nil {
		return fmt.Errorf("flush mode: %w", err)
	}
	for _, item := range sum.Items {
		a.logger.InfoContext(ctx, "obligation",
			slog.String("recipient", item.Recipient),
			slog.Int64("amount", item.Amount),
			slog.String("outcome", string(item.Outcome)),
			slog.String("reference", item.Reference),
			slog.String("error", item.Error),
		)
	}
	if sum.Failed > 0 {
		return fmt.Errorf("flush mode: %d of %d obligations failed", sum.Failed, len(sum.Items))
	}
	return nil
}

// MigrateMode applies the embedded Postgres migrations and returns.
func (a *App) MigrateMode(ctx context.Context) error {
	client, err := openPostgres(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	applied, err := client.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate mode: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations complete", slog.Int("applied", len(applied)), slog.Any("files", applied))
	return nil
}

func (a *App) flushOnce(ctx context.Context, deps *Dependencies, opts domain.FlushOptions) {
	if _, err := deps.Queue.Flush(ctx, opts); err != nil && ctx.Err() == nil {
		a.logger.ErrorContext(ctx, "periodic flush failed", slog.String("error", err.Error()))
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Engine.AuditRetentionDays)
	n, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archived audit rows",
			slog.Int64("rows", n),
			slog.Time("before", cutoff),
		)
	}
}

// runEvery calls fn every interval until ctx is done. fn runs once at start.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, a.cfg.Ledger.Driver, deps.Signer.Address(), a.cfg.Treasury.Address),
		Obligations: handler.NewObligationHandler(deps.Queue, a.logger),
		Markets:     handler.NewMarketHandler(deps.Predictions, a.logger),
		Auctions:    handler.NewAuctionHandler(deps.Auctions, a.logger),
		Events:      handler.NewEventsHandler(deps.SignalBus, a.logger),
		Referrals:   handler.NewReferralHandler(deps.Referrals, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Reports = handler.NewReportHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Minute,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
