package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/binarysim/internal/pipeline"
	"github.com/alanyoungcy/binarysim/internal/server"
	"github.com/alanyoungcy/binarysim/internal/server/handler"
	"github.com/alanyoungcy/binarysim/internal/server/ws"
)

// shutdownTimeout bounds the graceful HTTP drain. It covers a balance sync
// that is mid-wait when the signal arrives.
const shutdownTimeout = 25 * time.Second

// ServerMode serves the HTTP API and WebSocket hub. Sessions are still
// created on demand by the clock's gap healing, but nothing settles trades
// on a schedule; pair it with a worker process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	svcs := NewServices(a.cfg, deps, a.logger)
	if err := a.bootstrapAdmin(ctx, svcs); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs, nil)
	return g.Wait()
}

// WorkerMode runs the background loops: horizon top-up, boundary
// announcements, scheduled settlement and, when enabled, the archive cron.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	svcs := NewServices(a.cfg, deps, a.logger)
	return a.newOrchestrator(deps, svcs, nil).Run(ctx)
}

// FullMode runs the server and the worker loops in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	svcs := NewServices(a.cfg, deps, a.logger)
	if err := a.bootstrapAdmin(ctx, svcs); err != nil {
		return err
	}

	var archiveTrigger chan struct{}
	if deps.Archiver != nil {
		archiveTrigger = make(chan struct{}, 1)
	}

	g, ctx := errgroup.WithContext(ctx)
	orch := a.newOrchestrator(deps, svcs, archiveTrigger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs, archiveTrigger)
	} else {
		a.logger.InfoContext(ctx, "HTTP server disabled; running workers only")
	}
	return g.Wait()
}

// newOrchestrator assembles the worker jobs. archiveTrigger may be nil.
func (a *App) newOrchestrator(deps *Dependencies, svcs *Services, archiveTrigger <-chan struct{}) *pipeline.Orchestrator {
	orch := pipeline.NewOrchestrator(a.logger,
		pipeline.Job{Name: "horizon", Run: svcs.Clock.RunHorizon},
		pipeline.Job{Name: "boundaries", Run: svcs.Clock.RunBoundaries},
		pipeline.Job{Name: "settlement", Run: svcs.Settlement.Run},
	)
	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Notifier, a.logger)
		orch.Add("archive", func(ctx context.Context) error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron, archiveTrigger)
		})
	}
	return orch
}

// bootstrapAdmin creates the configured admin account on first start.
func (a *App) bootstrapAdmin(ctx context.Context, svcs *Services) error {
	if err := svcs.Accounts.EnsureAdmin(ctx, a.cfg.Auth.BootstrapAdmin, a.cfg.Auth.BootstrapPassword); err != nil {
		return fmt.Errorf("app: bootstrap admin: %w", err)
	}
	return nil
}

// startHTTPServer registers the API server and WebSocket hub on g. The
// server shuts down when ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svcs *Services,
	archiveTrigger chan<- struct{},
) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	archiveH := handler.NewArchiveHandler(a.logger)
	if archiveTrigger != nil {
		archiveH = archiveH.WithTriggerChannel(archiveTrigger)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: &handler.StatusHandler{
			Mode:       a.cfg.Mode,
			Asset:      a.cfg.Trading.Asset,
			MinStake:   a.cfg.Trading.MinStake,
			PayoutRate: a.cfg.Trading.PayoutRate,
			StartedAt:  time.Now().UTC(),
		},
		Auth:     handler.NewAuthHandler(svcs.Accounts, a.logger),
		Sessions: handler.NewSessionHandler(svcs.Clock, a.logger),
		Trades:   handler.NewTradeHandler(svcs.Trades, a.logger),
		Balance:  handler.NewBalanceHandler(svcs.Balances, a.logger),
		Deposits: handler.NewDepositHandler(svcs.Deposits, a.logger),
		Admin: handler.NewAdminHandler(handler.AdminDeps{
			Future:     svcs.Clock,
			Outcomes:   svcs.Outcomes,
			Settlement: svcs.Settlement,
			Deposits:   svcs.Deposits,
			Passwords:  svcs.Accounts,
			Activity:   svcs.Activity,
		}, a.logger),
		Archive: archiveH,
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, svcs.Tokens, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("HTTP server shutting down", slog.Duration("timeout", shutdownTimeout))
		return srv.Shutdown(shutCtx)
	})
}
