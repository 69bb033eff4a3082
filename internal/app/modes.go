package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/stakehouse/internal/domain"
	"github.com/meridianlabs/stakehouse/internal/notify"
	"github.com/meridianlabs/stakehouse/internal/server"
	"github.com/meridianlabs/stakehouse/internal/server/handler"
	"github.com/meridianlabs/stakehouse/internal/server/ws"
)

// engineOwnerKey is the distributed lock key guarding single-writer ownership
// of the settlement engine. Exactly one process may mutate settlement state.
const engineOwnerKey = "engine:owner"

// ServeMode runs the HTTP + WebSocket API on top of the settlement engine.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	unlock, err := a.acquireEngineOwnership(ctx, deps)
	if err != nil {
		return err
	}
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)

	a.startEventFanout(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// ArchiveMode runs the cold-storage archival loop without the API surface.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiveLoop(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the API and the archival loop in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	unlock, err := a.acquireEngineOwnership(ctx, deps)
	if err != nil {
		return err
	}
	defer unlock()

	g, ctx := errgroup.WithContext(ctx)

	a.startEventFanout(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	if a.cfg.Archive.Enabled {
		a.startArchiveLoop(ctx, g, deps)
	}

	return g.Wait()
}

// acquireEngineOwnership takes the single-writer lock. The lock has no expiry
// and is released on shutdown; a second instance fails fast instead of
// splitting the engine's state.
func (a *App) acquireEngineOwnership(ctx context.Context, deps *Dependencies) (func(), error) {
	unlock, err := deps.LockManager.Acquire(ctx, engineOwnerKey, 0)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: another instance already owns the settlement engine")
		}
		return nil, fmt.Errorf("app: acquire engine ownership: %w", err)
	}
	a.logger.InfoContext(ctx, "engine ownership acquired")
	return unlock, nil
}

// startEventFanout runs the notification watcher that forwards settlement
// events from the signal bus to the configured notification channels.
func (a *App) startEventFanout(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	watcher := notify.NewWatcher(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		err := watcher.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by configuration")
		return
	}

	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, startedAt, a.logger),
		Markets: handler.NewMarketHandler(deps.Settlement, a.logger),
		Stakes:  handler.NewStakeHandler(deps.Settlement, a.logger),
		Claims:  handler.NewClaimHandler(deps.Settlement, a.logger),
		Admin:   handler.NewAdminHandler(deps.Settlement, a.cfg.Authority.ChainID, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, deps.Metrics.Registry(), a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiveLoop periodically exports terminal markets and settled claims
// older than the retention window to object storage.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		a.logger.WarnContext(ctx, "archival requested but object storage is not wired")
		return
	}

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	runOnce := func() {
		cutoff := time.Now().UTC().Add(-retention)

		markets, err := deps.Archiver.ArchiveMarkets(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "market archival failed", slog.String("error", err.Error()))
		}
		claims, err := deps.Archiver.ArchiveClaims(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "claim archival failed", slog.String("error", err.Error()))
		}

		if markets > 0 || claims > 0 {
			a.logger.InfoContext(ctx, "archive cycle complete",
				slog.Int64("markets", markets),
				slog.Int64("claims", claims),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	g.Go(func() error {
		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})

	a.logger.InfoContext(ctx, "archive loop started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
}
