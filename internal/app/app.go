package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"order-settlement-engine/internal/config"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/ingest"
	"order-settlement-engine/internal/ledger"
	"order-settlement-engine/internal/matching"
	"order-settlement-engine/internal/negotiator"
	"order-settlement-engine/internal/reconciler"
	"order-settlement-engine/internal/registry"
	"order-settlement-engine/internal/reputation"
	"order-settlement-engine/internal/scheduler"
	"order-settlement-engine/internal/service"
	"order-settlement-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openBackend selects the storage backend. With no DSN configured the
// in-memory store serves, which keeps local runs and dry-run commands working
// but loses state on exit.
func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using volatile in-memory store")
		return storage.NewMemoryStore(), nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) connectNATS() (*nats.Conn, error) {
	if a.Config.NATS.URL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(a.Config.NATS.URL,
		nats.Timeout(a.Config.NATS.ConnectWait),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", a.Config.NATS.URL, err)
	}
	return conn, nil
}

// engine bundles the wired components behind one backend.
type engine struct {
	ledger     *ledger.Ledger
	registry   *registry.Registry
	matcher    *matching.Engine
	negotiator *negotiator.Negotiator
	reconciler *reconciler.Reconciler
}

func (a *App) buildEngine(backend storage.Backend, bus events.Publisher) (*engine, error) {
	limits, err := a.Config.TierLimits()
	if err != nil {
		return nil, err
	}

	scorer := matching.NewHeuristicScorer(matching.Weights{
		SuccessRate: a.Config.Matching.SuccessRateWeight,
		Fee:         a.Config.Matching.FeeWeight,
		Latency:     a.Config.Matching.LatencyWeight,
	})

	matcher := matching.NewEngine(scorer)
	reg := registry.New(backend, backend, a.Logger)
	ldg := ledger.New(backend, bus, limits, a.Logger)
	neg := negotiator.New(backend, backend, reg, matcher, bus, a.Config.Negotiator.ProposalTTL, a.Logger)
	updater := reputation.New(reg, a.Logger)
	rec := reconciler.New(backend, backend, updater, bus, a.Logger)

	return &engine{ledger: ldg, registry: reg, matcher: matcher, negotiator: neg, reconciler: rec}, nil
}

// Run executes the long-running settlement engine.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	conn, err := a.connectNATS()
	if err != nil {
		return err
	}

	var bus events.Publisher = events.NopPublisher{}
	if conn != nil {
		bus = events.NewNATSPublisher(conn, a.Config.NATS.SubjectPrefix, a.Logger)
		defer conn.Close()
	} else {
		a.Logger.Warn().Msg("nats.url not configured; ingest and event publication disabled")
	}

	eng, err := a.buildEngine(backend, bus)
	if err != nil {
		return err
	}

	if conn != nil {
		ing := ingest.New(conn, a.Config.NATS.SubjectPrefix, eng.ledger, eng.registry, eng.negotiator, eng.reconciler, a.Logger)
		if err := ing.Start(ctx); err != nil {
			return err
		}
		defer ing.Close()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, eng.ledger, eng.negotiator, backend, a.Logger)

	a.Logger.Info().Msg("starting settlement engine")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting settlement history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// RankOptions configure the rank command.
type RankOptions struct {
	OrderID string
}
