package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/config"
	"order-settlement-engine/internal/domain"
)

// OrderStore defines the published operations of the order ledger's
// persistence. Orders are never deleted; terminal states are retained.
type OrderStore interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID common.Hash) (domain.Order, error)
	// TransitionOrder moves an order to target iff its current status is in
	// from, as a single compare-and-swap. A zero-row update surfaces as
	// domain.ErrInvalidTransition (or ErrNotFound when the order is absent).
	TransitionOrder(ctx context.Context, orderID common.Hash, from []domain.OrderStatus, to domain.OrderStatus) error
	ListPendingOrders(ctx context.Context) ([]domain.Order, error)
	ListExpiredOrders(ctx context.Context, now time.Time) ([]domain.Order, error)
	ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error)
	SettlementStats(ctx context.Context, from, to time.Time) ([]SettlementPoint, error)
}

// IntentStore defines provider intent persistence.
type IntentStore interface {
	UpsertIntent(ctx context.Context, intent domain.ProviderIntent) error
	// EligibleIntents returns active, unexpired intents for currency covering
	// at least minAmount, ordered ascending by min_fee_bps.
	EligibleIntents(ctx context.Context, currency string, minAmount decimal.Decimal, now time.Time) ([]domain.ProviderIntent, error)
}

// ReputationStore defines provider reputation persistence. RecordOutcome
// must be an atomic increment, never caller-side read-modify-write.
type ReputationStore interface {
	// GetReputation returns nil for providers that never settled an order.
	GetReputation(ctx context.Context, provider common.Address) (*domain.ProviderReputation, error)
	RecordOutcome(ctx context.Context, provider common.Address, outcome domain.Outcome) error
}

// ProposalStore defines proposal persistence. The "at most one non-terminal
// proposal per order" invariant is enforced here, and the composite
// operations run as single per-order transactions so accept, execute, and
// sweep races are decided by whichever transition commits first.
type ProposalStore interface {
	// CreateProposal fails with domain.ErrConflict if a non-terminal proposal
	// already exists for the same order.
	CreateProposal(ctx context.Context, proposal domain.Proposal) error
	GetProposal(ctx context.Context, proposalID uuid.UUID) (domain.Proposal, error)
	// ActiveProposal returns the order's non-terminal proposal, or nil.
	ActiveProposal(ctx context.Context, orderID common.Hash) (*domain.Proposal, error)
	// SettlementProposal returns the order's most recent accepted or executed
	// proposal, i.e. the provider bound to settle it.
	SettlementProposal(ctx context.Context, orderID common.Hash) (domain.Proposal, error)
	// ProposalProviders returns every provider that has held a proposal for
	// the order, used to exclude them from re-matching.
	ProposalProviders(ctx context.Context, orderID common.Hash) ([]common.Address, error)
	TransitionProposal(ctx context.Context, proposalID uuid.UUID, from []domain.ProposalStatus, to domain.ProposalStatus, at time.Time) error
	// AcceptProposal transitions the proposal to ACCEPTED and its order to
	// ACCEPTED atomically; both or neither commit.
	AcceptProposal(ctx context.Context, proposalID uuid.UUID, at time.Time) (domain.Proposal, error)
	// ExecuteProposal transitions the order's accepted proposal to EXECUTED
	// and the order to FULFILLED atomically. The submitting provider must be
	// the one bound by the proposal.
	ExecuteProposal(ctx context.Context, orderID common.Hash, provider common.Address, txRef string, at time.Time) (domain.Proposal, error)
	ListDueProposals(ctx context.Context, now time.Time) ([]domain.Proposal, error)
}

// Backend aggregates every store the engine depends on.
type Backend interface {
	OrderStore
	IntentStore
	ReputationStore
	ProposalStore
	Close()
}

// SettlementPoint is a per-day settlement aggregate consumed by the export
// command.
type SettlementPoint struct {
	Day      time.Time
	Settled  int64
	Refunded int64
	Volume   decimal.Decimal
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Store is the PostgreSQL-backed implementation of Backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

var _ Backend = (*Store)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	activeProposalIndex   = "proposals_one_active_per_order"
)

// domainErrors lists taxonomy sentinels that must pass through classify
// untouched when raised inside a storage transaction.
var domainErrors = []error{
	domain.ErrNotFound,
	domain.ErrDuplicateEntry,
	domain.ErrInvalidTransition,
	domain.ErrConflict,
	domain.ErrInvalidData,
}

// classify maps a pgx failure onto the engine error taxonomy. Integrity
// violations become the matching domain error; everything else is treated as
// the store being unavailable, which is the only retryable class.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range domainErrors {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == activeProposalIndex {
				return fmt.Errorf("%s: %w", op, domain.ErrConflict)
			}
			return fmt.Errorf("%s: %w", op, domain.ErrDuplicateEntry)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
