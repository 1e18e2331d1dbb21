// Package registry owns provider intents and reputation statistics. Intents
// are upserted at will by the provider collaborator and read-only to the
// matching engine; reputation mutates only through RecordOutcome.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/storage"
)

// Registry is the provider registry component.
type Registry struct {
	intents     storage.IntentStore
	reputations storage.ReputationStore
	logger      zerolog.Logger
}

// New constructs a Registry.
func New(intents storage.IntentStore, reputations storage.ReputationStore, logger zerolog.Logger) *Registry {
	return &Registry{
		intents:     intents,
		reputations: reputations,
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// UpsertIntent validates and stores a standing offer, replacing any prior
// intent for the same (provider, currency). Last write wins.
func (r *Registry) UpsertIntent(ctx context.Context, intent domain.ProviderIntent) error {
	now := time.Now().UTC()
	if intent.RegisteredAt.IsZero() {
		intent.RegisteredAt = now
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	if !intent.ExpiresAt.After(now) {
		return fmt.Errorf("%w: intent expiry %s is not in the future", domain.ErrInvalidData, intent.ExpiresAt)
	}
	if err := r.intents.UpsertIntent(ctx, intent); err != nil {
		return err
	}

	r.logger.Info().
		Stringer("provider", intent.Provider).
		Str("currency", intent.Currency).
		Str("available", intent.AvailableAmount.String()).
		Uint64("min_fee_bps", intent.MinFeeBps).
		Uint64("max_fee_bps", intent.MaxFeeBps).
		Msg("provider intent upserted")
	return nil
}

// EligibleIntents returns active, unexpired intents for currency covering at
// least minAmount, cheapest first. This is the pre-filter the scoring engine
// consumes.
func (r *Registry) EligibleIntents(ctx context.Context, currency string, minAmount decimal.Decimal, now time.Time) ([]domain.ProviderIntent, error) {
	return r.intents.EligibleIntents(ctx, currency, minAmount, now)
}

// Reputation returns the provider's statistics, or nil if the provider has
// never settled an order (neutral, not penalised).
func (r *Registry) Reputation(ctx context.Context, provider common.Address) (*domain.ProviderReputation, error) {
	return r.reputations.GetReputation(ctx, provider)
}

// Reputations bulk-loads reputation for the given providers, keyed by
// address. Providers without history are absent from the result.
func (r *Registry) Reputations(ctx context.Context, providers []common.Address) (map[common.Address]*domain.ProviderReputation, error) {
	result := make(map[common.Address]*domain.ProviderReputation, len(providers))
	for _, provider := range providers {
		reputation, err := r.reputations.GetReputation(ctx, provider)
		if err != nil {
			return nil, err
		}
		if reputation != nil {
			result[provider] = reputation
		}
	}
	return result, nil
}

// RecordOutcome atomically folds a settlement outcome into the provider's
// counters.
func (r *Registry) RecordOutcome(ctx context.Context, provider common.Address, outcome domain.Outcome) error {
	if err := r.reputations.RecordOutcome(ctx, provider, outcome); err != nil {
		return err
	}
	r.logger.Info().
		Stringer("provider", provider).
		Str("outcome", string(outcome.Kind)).
		Msg("provider outcome recorded")
	return nil
}
