// Package reputation folds terminal order outcomes into provider statistics.
// Counter arithmetic lives in storage as atomic upserts; this component is
// the single write path so no caller touches counters directly.
package reputation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/registry"
)

// Updater applies settlement outcomes to provider reputation.
type Updater struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

// New constructs an Updater.
func New(reg *registry.Registry, logger zerolog.Logger) *Updater {
	return &Updater{
		registry: reg,
		logger:   logger.With().Str("component", "reputation").Logger(),
	}
}

// Apply records one terminal outcome for a provider. Each order contributes
// exactly one outcome; idempotence is guaranteed upstream by the order state
// machine, which admits a single terminal transition per order.
func (u *Updater) Apply(ctx context.Context, provider common.Address, outcome domain.Outcome) error {
	switch outcome.Kind {
	case domain.OutcomeSuccess, domain.OutcomeFailed, domain.OutcomeNoShow:
	default:
		u.logger.Warn().
			Stringer("provider", provider).
			Str("outcome", string(outcome.Kind)).
			Msg("dropping unknown outcome kind")
		return nil
	}
	return u.registry.RecordOutcome(ctx, provider, outcome)
}
