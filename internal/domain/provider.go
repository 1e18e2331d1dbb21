package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ProviderIntent is a standing offer by a settlement provider to fulfill
// orders in one currency within a fee and amount range. Keyed by
// (provider, currency); repeated registrations are last-write-wins.
type ProviderIntent struct {
	Provider         common.Address
	Currency         string
	AvailableAmount  decimal.Decimal
	MinFeeBps        uint64
	MaxFeeBps        uint64
	CommitmentWindow time.Duration
	IsActive         bool
	RegisteredAt     time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks boundary invariants before the intent enters the registry.
func (p ProviderIntent) Validate() error {
	if p.Provider == (common.Address{}) {
		return fmt.Errorf("%w: provider address is zero", ErrInvalidData)
	}
	if p.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidData)
	}
	if p.MinFeeBps > p.MaxFeeBps {
		return fmt.Errorf("%w: min fee %d bps exceeds max fee %d bps", ErrInvalidData, p.MinFeeBps, p.MaxFeeBps)
	}
	if p.MaxFeeBps > 10_000 {
		return fmt.Errorf("%w: max fee %d bps exceeds 10000", ErrInvalidData, p.MaxFeeBps)
	}
	if !p.AvailableAmount.IsPositive() {
		return fmt.Errorf("%w: available amount must be positive, got %s", ErrInvalidData, p.AvailableAmount)
	}
	if p.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expires_at is required", ErrInvalidData)
	}
	return nil
}

// Eligible reports whether the intent may be matched at now. Every intent
// carries an expiry; providers keep offers alive by re-registering.
func (p ProviderIntent) Eligible(now time.Time) bool {
	return p.IsActive && p.ExpiresAt.After(now)
}

// CanHandle reports whether the intent covers the requested amount.
func (p ProviderIntent) CanHandle(amount decimal.Decimal) bool {
	return p.AvailableAmount.GreaterThanOrEqual(amount)
}

// AcceptsFee reports whether a fee lies within the intent's range.
func (p ProviderIntent) AcceptsFee(feeBps uint64) bool {
	return feeBps >= p.MinFeeBps && feeBps <= p.MaxFeeBps
}

// ProviderReputation aggregates historical settlement performance for one
// provider. Counters are monotonically non-decreasing and satisfy
// successful + failed + no_shows <= total.
type ProviderReputation struct {
	Provider             common.Address
	TotalOrders          uint64
	SuccessfulOrders     uint64
	FailedOrders         uint64
	NoShows              uint64
	AvgSettlementSeconds uint64
	TotalVolume          decimal.Decimal
	LastUpdated          time.Time
}

// SuccessRate returns successful/total, or 0.5 for providers with no
// history. New providers are treated as neutral rather than penalised.
func (r *ProviderReputation) SuccessRate() float64 {
	if r == nil || r.TotalOrders == 0 {
		return 0.5
	}
	return float64(r.SuccessfulOrders) / float64(r.TotalOrders)
}

// ApplyOutcome folds a settlement outcome into the counters. The average
// settlement time is a weighted mean over successful orders only.
func (r *ProviderReputation) ApplyOutcome(outcome Outcome, at time.Time) {
	r.TotalOrders++
	switch outcome.Kind {
	case OutcomeSuccess:
		r.SuccessfulOrders++
		elapsed := uint64(outcome.SettlementTime / time.Second)
		prior := r.AvgSettlementSeconds * (r.SuccessfulOrders - 1)
		r.AvgSettlementSeconds = (prior + elapsed) / r.SuccessfulOrders
		r.TotalVolume = r.TotalVolume.Add(outcome.Volume)
	case OutcomeFailed:
		r.FailedOrders++
	case OutcomeNoShow:
		r.NoShows++
	}
	r.LastUpdated = at
}
