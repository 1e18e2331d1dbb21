package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind classifies how an order terminated for its bound provider.
type OutcomeKind string

const (
	// OutcomeSuccess records a completed settlement.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeFailed records a settlement that failed after fulfillment proof.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeNoShow records a provider that never delivered fulfillment proof.
	OutcomeNoShow OutcomeKind = "no_show"
)

// Outcome carries the terminal result of one order for reputation purposes.
// SettlementTime and Volume are meaningful only for OutcomeSuccess.
type Outcome struct {
	Kind           OutcomeKind
	SettlementTime time.Duration
	Volume         decimal.Decimal
}

// Success builds a success outcome with its settlement duration and volume.
func Success(settlementTime time.Duration, volume decimal.Decimal) Outcome {
	return Outcome{Kind: OutcomeSuccess, SettlementTime: settlementTime, Volume: volume}
}

// Failed builds a failed-settlement outcome.
func Failed() Outcome {
	return Outcome{Kind: OutcomeFailed, Volume: decimal.Zero}
}

// NoShow builds a no-show outcome.
func NoShow() Outcome {
	return Outcome{Kind: OutcomeNoShow, Volume: decimal.Zero}
}
