// Package matching ranks eligible provider intents for an order. The engine
// is a pure function over a snapshot: it never reads or writes storage, and
// identical inputs always produce the identical ranking.
package matching

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"order-settlement-engine/internal/domain"
)

// Candidate pairs an eligible intent with the provider's reputation (nil for
// providers with no history) and the score assigned by the engine.
type Candidate struct {
	Intent     domain.ProviderIntent
	Reputation *domain.ProviderReputation
	Score      float64
}

// Engine ranks candidates with a pluggable Scorer.
type Engine struct {
	scorer Scorer
}

// NewEngine constructs an Engine around a scoring function.
func NewEngine(scorer Scorer) *Engine {
	return &Engine{scorer: scorer}
}

// Rank filters and orders the snapshot: excluded or currently ineligible
// intents are dropped, the rest are scored and sorted highest score first.
// Ties break by ascending provider address so the ranking is reproducible.
// An empty eligible set yields an empty ranking; the caller decides whether
// to retry later or expire the order.
func (e *Engine) Rank(order domain.Order, intents []domain.ProviderIntent, reputations map[common.Address]*domain.ProviderReputation, exclude map[common.Address]struct{}) []Candidate {
	candidates := make([]Candidate, 0, len(intents))
	for _, intent := range intents {
		if _, skip := exclude[intent.Provider]; skip {
			continue
		}
		if !intent.CanHandle(order.Amount) {
			continue
		}
		candidate := Candidate{
			Intent:     intent,
			Reputation: reputations[intent.Provider],
		}
		candidate.Score = e.scorer.Score(order, candidate)
		candidates = append(candidates, candidate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return bytes.Compare(
			candidates[i].Intent.Provider.Bytes(),
			candidates[j].Intent.Provider.Bytes(),
		) < 0
	})
	return candidates
}
