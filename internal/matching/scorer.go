package matching

import (
	"order-settlement-engine/internal/domain"
)

// Scorer assigns a score to one candidate for one order. Implementations
// must be deterministic; a remote-inference adapter that caches its model
// output per snapshot satisfies the contract, a live sampling call does not.
type Scorer interface {
	Score(order domain.Order, candidate Candidate) float64
}

// Weights tune the heuristic scorer's feature mix.
type Weights struct {
	SuccessRate float64
	Fee         float64
	Latency     float64
}

// DefaultWeights favour reliability over price, price over speed.
func DefaultWeights() Weights {
	return Weights{SuccessRate: 0.5, Fee: 0.3, Latency: 0.2}
}

// latencyHalfPointSeconds is the settlement time scoring 0.5 on the latency
// feature; faster settles score higher, slower asymptotically approach 0.
const latencyHalfPointSeconds = 600.0

// HeuristicScorer is the local scoring implementation. Each feature is
// normalized to [0, 1] per candidate, with no dependence on the rest of the
// snapshot:
//
//   - success rate: successful/total, 0.5 for providers with no history
//   - fee: 1 - min_fee_bps/10000, so cheaper intents score higher
//   - latency: 600s half-point decay of the average settlement time,
//     neutral 0.5 for providers with no history
type HeuristicScorer struct {
	weights Weights
}

// NewHeuristicScorer builds the default scorer. Zero weights fall back to
// DefaultWeights.
func NewHeuristicScorer(weights Weights) *HeuristicScorer {
	if weights.SuccessRate == 0 && weights.Fee == 0 && weights.Latency == 0 {
		weights = DefaultWeights()
	}
	return &HeuristicScorer{weights: weights}
}

// Score implements Scorer.
func (s *HeuristicScorer) Score(_ domain.Order, candidate Candidate) float64 {
	successRate := candidate.Reputation.SuccessRate()

	fee := 1.0 - float64(candidate.Intent.MinFeeBps)/10_000.0

	latency := 0.5
	if candidate.Reputation != nil && candidate.Reputation.SuccessfulOrders > 0 {
		avg := float64(candidate.Reputation.AvgSettlementSeconds)
		latency = latencyHalfPointSeconds / (latencyHalfPointSeconds + avg)
	}

	return s.weights.SuccessRate*successRate + s.weights.Fee*fee + s.weights.Latency*latency
}

var _ Scorer = (*HeuristicScorer)(nil)
