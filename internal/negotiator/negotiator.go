// Package negotiator creates, tracks, and resolves proposals: the
// time-bounded commitments binding one provider to one order. It owns all
// proposal mutation and drives re-matching when a proposal dies.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/matching"
	"order-settlement-engine/internal/registry"
	"order-settlement-engine/internal/storage"
)

// Resolution is a caller decision on a pending proposal.
type Resolution string

const (
	ResolveAccept  Resolution = "accept"
	ResolveReject  Resolution = "reject"
	ResolveTimeout Resolution = "timeout"
)

// Negotiator is the proposal negotiation component.
type Negotiator struct {
	proposals storage.ProposalStore
	orders    storage.OrderStore
	registry  *registry.Registry
	engine    *matching.Engine
	bus       events.Publisher
	ttl       time.Duration
	logger    zerolog.Logger
}

// New constructs a Negotiator. ttl caps how far ahead proposal deadlines may
// be set regardless of the provider's commitment window.
func New(proposals storage.ProposalStore, orders storage.OrderStore, reg *registry.Registry, engine *matching.Engine, bus events.Publisher, ttl time.Duration, logger zerolog.Logger) *Negotiator {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Negotiator{
		proposals: proposals,
		orders:    orders,
		registry:  reg,
		engine:    engine,
		bus:       bus,
		ttl:       ttl,
		logger:    logger.With().Str("component", "negotiator").Logger(),
	}
}

// Open creates a PENDING proposal against the first ranked candidate whose
// proposed fee still lies within its live fee range. The proposed fee is the
// snapshot candidate's minimum: the cheapest fee the provider accepted when
// ranked. Each candidate is re-checked against a fresh registry read, so an
// intent that lapsed, deactivated, or re-registered out of range since the
// ranking is skipped. Fails with NoEligibleCandidate when no candidate
// qualifies and with Conflict when the order already has a non-terminal
// proposal (a losing race, not an error to retry).
func (n *Negotiator) Open(ctx context.Context, orderID common.Hash, candidates []matching.Candidate) (domain.Proposal, error) {
	order, err := n.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if order.Status != domain.OrderPending {
		return domain.Proposal{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	live, err := n.registry.EligibleIntents(ctx, order.Currency, order.Amount, now)
	if err != nil {
		return domain.Proposal{}, err
	}
	liveByProvider := make(map[common.Address]domain.ProviderIntent, len(live))
	for _, intent := range live {
		liveByProvider[intent.Provider] = intent
	}

	for _, candidate := range candidates {
		proposedFee := candidate.Intent.MinFeeBps
		intent, ok := liveByProvider[candidate.Intent.Provider]
		if !ok || !intent.AcceptsFee(proposedFee) {
			continue
		}

		deadline := now.Add(n.ttl)
		if window := intent.CommitmentWindow; window > 0 && window < n.ttl {
			deadline = now.Add(window)
		}

		proposal := domain.Proposal{
			ProposalID:     uuid.New(),
			OrderID:        orderID,
			Provider:       intent.Provider,
			ProposedFeeBps: proposedFee,
			Status:         domain.ProposalPending,
			CreatedAt:      now,
			Deadline:       deadline,
		}
		if err := proposal.Validate(); err != nil {
			return domain.Proposal{}, err
		}
		if err := n.proposals.CreateProposal(ctx, proposal); err != nil {
			return domain.Proposal{}, err
		}

		n.logger.Info().
			Stringer("order_id", orderID).
			Stringer("proposal_id", proposal.ProposalID).
			Stringer("provider", intent.Provider).
			Uint64("fee_bps", proposedFee).
			Time("deadline", deadline).
			Msg("proposal opened")

		n.publish(ctx, events.OrderEvent{
			Type:       events.TypeOrderAssigned,
			OrderID:    orderID,
			Status:     order.Status,
			Provider:   &proposal.Provider,
			ProposalID: &proposal.ProposalID,
			FeeBps:     proposedFee,
		})
		return proposal, nil
	}

	return domain.Proposal{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNoEligibleCandidate)
}

// Resolve applies a caller decision to a pending proposal. Accept also moves
// the owning order to ACCEPTED atomically with the proposal transition; on
// reject and timeout the order stays PENDING so the next-ranked candidate
// can be proposed. Resolving a terminal proposal fails with
// InvalidTransition; in an accept-vs-sweep race the loser sees exactly that.
func (n *Negotiator) Resolve(ctx context.Context, proposalID uuid.UUID, resolution Resolution) error {
	now := time.Now().UTC()

	switch resolution {
	case ResolveAccept:
		proposal, err := n.proposals.AcceptProposal(ctx, proposalID, now)
		if err != nil {
			return err
		}
		n.logger.Info().
			Stringer("proposal_id", proposalID).
			Stringer("order_id", proposal.OrderID).
			Stringer("provider", proposal.Provider).
			Msg("proposal accepted")
		return nil
	case ResolveReject:
		return n.resolveTerminal(ctx, proposalID, domain.ProposalRejected, now)
	case ResolveTimeout:
		return n.resolveTerminal(ctx, proposalID, domain.ProposalTimedOut, now)
	default:
		return fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidData, resolution)
	}
}

func (n *Negotiator) resolveTerminal(ctx context.Context, proposalID uuid.UUID, target domain.ProposalStatus, at time.Time) error {
	err := n.proposals.TransitionProposal(ctx, proposalID,
		[]domain.ProposalStatus{domain.ProposalPending}, target, at)
	if err != nil {
		return err
	}
	n.logger.Info().
		Stringer("proposal_id", proposalID).
		Str("status", string(target)).
		Msg("proposal resolved")
	return nil
}

// SweepExpired transitions every pending proposal past its deadline to
// TIMED_OUT and immediately re-matches the affected order, excluding every
// provider that already held a proposal for it. Returns how many proposals
// timed out. Proposals that race into acceptance are skipped.
func (n *Negotiator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := n.proposals.ListDueProposals(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, proposal := range due {
		err := n.proposals.TransitionProposal(ctx, proposal.ProposalID,
			[]domain.ProposalStatus{domain.ProposalPending}, domain.ProposalTimedOut, now)
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Lost the race to an accept; the proposal is no longer ours to sweep.
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		n.logger.Info().
			Stringer("proposal_id", proposal.ProposalID).
			Stringer("order_id", proposal.OrderID).
			Stringer("provider", proposal.Provider).
			Msg("proposal timed out")

		if err := n.Rematch(ctx, proposal.OrderID); err != nil && !errors.Is(err, domain.ErrNoEligibleCandidate) {
			n.logger.Error().Err(err).Stringer("order_id", proposal.OrderID).Msg("re-match failed")
		}
	}
	return swept, nil
}

// Rematch assembles a fresh snapshot for a pending order and opens a
// proposal with the best remaining candidate. Providers that already held a
// proposal for the order are excluded. NoEligibleCandidate is returned when
// nobody is left; the order stays PENDING for a later sweep or expiry.
func (n *Negotiator) Rematch(ctx context.Context, orderID common.Hash) error {
	order, err := n.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderPending {
		return nil
	}

	now := time.Now().UTC()
	intents, err := n.registry.EligibleIntents(ctx, order.Currency, order.Amount, now)
	if err != nil {
		return err
	}

	tried, err := n.proposals.ProposalProviders(ctx, orderID)
	if err != nil {
		return err
	}
	exclude := make(map[common.Address]struct{}, len(tried))
	for _, provider := range tried {
		exclude[provider] = struct{}{}
	}

	providers := make([]common.Address, 0, len(intents))
	for _, intent := range intents {
		providers = append(providers, intent.Provider)
	}
	reputations, err := n.registry.Reputations(ctx, providers)
	if err != nil {
		return err
	}

	ranked := n.engine.Rank(order, intents, reputations, exclude)
	if len(ranked) == 0 {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNoEligibleCandidate)
	}

	_, err = n.Open(ctx, orderID, ranked)
	return err
}

func (n *Negotiator) publish(ctx context.Context, event events.OrderEvent) {
	if err := n.bus.Publish(ctx, event); err != nil {
		n.logger.Error().Err(err).Str("type", event.Type).Msg("failed to publish event")
	}
}
