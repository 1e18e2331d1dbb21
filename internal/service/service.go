// Package service orchestrates the periodic reconciliation sweep: proposal
// timeouts, order expiry, and matching for orders left without a proposal.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/ledger"
	"order-settlement-engine/internal/negotiator"
	"order-settlement-engine/internal/scheduler"
	"order-settlement-engine/internal/storage"
)

const (
	retryAttempts = 3
	retryBaseWait = 250 * time.Millisecond
)

// Service runs the sweep loop over the engine components.
type Service struct {
	scheduler  *scheduler.Scheduler
	ledger     *ledger.Ledger
	negotiator *negotiator.Negotiator
	proposals  storage.ProposalStore
	logger     zerolog.Logger
}

// New constructs the sweep service.
func New(sched *scheduler.Scheduler, ldg *ledger.Ledger, neg *negotiator.Negotiator, proposals storage.ProposalStore, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		ledger:     ldg,
		negotiator: neg,
		proposals:  proposals,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the periodic sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// Sweep executes one reconciliation pass. Proposal timeouts run before order
// expiry so an order abandoned by its last provider can still be re-matched
// in the same pass, and unmatched pending orders are retried last.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	swept, err := s.sweepProposals(ctx, now)
	if err != nil {
		return err
	}

	expired, err := s.expireOrders(ctx, now)
	if err != nil {
		return err
	}

	matched, err := s.matchUnassigned(ctx)
	if err != nil {
		return err
	}

	if swept > 0 || expired > 0 || matched > 0 {
		s.logger.Info().
			Int("proposals_timed_out", swept).
			Int("orders_expired", expired).
			Int("orders_matched", matched).
			Msg("sweep completed")
	}
	return nil
}

func (s *Service) sweepProposals(ctx context.Context, now time.Time) (int, error) {
	var swept int
	err := s.withRetry(ctx, "sweep proposals", func() error {
		var err error
		swept, err = s.negotiator.SweepExpired(ctx, now)
		return err
	})
	return swept, err
}

func (s *Service) expireOrders(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := s.withRetry(ctx, "expire orders", func() error {
		var err error
		expired, err = s.ledger.ExpireDue(ctx, now)
		return err
	})
	return expired, err
}

// matchUnassigned opens proposals for pending orders that have none, e.g.
// orders created while no provider was eligible.
func (s *Service) matchUnassigned(ctx context.Context) (int, error) {
	pending, err := s.ledger.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	matched := 0
	for _, order := range pending {
		active, err := s.proposals.ActiveProposal(ctx, order.OrderID)
		if err != nil {
			return matched, err
		}
		if active != nil {
			continue
		}

		err = s.negotiator.Rematch(ctx, order.OrderID)
		switch {
		case err == nil:
			matched++
		case errors.Is(err, domain.ErrNoEligibleCandidate):
		case errors.Is(err, domain.ErrConflict):
			// another writer opened a proposal between the check and the match
		default:
			return matched, err
		}
	}
	return matched, nil
}

// withRetry re-runs fn with exponential backoff while it fails with
// StorageUnavailable, the only retryable class. Every other error returns
// immediately.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := retryBaseWait
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrStorageUnavailable) {
			return err
		}
		if attempt == retryAttempts {
			return fmt.Errorf("%s: %w", op, err)
		}

		s.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("storage unavailable, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
}
