// Package reconciler closes the loop on accepted orders: it records
// fulfillment proof, finalizes settlement, and handles failed or abandoned
// orders, folding each terminal outcome into provider reputation.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/reputation"
	"order-settlement-engine/internal/storage"
)

// FulfillmentProof is a provider's claim of an executed off-chain payout.
type FulfillmentProof struct {
	OrderID  common.Hash
	Provider common.Address
	TxRef    string
}

// Reconciler is the settlement reconciliation component.
type Reconciler struct {
	orders     storage.OrderStore
	proposals  storage.ProposalStore
	reputation *reputation.Updater
	bus        events.Publisher
	logger     zerolog.Logger
}

// New constructs a Reconciler.
func New(orders storage.OrderStore, proposals storage.ProposalStore, updater *reputation.Updater, bus events.Publisher, logger zerolog.Logger) *Reconciler {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Reconciler{
		orders:     orders,
		proposals:  proposals,
		reputation: updater,
		bus:        bus,
		logger:     logger.With().Str("component", "reconciler").Logger(),
	}
}

// RecordFulfillment applies a provider's payout proof: the order's accepted
// proposal moves to EXECUTED and the order to FULFILLED in one transaction,
// then order.fulfilled is published. Proof from a provider other than the one
// bound by the accepted proposal fails with InvalidData; an order not in
// ACCEPTED fails with InvalidTransition.
func (r *Reconciler) RecordFulfillment(ctx context.Context, proof FulfillmentProof) error {
	if proof.TxRef == "" {
		return fmt.Errorf("fulfillment proof for order %s has no tx ref: %w", proof.OrderID, domain.ErrInvalidData)
	}

	now := time.Now().UTC()
	proposal, err := r.proposals.ExecuteProposal(ctx, proof.OrderID, proof.Provider, proof.TxRef, now)
	if err != nil {
		return err
	}

	r.logger.Info().
		Stringer("order_id", proof.OrderID).
		Stringer("provider", proof.Provider).
		Str("tx_ref", proof.TxRef).
		Msg("fulfillment recorded")

	r.publish(ctx, events.OrderEvent{
		Type:     events.TypeOrderFulfilled,
		OrderID:  proof.OrderID,
		Status:   domain.OrderFulfilled,
		Provider: &proposal.Provider,
		FeeBps:   proposal.ProposedFeeBps,
		TxRef:    proof.TxRef,
	})
	return nil
}

// FinalizeSettlement confirms on-chain settlement of a fulfilled order: the
// order moves FULFILLED to SETTLED, the bound provider is credited a success
// with settlement time measured from proposal acceptance, and order.settled
// is published carrying the settlement transaction hash. Finalizing an order
// in any other status fails with InvalidTransition, so a repeated
// confirmation cannot double-count.
func (r *Reconciler) FinalizeSettlement(ctx context.Context, orderID common.Hash, txHash string) error {
	err := r.orders.TransitionOrder(ctx, orderID,
		[]domain.OrderStatus{domain.OrderFulfilled}, domain.OrderSettled)
	if err != nil {
		return err
	}

	order, err := r.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	proposal, err := r.proposals.SettlementProposal(ctx, orderID)
	if err != nil {
		return err
	}

	elapsed := time.Duration(0)
	if proposal.AcceptedAt != nil {
		elapsed = time.Now().UTC().Sub(*proposal.AcceptedAt)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	outcome := domain.Success(elapsed, order.Amount)
	if err := r.reputation.Apply(ctx, proposal.Provider, outcome); err != nil {
		// the settlement transition already committed, do not unwind it
		r.logger.Error().Err(err).
			Stringer("provider", proposal.Provider).
			Stringer("order_id", orderID).
			Msg("failed to record settlement outcome")
	}

	r.logger.Info().
		Stringer("order_id", orderID).
		Stringer("provider", proposal.Provider).
		Str("tx_hash", txHash).
		Dur("settlement_time", elapsed).
		Msg("order settled")

	r.publish(ctx, events.OrderEvent{
		Type:     events.TypeOrderSettled,
		OrderID:  orderID,
		Status:   domain.OrderSettled,
		Provider: &proposal.Provider,
		FeeBps:   proposal.ProposedFeeBps,
		TxHash:   txHash,
	})
	return nil
}

// Fail refunds an order whose settlement cannot complete. An ACCEPTED order
// refunds as a provider no-show; a FULFILLED order refunds as a failed
// settlement. Orders in any other status fail with InvalidTransition. The
// bound provider is debited accordingly and the caller's reason is logged
// with the refund.
func (r *Reconciler) Fail(ctx context.Context, orderID common.Hash, reason string) error {
	outcome := domain.NoShow()
	err := r.orders.TransitionOrder(ctx, orderID,
		[]domain.OrderStatus{domain.OrderAccepted}, domain.OrderRefunded)
	if errors.Is(err, domain.ErrInvalidTransition) {
		outcome = domain.Failed()
		err = r.orders.TransitionOrder(ctx, orderID,
			[]domain.OrderStatus{domain.OrderFulfilled}, domain.OrderRefunded)
	}
	if err != nil {
		return err
	}

	proposal, err := r.proposals.SettlementProposal(ctx, orderID)
	if err != nil {
		return err
	}
	if err := r.reputation.Apply(ctx, proposal.Provider, outcome); err != nil {
		r.logger.Error().Err(err).
			Stringer("provider", proposal.Provider).
			Stringer("order_id", orderID).
			Msg("failed to record failure outcome")
	}

	r.logger.Warn().
		Stringer("order_id", orderID).
		Stringer("provider", proposal.Provider).
		Str("outcome", string(outcome.Kind)).
		Str("reason", reason).
		Msg("order refunded")
	return nil
}

func (r *Reconciler) publish(ctx context.Context, event events.OrderEvent) {
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("type", event.Type).Msg("failed to publish event")
	}
}
