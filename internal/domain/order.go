package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderStatus tracks an order through the settlement pipeline.
type OrderStatus string

const (
	// OrderPending means the order is created but not yet bound to a provider.
	OrderPending OrderStatus = "PENDING"
	// OrderAccepted means a provider proposal was accepted for this order.
	OrderAccepted OrderStatus = "ACCEPTED"
	// OrderFulfilled means the provider submitted fulfillment proof.
	OrderFulfilled OrderStatus = "FULFILLED"
	// OrderSettled means on-chain settlement is final. Terminal.
	OrderSettled OrderStatus = "SETTLED"
	// OrderRefunded means funds were returned to the refund address. Terminal.
	OrderRefunded OrderStatus = "REFUNDED"
	// OrderExpired means the order lapsed before acceptance. Terminal.
	OrderExpired OrderStatus = "EXPIRED"
)

// orderTransitions is the exhaustive forward graph of the order state machine.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderAccepted, OrderExpired},
	OrderAccepted:  {OrderFulfilled, OrderRefunded},
	OrderFulfilled: {OrderSettled, OrderRefunded},
}

// ParseOrderStatus validates a status string at the boundary.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderPending, OrderAccepted, OrderFulfilled, OrderSettled, OrderRefunded, OrderExpired:
		return OrderStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidData, s)
}

// CanTransition reports whether the state machine permits moving to target.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// OrderTransitionSources returns every status from which target is reachable
// in one step. Storage layers use this as the compare set for CAS updates.
func OrderTransitionSources(target OrderStatus) []OrderStatus {
	sources := make([]OrderStatus, 0, 2)
	for from, nexts := range orderTransitions {
		for _, next := range nexts {
			if next == target {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// OrderTier classifies orders by token amount for reporting and matching.
type OrderTier string

const (
	TierAlpha OrderTier = "ALPHA"
	TierBeta  OrderTier = "BETA"
	TierDelta OrderTier = "DELTA"
	TierOmega OrderTier = "OMEGA"
	TierTitan OrderTier = "TITAN"
)

// TierLimits define the inclusive upper amount bound of each tier below Titan.
type TierLimits struct {
	Alpha decimal.Decimal
	Beta  decimal.Decimal
	Delta decimal.Decimal
	Omega decimal.Decimal
}

// TierForAmount classifies an amount against configured limits.
func TierForAmount(amount decimal.Decimal, limits TierLimits) OrderTier {
	switch {
	case amount.LessThanOrEqual(limits.Alpha):
		return TierAlpha
	case amount.LessThanOrEqual(limits.Beta):
		return TierBeta
	case amount.LessThanOrEqual(limits.Delta):
		return TierDelta
	case amount.LessThanOrEqual(limits.Omega):
		return TierOmega
	default:
		return TierTitan
	}
}

// Order is a unit of user intent to convert a locked on-chain amount into an
// off-chain payment. The order id is the 32-byte identifier assigned by the
// escrow contract and is immutable for the lifetime of the record.
type Order struct {
	OrderID           common.Hash
	UserAddress       common.Address
	Token             common.Address
	Amount            decimal.Decimal
	RefundAddress     common.Address
	IntegratorAddress common.Address
	IntegratorFeeBps  uint64
	Status            OrderStatus
	Tier              OrderTier
	Currency          string
	BlockNumber       int64
	TxHash            common.Hash
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	UpdatedAt         time.Time
}

// Validate checks boundary invariants before the order enters the ledger.
func (o Order) Validate() error {
	if o.OrderID == (common.Hash{}) {
		return fmt.Errorf("%w: order id is zero", ErrInvalidData)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidData, o.Amount)
	}
	if o.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidData)
	}
	if o.IntegratorFeeBps > 10_000 {
		return fmt.Errorf("%w: integrator fee %d bps exceeds 10000", ErrInvalidData, o.IntegratorFeeBps)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(o.CreatedAt) {
		return fmt.Errorf("%w: expires_at must be after created_at", ErrInvalidData)
	}
	return nil
}

// Expired reports whether the order's expiry has passed at now.
func (o Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}
