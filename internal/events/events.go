package events

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"order-settlement-engine/internal/domain"
)

// Lifecycle event types published to the messaging collaborator.
const (
	TypeOrderPending   = "order.pending"
	TypeOrderAssigned  = "order.assigned"
	TypeOrderFulfilled = "order.fulfilled"
	TypeOrderSettled   = "order.settled"
)

// OrderEvent is the outbound payload for one order lifecycle transition.
// Every event carries at minimum the order id and its new status.
type OrderEvent struct {
	Type       string             `json:"type"`
	OrderID    common.Hash        `json:"order_id"`
	Status     domain.OrderStatus `json:"status"`
	Provider   *common.Address    `json:"provider,omitempty"`
	ProposalID *uuid.UUID         `json:"proposal_id,omitempty"`
	FeeBps     uint64             `json:"fee_bps,omitempty"`
	TxRef      string             `json:"tx_ref,omitempty"`
	TxHash     string             `json:"tx_hash,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Publisher delivers lifecycle events to the messaging collaborator.
type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// NopPublisher discards events. Used when no message bus is configured and
// in tests that do not assert on publication.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }

var _ Publisher = NopPublisher{}
