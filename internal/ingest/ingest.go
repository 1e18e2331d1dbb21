// Package ingest consumes inbound messages from the bus and dispatches them
// to the engine components: order intake from the chain indexer, provider
// intents, proposal responses, fulfillment proofs, and settlement results.
// Decoding is split from transport so handlers are testable on raw bytes.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/ledger"
	"order-settlement-engine/internal/negotiator"
	"order-settlement-engine/internal/reconciler"
	"order-settlement-engine/internal/registry"
)

// Inbound subject suffixes, appended to the configured prefix. They are
// disjoint from the outbound order.* subjects so the engine never consumes
// its own events.
const (
	SubjectOrderCreated        = "orders.created"
	SubjectProviderIntent      = "providers.intent"
	SubjectProposalResponse    = "proposals.response"
	SubjectFulfillment         = "fulfillments.submitted"
	SubjectSettlementConfirmed = "settlements.confirmed"
	SubjectSettlementFailed    = "settlements.failed"
)

// orderCreatedMsg is the indexer's notification of an on-chain order.
type orderCreatedMsg struct {
	OrderID           string  `json:"order_id"`
	UserAddress       string  `json:"user_address"`
	Token             string  `json:"token"`
	Amount            string  `json:"amount"`
	IntegratorAddress string  `json:"integrator_address"`
	IntegratorFeeBps  uint64  `json:"integrator_fee_bps"`
	RefundAddress     string  `json:"refund_address"`
	Currency          string  `json:"currency"`
	BlockNumber       int64   `json:"block_number"`
	TxHash            string  `json:"tx_hash"`
	ExpiresAt         *string `json:"expires_at"`
}

// providerIntentMsg is a provider's standing offer announcement.
type providerIntentMsg struct {
	Provider                string  `json:"provider"`
	Currency                string  `json:"currency"`
	AvailableAmount         string  `json:"available_amount"`
	MinFeeBps               uint64  `json:"min_fee_bps"`
	MaxFeeBps               uint64  `json:"max_fee_bps"`
	CommitmentWindowSeconds int64   `json:"commitment_window_seconds"`
	IsActive                bool    `json:"is_active"`
	ExpiresAt               *string `json:"expires_at"`
}

// proposalResponseMsg is a provider's answer to an open proposal.
type proposalResponseMsg struct {
	ProposalID string `json:"proposal_id"`
	Accepted   bool   `json:"accepted"`
}

// fulfillmentMsg is a provider's off-chain payout proof.
type fulfillmentMsg struct {
	OrderID  string `json:"order_id"`
	Provider string `json:"provider"`
	TxRef    string `json:"tx_ref"`
}

// settlementResultMsg reports the on-chain settlement or failure of an order.
// TxHash is set on confirmations, Reason on failures.
type settlementResultMsg struct {
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash"`
	Reason  string `json:"reason"`
}

// Ingestor subscribes to the inbound subjects and dispatches to the engine.
type Ingestor struct {
	conn       *nats.Conn
	prefix     string
	ledger     *ledger.Ledger
	registry   *registry.Registry
	negotiator *negotiator.Negotiator
	reconciler *reconciler.Reconciler
	logger     zerolog.Logger

	subs []*nats.Subscription
}

// New constructs an Ingestor bound to a connected NATS client.
func New(conn *nats.Conn, prefix string, ldg *ledger.Ledger, reg *registry.Registry, neg *negotiator.Negotiator, rec *reconciler.Reconciler, logger zerolog.Logger) *Ingestor {
	if prefix == "" {
		prefix = "paymatch"
	}
	return &Ingestor{
		conn:       conn,
		prefix:     strings.TrimRight(prefix, "."),
		ledger:     ldg,
		registry:   reg,
		negotiator: neg,
		reconciler: rec,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// Start subscribes to every inbound subject. Handlers run on the NATS
// delivery goroutine; per-order serialization is enforced by storage, not
// here.
func (in *Ingestor) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) error{
		SubjectOrderCreated:        in.HandleOrderCreated,
		SubjectProviderIntent:      in.HandleProviderIntent,
		SubjectProposalResponse:    in.HandleProposalResponse,
		SubjectFulfillment:         in.HandleFulfillment,
		SubjectSettlementConfirmed: in.HandleSettlementConfirmed,
		SubjectSettlementFailed:    in.HandleSettlementFailed,
	}

	for suffix, handler := range handlers {
		subject := in.prefix + "." + suffix
		handle := handler
		sub, err := in.conn.Subscribe(subject, func(msg *nats.Msg) {
			if err := handle(ctx, msg.Data); err != nil {
				in.logger.Error().Err(err).Str("subject", msg.Subject).Msg("message handling failed")
			}
		})
		if err != nil {
			in.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		in.subs = append(in.subs, sub)
		in.logger.Debug().Str("subject", subject).Msg("subscribed")
	}
	return nil
}

// Close drains the active subscriptions.
func (in *Ingestor) Close() {
	for _, sub := range in.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			in.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	in.subs = nil
}

// HandleOrderCreated decodes an indexer notification and records the order.
// A duplicate order id is logged and dropped; the indexer redelivers.
func (in *Ingestor) HandleOrderCreated(ctx context.Context, data []byte) error {
	var msg orderCreatedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode order created: %w: %v", domain.ErrInvalidData, err)
	}

	order, err := decodeOrder(msg)
	if err != nil {
		return err
	}

	created, err := in.ledger.Create(ctx, order)
	if errors.Is(err, domain.ErrDuplicateEntry) {
		in.logger.Debug().Stringer("order_id", order.OrderID).Msg("order already recorded")
		return nil
	}
	if err != nil {
		return err
	}

	if err := in.negotiator.Rematch(ctx, created.OrderID); err != nil && !errors.Is(err, domain.ErrNoEligibleCandidate) {
		return err
	}
	return nil
}

// HandleProviderIntent decodes and upserts a provider's standing offer.
func (in *Ingestor) HandleProviderIntent(ctx context.Context, data []byte) error {
	var msg providerIntentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode provider intent: %w: %v", domain.ErrInvalidData, err)
	}

	intent, err := decodeIntent(msg)
	if err != nil {
		return err
	}
	return in.registry.UpsertIntent(ctx, intent)
}

// HandleProposalResponse decodes a provider's accept or reject. A response
// arriving after the proposal timed out loses with InvalidTransition, which
// is logged and dropped.
func (in *Ingestor) HandleProposalResponse(ctx context.Context, data []byte) error {
	var msg proposalResponseMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode proposal response: %w: %v", domain.ErrInvalidData, err)
	}

	proposalID, err := uuid.Parse(msg.ProposalID)
	if err != nil {
		return fmt.Errorf("proposal id %q: %w", msg.ProposalID, domain.ErrInvalidData)
	}

	resolution := negotiator.ResolveReject
	if msg.Accepted {
		resolution = negotiator.ResolveAccept
	}
	err = in.negotiator.Resolve(ctx, proposalID, resolution)
	if errors.Is(err, domain.ErrInvalidTransition) {
		in.logger.Debug().Stringer("proposal_id", proposalID).Msg("stale proposal response dropped")
		return nil
	}
	return err
}

// HandleFulfillment decodes a provider's payout proof.
func (in *Ingestor) HandleFulfillment(ctx context.Context, data []byte) error {
	var msg fulfillmentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode fulfillment: %w: %v", domain.ErrInvalidData, err)
	}

	orderID, err := domain.ParseHash(msg.OrderID)
	if err != nil {
		return err
	}
	provider, err := domain.ParseAddress(msg.Provider)
	if err != nil {
		return err
	}
	return in.reconciler.RecordFulfillment(ctx, reconciler.FulfillmentProof{
		OrderID:  orderID,
		Provider: provider,
		TxRef:    msg.TxRef,
	})
}

// HandleSettlementConfirmed finalizes a fulfilled order.
func (in *Ingestor) HandleSettlementConfirmed(ctx context.Context, data []byte) error {
	msg, orderID, err := decodeSettlementResult(data)
	if err != nil {
		return err
	}
	return in.reconciler.FinalizeSettlement(ctx, orderID, msg.TxHash)
}

// HandleSettlementFailed refunds an accepted or fulfilled order.
func (in *Ingestor) HandleSettlementFailed(ctx context.Context, data []byte) error {
	msg, orderID, err := decodeSettlementResult(data)
	if err != nil {
		return err
	}
	return in.reconciler.Fail(ctx, orderID, msg.Reason)
}

func decodeSettlementResult(data []byte) (settlementResultMsg, common.Hash, error) {
	var msg settlementResultMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, common.Hash{}, fmt.Errorf("decode settlement result: %w: %v", domain.ErrInvalidData, err)
	}
	orderID, err := domain.ParseHash(msg.OrderID)
	return msg, orderID, err
}

func decodeOrder(msg orderCreatedMsg) (domain.Order, error) {
	var order domain.Order
	var err error

	if order.OrderID, err = domain.ParseHash(msg.OrderID); err != nil {
		return domain.Order{}, err
	}
	if order.UserAddress, err = domain.ParseAddress(msg.UserAddress); err != nil {
		return domain.Order{}, err
	}
	if order.Token, err = domain.ParseAddress(msg.Token); err != nil {
		return domain.Order{}, err
	}
	if order.RefundAddress, err = domain.ParseAddress(msg.RefundAddress); err != nil {
		return domain.Order{}, err
	}
	if msg.IntegratorAddress != "" {
		if order.IntegratorAddress, err = domain.ParseAddress(msg.IntegratorAddress); err != nil {
			return domain.Order{}, err
		}
	}
	if order.TxHash, err = domain.ParseHash(msg.TxHash); err != nil {
		return domain.Order{}, err
	}
	if order.Amount, err = decimal.NewFromString(msg.Amount); err != nil {
		return domain.Order{}, fmt.Errorf("amount %q: %w", msg.Amount, domain.ErrInvalidData)
	}
	if order.ExpiresAt, err = parseOptionalTime(msg.ExpiresAt); err != nil {
		return domain.Order{}, err
	}

	order.IntegratorFeeBps = msg.IntegratorFeeBps
	order.Currency = msg.Currency
	order.BlockNumber = msg.BlockNumber
	return order, nil
}

func decodeIntent(msg providerIntentMsg) (domain.ProviderIntent, error) {
	var intent domain.ProviderIntent
	var err error

	if intent.Provider, err = domain.ParseAddress(msg.Provider); err != nil {
		return domain.ProviderIntent{}, err
	}
	if intent.AvailableAmount, err = decimal.NewFromString(msg.AvailableAmount); err != nil {
		return domain.ProviderIntent{}, fmt.Errorf("available amount %q: %w", msg.AvailableAmount, domain.ErrInvalidData)
	}
	expires, err := parseOptionalTime(msg.ExpiresAt)
	if err != nil {
		return domain.ProviderIntent{}, err
	}
	if expires != nil {
		intent.ExpiresAt = *expires
	}

	intent.Currency = msg.Currency
	intent.MinFeeBps = msg.MinFeeBps
	intent.MaxFeeBps = msg.MaxFeeBps
	intent.CommitmentWindow = time.Duration(msg.CommitmentWindowSeconds) * time.Second
	intent.IsActive = msg.IsActive
	intent.RegisteredAt = time.Now().UTC()
	return intent, nil
}

func parseOptionalTime(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q: %w", *value, domain.ErrInvalidData)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
