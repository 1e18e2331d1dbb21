package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/ledger"
	"order-settlement-engine/internal/matching"
	"order-settlement-engine/internal/negotiator"
	"order-settlement-engine/internal/reconciler"
	"order-settlement-engine/internal/registry"
	"order-settlement-engine/internal/reputation"
	"order-settlement-engine/internal/storage"
)

func testLimits() domain.TierLimits {
	return domain.TierLimits{
		Alpha: decimal.RequireFromString("100"),
		Beta:  decimal.RequireFromString("1000"),
		Delta: decimal.RequireFromString("10000"),
		Omega: decimal.RequireFromString("100000"),
	}
}

func newIngestor(t *testing.T) (*Ingestor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := zerolog.Nop()

	reg := registry.New(store, store, logger)
	ldg := ledger.New(store, nil, testLimits(), logger)
	engine := matching.NewEngine(matching.NewHeuristicScorer(matching.DefaultWeights()))
	neg := negotiator.New(store, store, reg, engine, nil, 5*time.Minute, logger)
	updater := reputation.New(reg, logger)
	rec := reconciler.New(store, store, updater, nil, logger)

	return New(nil, "paymatch", ldg, reg, neg, rec, logger), store
}

func hash32(b byte) string {
	return "0x" + strings.Repeat("00", 31) + common.Bytes2Hex([]byte{b})
}

func addr20(b byte) string {
	return "0x" + strings.Repeat("00", 19) + common.Bytes2Hex([]byte{b})
}

func orderCreatedPayload(id byte, amount string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"order_id":       hash32(id),
		"user_address":   addr20(0x01),
		"token":          addr20(0x02),
		"amount":         amount,
		"refund_address": addr20(0x03),
		"currency":       "NGN",
		"block_number":   42,
		"tx_hash":        hash32(0xff),
	})
	return payload
}

func intentPayload(addr byte, minFee, maxFee uint64) []byte {
	payload, _ := json.Marshal(map[string]any{
		"provider":                  addr20(addr),
		"currency":                  "NGN",
		"available_amount":          "100000",
		"min_fee_bps":               minFee,
		"max_fee_bps":               maxFee,
		"commitment_window_seconds": 120,
		"is_active":                 true,
		"expires_at":                time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	return payload
}

func TestHandleOrderCreatedMatchesImmediately(t *testing.T) {
	ctx := context.Background()
	ing, store := newIngestor(t)

	if err := ing.HandleProviderIntent(ctx, intentPayload(0xaa, 50, 200)); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("order created: %v", err)
	}

	orderID := common.BytesToHash([]byte{1})
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderPending || order.Tier != domain.TierBeta {
		t.Fatalf("unexpected order state %+v", order)
	}

	active, err := store.ActiveProposal(ctx, orderID)
	if err != nil {
		t.Fatalf("active proposal: %v", err)
	}
	if active == nil {
		t.Fatal("an eligible provider should be proposed immediately")
	}

	// the indexer redelivers; duplicates are dropped quietly
	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("redelivery should not error: %v", err)
	}
}

func TestHandleOrderCreatedWithoutProviders(t *testing.T) {
	ctx := context.Background()
	ing, store := newIngestor(t)

	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("order without providers should still be recorded: %v", err)
	}

	order, err := store.GetOrder(ctx, common.BytesToHash([]byte{1}))
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderPending {
		t.Fatalf("order should wait in PENDING, got %s", order.Status)
	}
}

func TestHandleOrderCreatedRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	ing, _ := newIngestor(t)

	if err := ing.HandleOrderCreated(ctx, []byte("{")); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("truncated JSON should fail with ErrInvalidData, got %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"order_id":       "0x1234",
		"user_address":   addr20(0x01),
		"token":          addr20(0x02),
		"amount":         "500",
		"refund_address": addr20(0x03),
		"currency":       "NGN",
		"tx_hash":        hash32(0xff),
	})
	if err := ing.HandleOrderCreated(ctx, payload); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("short order id should fail with ErrInvalidData, got %v", err)
	}
}

func TestProposalResponseAcceptFlow(t *testing.T) {
	ctx := context.Background()
	ing, store := newIngestor(t)

	if err := ing.HandleProviderIntent(ctx, intentPayload(0xaa, 50, 200)); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("order created: %v", err)
	}

	orderID := common.BytesToHash([]byte{1})
	active, err := store.ActiveProposal(ctx, orderID)
	if err != nil || active == nil {
		t.Fatalf("expected active proposal, got %v, %v", active, err)
	}

	response, _ := json.Marshal(map[string]any{
		"proposal_id": active.ProposalID.String(),
		"accepted":    true,
	})
	if err := ing.HandleProposalResponse(ctx, response); err != nil {
		t.Fatalf("proposal response: %v", err)
	}

	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderAccepted {
		t.Fatalf("order should be ACCEPTED, got %s", order.Status)
	}

	// a stale duplicate response is dropped, not an error
	if err := ing.HandleProposalResponse(ctx, response); err != nil {
		t.Fatalf("stale response should be dropped: %v", err)
	}
}

func TestFulfillmentAndSettlementFlow(t *testing.T) {
	ctx := context.Background()
	ing, store := newIngestor(t)

	if err := ing.HandleProviderIntent(ctx, intentPayload(0xaa, 50, 200)); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("order created: %v", err)
	}

	orderID := common.BytesToHash([]byte{1})
	active, _ := store.ActiveProposal(ctx, orderID)
	response, _ := json.Marshal(map[string]any{"proposal_id": active.ProposalID.String(), "accepted": true})
	if err := ing.HandleProposalResponse(ctx, response); err != nil {
		t.Fatalf("accept: %v", err)
	}

	fulfillment, _ := json.Marshal(map[string]any{
		"order_id": hash32(1),
		"provider": addr20(0xaa),
		"tx_ref":   "bank-001",
	})
	if err := ing.HandleFulfillment(ctx, fulfillment); err != nil {
		t.Fatalf("fulfillment: %v", err)
	}

	confirmed, _ := json.Marshal(map[string]any{"order_id": hash32(1), "tx_hash": hash32(0xcc)})
	if err := ing.HandleSettlementConfirmed(ctx, confirmed); err != nil {
		t.Fatalf("settlement confirmed: %v", err)
	}

	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderSettled {
		t.Fatalf("order should be SETTLED, got %s", order.Status)
	}

	rep, err := store.GetReputation(ctx, common.BytesToAddress([]byte{0xaa}))
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if rep == nil || rep.SuccessfulOrders != 1 {
		t.Fatalf("provider should be credited, got %+v", rep)
	}
}

func TestSettlementFailedRefunds(t *testing.T) {
	ctx := context.Background()
	ing, store := newIngestor(t)

	if err := ing.HandleProviderIntent(ctx, intentPayload(0xaa, 50, 200)); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := ing.HandleOrderCreated(ctx, orderCreatedPayload(1, "500")); err != nil {
		t.Fatalf("order created: %v", err)
	}

	orderID := common.BytesToHash([]byte{1})
	active, _ := store.ActiveProposal(ctx, orderID)
	response, _ := json.Marshal(map[string]any{"proposal_id": active.ProposalID.String(), "accepted": true})
	if err := ing.HandleProposalResponse(ctx, response); err != nil {
		t.Fatalf("accept: %v", err)
	}

	failed, _ := json.Marshal(map[string]any{"order_id": hash32(1), "reason": "bank transfer bounced"})
	if err := ing.HandleSettlementFailed(ctx, failed); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.OrderRefunded {
		t.Fatalf("order should be REFUNDED, got %s", order.Status)
	}

	rep, err := store.GetReputation(ctx, common.BytesToAddress([]byte{0xaa}))
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if rep == nil || rep.NoShows != 1 {
		t.Fatalf("accepted-but-unfulfilled should count a no-show, got %+v", rep)
	}
}

func TestHandleProviderIntentRequiresExpiry(t *testing.T) {
	ctx := context.Background()
	ing, _ := newIngestor(t)

	payload, _ := json.Marshal(map[string]any{
		"provider":         addr20(0xaa),
		"currency":         "NGN",
		"available_amount": "100000",
		"min_fee_bps":      50,
		"max_fee_bps":      200,
		"is_active":        true,
	})
	if err := ing.HandleProviderIntent(ctx, payload); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("intent without expires_at should fail with ErrInvalidData, got %v", err)
	}
}

func TestProposalResponseBadID(t *testing.T) {
	ctx := context.Background()
	ing, _ := newIngestor(t)

	payload, _ := json.Marshal(map[string]any{"proposal_id": "not-a-uuid", "accepted": true})
	if err := ing.HandleProposalResponse(ctx, payload); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("bad uuid should fail with ErrInvalidData, got %v", err)
	}
}
