package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/storage"
)

func newRegistry() (*Registry, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return New(store, store, zerolog.Nop()), store
}

func intent(addr byte, minFee uint64, amount string) domain.ProviderIntent {
	return domain.ProviderIntent{
		Provider:        common.BytesToAddress([]byte{addr}),
		Currency:        "NGN",
		AvailableAmount: decimal.RequireFromString(amount),
		MinFeeBps:       minFee,
		MaxFeeBps:       minFee + 100,
		IsActive:        true,
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
	}
}

func TestUpsertIntentLastWriteWins(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()

	if err := reg.UpsertIntent(ctx, intent(1, 50, "1000")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := reg.UpsertIntent(ctx, intent(1, 80, "2000")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	intents, err := reg.EligibleIntents(ctx, "NGN", decimal.RequireFromString("1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("repeated registration should replace, got %d intents", len(intents))
	}
	if intents[0].MinFeeBps != 80 || !intents[0].AvailableAmount.Equal(decimal.RequireFromString("2000")) {
		t.Fatalf("latest registration should win, got %+v", intents[0])
	}
}

func TestUpsertIntentValidates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()

	bad := intent(1, 50, "1000")
	bad.MinFeeBps = 500
	bad.MaxFeeBps = 100
	if err := reg.UpsertIntent(ctx, bad); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("inverted fee range should fail with ErrInvalidData, got %v", err)
	}

	stale := intent(2, 50, "1000")
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := reg.UpsertIntent(ctx, stale); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("already-expired intent should fail with ErrInvalidData, got %v", err)
	}

	unbounded := intent(3, 50, "1000")
	unbounded.ExpiresAt = time.Time{}
	if err := reg.UpsertIntent(ctx, unbounded); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("intent without expiry should fail with ErrInvalidData, got %v", err)
	}
}

func TestReputationsBulkOmitsNoHistory(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry()

	known := common.BytesToAddress([]byte{1})
	unknown := common.BytesToAddress([]byte{2})
	if err := store.RecordOutcome(ctx, known, domain.Success(time.Minute, decimal.RequireFromString("10"))); err != nil {
		t.Fatalf("record: %v", err)
	}

	reputations, err := reg.Reputations(ctx, []common.Address{known, unknown})
	if err != nil {
		t.Fatalf("reputations: %v", err)
	}
	if len(reputations) != 1 {
		t.Fatalf("providers without history should be absent, got %v", reputations)
	}
	if reputations[known].SuccessfulOrders != 1 {
		t.Fatalf("unexpected reputation %+v", reputations[known])
	}
	if reputations[unknown].SuccessRate() != 0.5 {
		t.Fatal("absent reputation should read as neutral via the nil receiver")
	}
}
