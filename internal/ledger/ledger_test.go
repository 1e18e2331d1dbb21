package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/storage"
)

type capturingBus struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (c *capturingBus) Publish(_ context.Context, event events.OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingBus) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.events))
	for _, event := range c.events {
		types = append(types, event.Type)
	}
	return types
}

func testLimits() domain.TierLimits {
	return domain.TierLimits{
		Alpha: decimal.RequireFromString("100"),
		Beta:  decimal.RequireFromString("1000"),
		Delta: decimal.RequireFromString("10000"),
		Omega: decimal.RequireFromString("100000"),
	}
}

func testOrder(id byte, amount string) domain.Order {
	return domain.Order{
		OrderID:  common.BytesToHash([]byte{id}),
		Amount:   decimal.RequireFromString(amount),
		Currency: "NGN",
	}
}

func TestCreateClassifiesAndPublishes(t *testing.T) {
	ctx := context.Background()
	bus := &capturingBus{}
	ledger := New(storage.NewMemoryStore(), bus, testLimits(), zerolog.Nop())

	created, err := ledger.Create(ctx, testOrder(1, "5000"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.OrderPending {
		t.Fatalf("new order should be PENDING, got %s", created.Status)
	}
	if created.Tier != domain.TierDelta {
		t.Fatalf("amount 5000 should classify DELTA, got %s", created.Tier)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("timestamps should be set")
	}

	got := bus.types()
	if len(got) != 1 || got[0] != events.TypeOrderPending {
		t.Fatalf("expected one order.pending event, got %v", got)
	}
}

func TestCreateRejectsDuplicatesAndInvalid(t *testing.T) {
	ctx := context.Background()
	ledger := New(storage.NewMemoryStore(), nil, testLimits(), zerolog.Nop())

	if _, err := ledger.Create(ctx, testOrder(1, "100")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Create(ctx, testOrder(1, "100")); !errors.Is(err, domain.ErrDuplicateEntry) {
		t.Fatalf("duplicate should fail with ErrDuplicateEntry, got %v", err)
	}

	bad := testOrder(2, "100")
	bad.Currency = ""
	if _, err := ledger.Create(ctx, bad); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("invalid order should fail with ErrInvalidData, got %v", err)
	}
}

func TestTransitionUsesReachabilitySet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := New(store, nil, testLimits(), zerolog.Nop())

	created, err := ledger.Create(ctx, testOrder(1, "100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ledger.Transition(ctx, created.OrderID, domain.OrderSettled); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("PENDING -> SETTLED should fail, got %v", err)
	}
	if err := ledger.Transition(ctx, created.OrderID, domain.OrderAccepted); err != nil {
		t.Fatalf("PENDING -> ACCEPTED: %v", err)
	}
	if err := ledger.Transition(ctx, created.OrderID, domain.OrderPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("no path back to PENDING, got %v", err)
	}
}

func TestExpireDueSkipsRacers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := New(store, nil, testLimits(), zerolog.Nop())
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	for _, id := range []byte{1, 2} {
		order := testOrder(id, "100")
		order.CreatedAt = now.Add(-time.Hour)
		order.ExpiresAt = &past
		if _, err := ledger.Create(ctx, order); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// order 2 is accepted between listing and sweeping
	err := store.TransitionOrder(ctx, common.BytesToHash([]byte{2}),
		[]domain.OrderStatus{domain.OrderPending}, domain.OrderAccepted)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	expired, err := ledger.ExpireDue(ctx, now)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if expired != 1 {
		t.Fatalf("only the still-pending order should expire, got %d", expired)
	}

	got, err := ledger.Get(ctx, common.BytesToHash([]byte{1}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.OrderExpired {
		t.Fatalf("order 1 should be EXPIRED, got %s", got.Status)
	}
}
