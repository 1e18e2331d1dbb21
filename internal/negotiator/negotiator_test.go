package negotiator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/matching"
	"order-settlement-engine/internal/registry"
	"order-settlement-engine/internal/storage"
)

type capturingBus struct {
	events []events.OrderEvent
}

func (c *capturingBus) Publish(_ context.Context, event events.OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type fixture struct {
	store      *storage.MemoryStore
	registry   *registry.Registry
	negotiator *Negotiator
	bus        *capturingBus
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := &capturingBus{}
	reg := registry.New(store, store, zerolog.Nop())
	engine := matching.NewEngine(matching.NewHeuristicScorer(matching.DefaultWeights()))
	neg := New(store, store, reg, engine, bus, ttl, zerolog.Nop())
	return &fixture{store: store, registry: reg, negotiator: neg, bus: bus}
}

func (f *fixture) createOrder(t *testing.T, id byte, amount string) domain.Order {
	t.Helper()
	now := time.Now().UTC()
	order := domain.Order{
		OrderID:   common.BytesToHash([]byte{id}),
		Amount:    decimal.RequireFromString(amount),
		Status:    domain.OrderPending,
		Tier:      domain.TierBeta,
		Currency:  "NGN",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) registerIntent(t *testing.T, addr byte, minFee uint64, window time.Duration) domain.ProviderIntent {
	t.Helper()
	intent := domain.ProviderIntent{
		Provider:         common.BytesToAddress([]byte{addr}),
		Currency:         "NGN",
		AvailableAmount:  decimal.RequireFromString("100000"),
		MinFeeBps:        minFee,
		MaxFeeBps:        minFee + 100,
		CommitmentWindow: window,
		IsActive:         true,
		ExpiresAt:        time.Now().UTC().Add(time.Hour),
	}
	if err := f.registry.UpsertIntent(context.Background(), intent); err != nil {
		t.Fatalf("upsert intent: %v", err)
	}
	return intent
}

func (f *fixture) candidates(t *testing.T, order domain.Order) []matching.Candidate {
	t.Helper()
	ctx := context.Background()
	intents, err := f.registry.EligibleIntents(ctx, order.Currency, order.Amount, time.Now().UTC())
	if err != nil {
		t.Fatalf("eligible intents: %v", err)
	}
	candidates := make([]matching.Candidate, 0, len(intents))
	for _, intent := range intents {
		candidates = append(candidates, matching.Candidate{Intent: intent})
	}
	return candidates
}

func TestOpenCreatesProposalAtMinFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, 10*time.Minute)

	proposal, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if proposal.ProposedFeeBps != 75 {
		t.Fatalf("proposed fee should be the intent minimum, got %d", proposal.ProposedFeeBps)
	}
	if proposal.Status != domain.ProposalPending {
		t.Fatalf("new proposal should be PENDING, got %s", proposal.Status)
	}

	// commitment window exceeds ttl, so ttl bounds the deadline
	if d := proposal.Deadline.Sub(proposal.CreatedAt); d != 5*time.Minute {
		t.Fatalf("deadline should be ttl-bounded, got %s", d)
	}

	if len(f.bus.events) != 1 || f.bus.events[0].Type != events.TypeOrderAssigned {
		t.Fatalf("expected one order.assigned event, got %v", f.bus.events)
	}
	if f.bus.events[0].Provider == nil || *f.bus.events[0].Provider != proposal.Provider {
		t.Fatal("event should carry the bound provider")
	}
}

func TestOpenUsesCommitmentWindowWhenShorter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, time.Minute)

	proposal, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d := proposal.Deadline.Sub(proposal.CreatedAt); d != time.Minute {
		t.Fatalf("deadline should follow the shorter commitment window, got %s", d)
	}
}

func TestOpenConflictsOnSecondProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, 0)
	f.registerIntent(t, 0xbb, 80, 0)

	if _, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order)); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second open should fail with ErrConflict, got %v", err)
	}
}

func TestOpenNoEligibleCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")

	if _, err := f.negotiator.Open(ctx, order.OrderID, nil); !errors.Is(err, domain.ErrNoEligibleCandidate) {
		t.Fatalf("empty candidate list should fail with ErrNoEligibleCandidate, got %v", err)
	}
}

func TestOpenSkipsLapsedCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, 0)
	snapshot := f.candidates(t, order)

	// the provider raised its floor after the ranking, so the snapshot fee
	// is no longer in the live range
	f.registerIntent(t, 0xaa, 300, 0)
	if _, err := f.negotiator.Open(ctx, order.OrderID, snapshot); !errors.Is(err, domain.ErrNoEligibleCandidate) {
		t.Fatalf("re-registered intent should invalidate the snapshot fee, got %v", err)
	}

	// deactivating drops the candidate entirely
	lapsed := f.registerIntent(t, 0xbb, 80, 0)
	snapshot = []matching.Candidate{{Intent: lapsed}}
	lapsed.IsActive = false
	if err := f.registry.UpsertIntent(ctx, lapsed); err != nil {
		t.Fatalf("deactivate intent: %v", err)
	}
	if _, err := f.negotiator.Open(ctx, order.OrderID, snapshot); !errors.Is(err, domain.ErrNoEligibleCandidate) {
		t.Fatalf("deactivated intent should not be proposed, got %v", err)
	}
}

func TestResolveAcceptBindsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, 0)

	proposal, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.negotiator.Resolve(ctx, proposal.ProposalID, ResolveAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, err := f.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderAccepted {
		t.Fatalf("order should be ACCEPTED, got %s", got.Status)
	}

	// a late sweep loses
	if err := f.negotiator.Resolve(ctx, proposal.ProposalID, ResolveTimeout); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("timeout after accept should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestResolveRejectKeepsOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 75, 0)

	proposal, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.negotiator.Resolve(ctx, proposal.ProposalID, ResolveReject); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := f.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderPending {
		t.Fatalf("order should stay PENDING after reject, got %s", got.Status)
	}
}

func TestResolveUnknownInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)

	if err := f.negotiator.Resolve(ctx, uuid.New(), ResolveAccept); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown proposal should fail with ErrNotFound, got %v", err)
	}
	if err := f.negotiator.Resolve(ctx, uuid.New(), Resolution("maybe")); !errors.Is(err, domain.ErrInvalidData) {
		t.Fatalf("unknown resolution should fail with ErrInvalidData, got %v", err)
	}
}

func TestSweepExpiredRematchesNextProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 50, 0)
	f.registerIntent(t, 0xbb, 80, 0)

	first, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Provider != common.HexToAddress("0xaa") {
		t.Fatalf("cheapest provider should be proposed first, got %s", first.Provider)
	}

	swept, err := f.negotiator.SweepExpired(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("one proposal should time out, got %d", swept)
	}

	timedOut, err := f.store.GetProposal(ctx, first.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if timedOut.Status != domain.ProposalTimedOut {
		t.Fatalf("first proposal should be TIMED_OUT, got %s", timedOut.Status)
	}

	active, err := f.store.ActiveProposal(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("active proposal: %v", err)
	}
	if active == nil {
		t.Fatal("re-match should open a new proposal")
	}
	if active.Provider != common.HexToAddress("0xbb") {
		t.Fatalf("re-match must exclude the timed-out provider, got %s", active.Provider)
	}
}

func TestSweepExhaustsProvidersLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	order := f.createOrder(t, 1, "500")
	f.registerIntent(t, 0xaa, 50, 0)

	if _, err := f.negotiator.Open(ctx, order.OrderID, f.candidates(t, order)); err != nil {
		t.Fatalf("open: %v", err)
	}

	later := time.Now().UTC().Add(2 * time.Minute)
	if _, err := f.negotiator.SweepExpired(ctx, later); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	active, err := f.store.ActiveProposal(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("active proposal: %v", err)
	}
	if active != nil {
		t.Fatalf("no provider left to propose, got %+v", active)
	}

	got, err := f.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderPending {
		t.Fatalf("order should stay PENDING for later expiry, got %s", got.Status)
	}
}
