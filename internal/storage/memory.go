package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
)

// MemoryStore is an in-process Backend with the same transition and
// uniqueness semantics as the PostgreSQL store. It backs the test suite and
// serves as the dev fallback when database.dsn is unset. A single mutex
// serializes all mutations, which trivially satisfies the per-order
// single-writer requirement.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[common.Hash]domain.Order
	intents     map[string]domain.ProviderIntent
	reputations map[common.Address]domain.ProviderReputation
	proposals   map[uuid.UUID]domain.Proposal
}

// NewMemoryStore builds an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[common.Hash]domain.Order),
		intents:     make(map[string]domain.ProviderIntent),
		reputations: make(map[common.Address]domain.ProviderReputation),
		proposals:   make(map[uuid.UUID]domain.Proposal),
	}
}

var _ Backend = (*MemoryStore)(nil)

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() {}

func intentKey(provider common.Address, currency string) string {
	return provider.Hex() + "/" + currency
}

// CreateOrder implements OrderStore.
func (m *MemoryStore) CreateOrder(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.OrderID]; ok {
		return fmt.Errorf("create order %s: %w", order.OrderID, domain.ErrDuplicateEntry)
	}
	m.orders[order.OrderID] = order
	return nil
}

// GetOrder implements OrderStore.
func (m *MemoryStore) GetOrder(_ context.Context, orderID common.Hash) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("get order %s: %w", orderID, domain.ErrNotFound)
	}
	return order, nil
}

// TransitionOrder implements OrderStore.
func (m *MemoryStore) TransitionOrder(_ context.Context, orderID common.Hash, from []domain.OrderStatus, to domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionOrderLocked(orderID, from, to)
}

func (m *MemoryStore) transitionOrderLocked(orderID common.Hash, from []domain.OrderStatus, to domain.OrderStatus) error {
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("transition order %s: %w", orderID, domain.ErrNotFound)
	}
	for _, status := range from {
		if order.Status == status {
			order.Status = to
			order.UpdatedAt = time.Now().UTC()
			m.orders[orderID] = order
			return nil
		}
	}
	return fmt.Errorf("transition order %s to %s: %w", orderID, to, domain.ErrInvalidTransition)
}

// ListPendingOrders implements OrderStore.
func (m *MemoryStore) ListPendingOrders(_ context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]domain.Order, 0)
	for _, order := range m.orders {
		if order.Status == domain.OrderPending {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

// ListExpiredOrders implements OrderStore.
func (m *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]domain.Order, 0)
	for _, order := range m.orders {
		if order.Status == domain.OrderPending && order.Expired(now) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ExpiresAt.Before(*orders[j].ExpiresAt) })
	return orders, nil
}

// ListRecentOrders implements OrderStore.
func (m *MemoryStore) ListRecentOrders(_ context.Context, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]domain.Order, 0, len(m.orders))
	for _, order := range m.orders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].UpdatedAt.After(orders[j].UpdatedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// SettlementStats implements OrderStore.
func (m *MemoryStore) SettlementStats(_ context.Context, from, to time.Time) ([]SettlementPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDay := make(map[time.Time]*SettlementPoint)
	for _, order := range m.orders {
		if order.UpdatedAt.Before(from) || !order.UpdatedAt.Before(to) {
			continue
		}
		day := order.UpdatedAt.UTC().Truncate(24 * time.Hour)
		point, ok := byDay[day]
		if !ok {
			point = &SettlementPoint{Day: day, Volume: decimal.Zero}
			byDay[day] = point
		}
		switch order.Status {
		case domain.OrderSettled:
			point.Settled++
			point.Volume = point.Volume.Add(order.Amount)
		case domain.OrderRefunded:
			point.Refunded++
		}
	}

	points := make([]SettlementPoint, 0, len(byDay))
	for _, point := range byDay {
		if point.Settled > 0 || point.Refunded > 0 {
			points = append(points, *point)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Day.Before(points[j].Day) })
	return points, nil
}

// UpsertIntent implements IntentStore.
func (m *MemoryStore) UpsertIntent(_ context.Context, intent domain.ProviderIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent.UpdatedAt = time.Now().UTC()
	m.intents[intentKey(intent.Provider, intent.Currency)] = intent
	return nil
}

// EligibleIntents implements IntentStore.
func (m *MemoryStore) EligibleIntents(_ context.Context, currency string, minAmount decimal.Decimal, now time.Time) ([]domain.ProviderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intents := make([]domain.ProviderIntent, 0)
	for _, intent := range m.intents {
		if intent.Currency != currency {
			continue
		}
		if !intent.Eligible(now) || !intent.CanHandle(minAmount) {
			continue
		}
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool {
		if intents[i].MinFeeBps != intents[j].MinFeeBps {
			return intents[i].MinFeeBps < intents[j].MinFeeBps
		}
		return bytes.Compare(intents[i].Provider.Bytes(), intents[j].Provider.Bytes()) < 0
	})
	return intents, nil
}

// GetReputation implements ReputationStore.
func (m *MemoryStore) GetReputation(_ context.Context, provider common.Address) (*domain.ProviderReputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reputation, ok := m.reputations[provider]
	if !ok {
		return nil, nil
	}
	copied := reputation
	return &copied, nil
}

// RecordOutcome implements ReputationStore. The increment happens under the
// store mutex, equivalent to the SQL upsert's row-level atomicity.
func (m *MemoryStore) RecordOutcome(_ context.Context, provider common.Address, outcome domain.Outcome) error {
	switch outcome.Kind {
	case domain.OutcomeSuccess, domain.OutcomeFailed, domain.OutcomeNoShow:
	default:
		return fmt.Errorf("%w: unknown outcome kind %q", domain.ErrInvalidData, outcome.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reputation, ok := m.reputations[provider]
	if !ok {
		reputation = domain.ProviderReputation{Provider: provider, TotalVolume: decimal.Zero}
	}
	reputation.ApplyOutcome(outcome, time.Now().UTC())
	m.reputations[provider] = reputation
	return nil
}

// CreateProposal implements ProposalStore.
func (m *MemoryStore) CreateProposal(_ context.Context, proposal domain.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proposals[proposal.ProposalID]; ok {
		return fmt.Errorf("create proposal %s: %w", proposal.ProposalID, domain.ErrDuplicateEntry)
	}
	if _, ok := m.orders[proposal.OrderID]; !ok {
		return fmt.Errorf("create proposal for %s: %w", proposal.OrderID, domain.ErrNotFound)
	}
	for _, existing := range m.proposals {
		if existing.OrderID == proposal.OrderID && existing.Status.Active() {
			return fmt.Errorf("create proposal for %s: %w", proposal.OrderID, domain.ErrConflict)
		}
	}
	m.proposals[proposal.ProposalID] = proposal
	return nil
}

// GetProposal implements ProposalStore.
func (m *MemoryStore) GetProposal(_ context.Context, proposalID uuid.UUID) (domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[proposalID]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("get proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	return proposal, nil
}

// ActiveProposal implements ProposalStore.
func (m *MemoryStore) ActiveProposal(_ context.Context, orderID common.Hash) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, proposal := range m.proposals {
		if proposal.OrderID == orderID && proposal.Status.Active() {
			copied := proposal
			return &copied, nil
		}
	}
	return nil, nil
}

// SettlementProposal implements ProposalStore.
func (m *MemoryStore) SettlementProposal(_ context.Context, orderID common.Hash) (domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *domain.Proposal
	for _, proposal := range m.proposals {
		proposal := proposal
		if proposal.OrderID != orderID {
			continue
		}
		if proposal.Status != domain.ProposalAccepted && proposal.Status != domain.ProposalExecuted {
			continue
		}
		if found == nil || proposal.CreatedAt.After(found.CreatedAt) {
			found = &proposal
		}
	}
	if found == nil {
		return domain.Proposal{}, fmt.Errorf("settlement proposal for %s: %w", orderID, domain.ErrNotFound)
	}
	return *found, nil
}

// ProposalProviders implements ProposalStore.
func (m *MemoryStore) ProposalProviders(_ context.Context, orderID common.Hash) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[common.Address]struct{})
	providers := make([]common.Address, 0)
	for _, proposal := range m.proposals {
		if proposal.OrderID != orderID {
			continue
		}
		if _, ok := seen[proposal.Provider]; ok {
			continue
		}
		seen[proposal.Provider] = struct{}{}
		providers = append(providers, proposal.Provider)
	}
	return providers, nil
}

// TransitionProposal implements ProposalStore.
func (m *MemoryStore) TransitionProposal(_ context.Context, proposalID uuid.UUID, from []domain.ProposalStatus, to domain.ProposalStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[proposalID]
	if !ok {
		return fmt.Errorf("transition proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	for _, status := range from {
		if proposal.Status != status {
			continue
		}
		proposal.Status = to
		switch to {
		case domain.ProposalAccepted:
			acceptedAt := at
			proposal.AcceptedAt = &acceptedAt
		case domain.ProposalExecuted:
			executedAt := at
			proposal.ExecutedAt = &executedAt
		}
		m.proposals[proposalID] = proposal
		return nil
	}
	return fmt.Errorf("transition proposal %s to %s: %w", proposalID, to, domain.ErrInvalidTransition)
}

// AcceptProposal implements ProposalStore.
func (m *MemoryStore) AcceptProposal(_ context.Context, proposalID uuid.UUID, at time.Time) (domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[proposalID]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("accept proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	if proposal.Status != domain.ProposalPending {
		return domain.Proposal{}, fmt.Errorf("proposal %s is %s: %w", proposalID, proposal.Status, domain.ErrInvalidTransition)
	}
	order, ok := m.orders[proposal.OrderID]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("accept proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	if order.Status != domain.OrderPending {
		return domain.Proposal{}, fmt.Errorf("order %s is %s: %w", order.OrderID, order.Status, domain.ErrInvalidTransition)
	}

	if err := m.transitionOrderLocked(order.OrderID, []domain.OrderStatus{domain.OrderPending}, domain.OrderAccepted); err != nil {
		return domain.Proposal{}, err
	}
	proposal.Status = domain.ProposalAccepted
	acceptedAt := at
	proposal.AcceptedAt = &acceptedAt
	m.proposals[proposalID] = proposal
	return proposal, nil
}

// ExecuteProposal implements ProposalStore.
func (m *MemoryStore) ExecuteProposal(_ context.Context, orderID common.Hash, provider common.Address, txRef string, at time.Time) (domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("execute proposal for %s: %w", orderID, domain.ErrNotFound)
	}
	if order.Status != domain.OrderAccepted {
		return domain.Proposal{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrInvalidTransition)
	}

	for id, proposal := range m.proposals {
		if proposal.OrderID != orderID || proposal.Status != domain.ProposalAccepted {
			continue
		}
		if proposal.Provider != provider {
			return domain.Proposal{}, fmt.Errorf("%w: proof from %s but order is bound to %s",
				domain.ErrInvalidData, provider, proposal.Provider)
		}
		if err := m.transitionOrderLocked(orderID, []domain.OrderStatus{domain.OrderAccepted}, domain.OrderFulfilled); err != nil {
			return domain.Proposal{}, err
		}
		proposal.Status = domain.ProposalExecuted
		executedAt := at
		proposal.ExecutedAt = &executedAt
		proposal.TxRef = &txRef
		m.proposals[id] = proposal
		return proposal, nil
	}
	return domain.Proposal{}, fmt.Errorf("execute proposal for %s: %w", orderID, domain.ErrInvalidTransition)
}

// ListDueProposals implements ProposalStore.
func (m *MemoryStore) ListDueProposals(_ context.Context, now time.Time) ([]domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposals := make([]domain.Proposal, 0)
	for _, proposal := range m.proposals {
		if proposal.Due(now) {
			proposals = append(proposals, proposal)
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].Deadline.Before(proposals[j].Deadline) })
	return proposals, nil
}
