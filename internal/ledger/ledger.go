// Package ledger owns order records and enforces the order status state
// machine. All order mutation in the engine funnels through this component.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"order-settlement-engine/internal/domain"
	"order-settlement-engine/internal/events"
	"order-settlement-engine/internal/storage"
)

// Ledger is the order ledger component.
type Ledger struct {
	store  storage.OrderStore
	bus    events.Publisher
	limits domain.TierLimits
	logger zerolog.Logger
}

// New constructs a Ledger.
func New(store storage.OrderStore, bus events.Publisher, limits domain.TierLimits, logger zerolog.Logger) *Ledger {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Ledger{
		store:  store,
		bus:    bus,
		limits: limits,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Create validates and persists a new order in PENDING, classifies its tier,
// and publishes order.pending. An existing order id fails with
// DuplicateEntry.
func (l *Ledger) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	order.Status = domain.OrderPending
	order.Tier = domain.TierForAmount(order.Amount, l.limits)

	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}
	if err := l.store.CreateOrder(ctx, order); err != nil {
		return domain.Order{}, err
	}

	l.logger.Info().
		Stringer("order_id", order.OrderID).
		Str("currency", order.Currency).
		Str("amount", order.Amount.String()).
		Str("tier", string(order.Tier)).
		Msg("order created")

	l.publish(ctx, events.OrderEvent{
		Type:    events.TypeOrderPending,
		OrderID: order.OrderID,
		Status:  domain.OrderPending,
	})
	return order, nil
}

// Get returns one order by id.
func (l *Ledger) Get(ctx context.Context, orderID common.Hash) (domain.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

// Transition moves an order to target. The compare set is every status from
// which target is reachable, so an unreachable target fails with
// InvalidTransition and an absent order with NotFound.
func (l *Ledger) Transition(ctx context.Context, orderID common.Hash, target domain.OrderStatus) error {
	sources := domain.OrderTransitionSources(target)
	if len(sources) == 0 {
		return fmt.Errorf("no path to order status %s: %w", target, domain.ErrInvalidTransition)
	}
	return l.store.TransitionOrder(ctx, orderID, sources, target)
}

// ListPending returns every order still awaiting a provider.
func (l *Ledger) ListPending(ctx context.Context) ([]domain.Order, error) {
	return l.store.ListPendingOrders(ctx)
}

// ListExpired returns pending orders whose expiry passed before now.
func (l *Ledger) ListExpired(ctx context.Context, now time.Time) ([]domain.Order, error) {
	return l.store.ListExpiredOrders(ctx, now)
}

// ExpireDue transitions every due pending order to EXPIRED and returns how
// many moved. Orders that race into acceptance are skipped, not failed.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.ListExpiredOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range due {
		err := l.store.TransitionOrder(ctx, order.OrderID,
			[]domain.OrderStatus{domain.OrderPending}, domain.OrderExpired)
		if err != nil {
			l.logger.Warn().Err(err).Stringer("order_id", order.OrderID).Msg("skipping expiry")
			continue
		}
		expired++
		l.logger.Info().Stringer("order_id", order.OrderID).Msg("order expired")
	}
	return expired, nil
}

func (l *Ledger) publish(ctx context.Context, event events.OrderEvent) {
	if err := l.bus.Publish(ctx, event); err != nil {
		l.logger.Error().Err(err).Str("type", event.Type).Msg("failed to publish event")
	}
}
