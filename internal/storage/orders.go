package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
)

const (
	orderColumns = `order_id,
        user_address,
        token,
        amount::text,
        refund_address,
        integrator_address,
        integrator_fee_bps,
        status::text,
        tier::text,
        currency,
        block_number,
        tx_hash,
        created_at,
        expires_at,
        updated_at`

	insertOrderSQL = `INSERT INTO orders (
        order_id,
        user_address,
        token,
        amount,
        refund_address,
        integrator_address,
        integrator_fee_bps,
        status,
        tier,
        currency,
        block_number,
        tx_hash,
        created_at,
        expires_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8::order_status,$9::order_tier,$10,$11,$12,$13,$14,$15
    );`

	getOrderSQL = `SELECT ` + orderColumns + `
    FROM orders
    WHERE order_id = $1;`

	transitionOrderSQL = `UPDATE orders
    SET status = $2::order_status, updated_at = NOW()
    WHERE order_id = $1
      AND status = ANY($3::order_status[]);`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1);`

	listPendingOrdersSQL = `SELECT ` + orderColumns + `
    FROM orders
    WHERE status = 'PENDING'
    ORDER BY created_at;`

	listExpiredOrdersSQL = `SELECT ` + orderColumns + `
    FROM orders
    WHERE status = 'PENDING'
      AND expires_at IS NOT NULL
      AND expires_at < $1
    ORDER BY expires_at;`

	listRecentOrdersSQL = `SELECT ` + orderColumns + `
    FROM orders
    ORDER BY updated_at DESC
    LIMIT $1;`

	settlementStatsSQL = `SELECT
        date_trunc('day', updated_at) AS day,
        COUNT(*) FILTER (WHERE status = 'SETTLED') AS settled,
        COUNT(*) FILTER (WHERE status = 'REFUNDED') AS refunded,
        COALESCE(SUM(amount) FILTER (WHERE status = 'SETTLED'), 0)::text AS volume
    FROM orders
    WHERE status IN ('SETTLED', 'REFUNDED')
      AND updated_at >= $1
      AND updated_at < $2
    GROUP BY day
    ORDER BY day;`
)

// CreateOrder persists a new order. Duplicate order ids surface as
// domain.ErrDuplicateEntry.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	var expires interface{}
	if order.ExpiresAt != nil {
		expires = *order.ExpiresAt
	}

	_, err := s.pool.Exec(ctx, insertOrderSQL,
		order.OrderID.Bytes(),
		order.UserAddress.Bytes(),
		order.Token.Bytes(),
		order.Amount.String(),
		order.RefundAddress.Bytes(),
		order.IntegratorAddress.Bytes(),
		int64(order.IntegratorFeeBps),
		string(order.Status),
		string(order.Tier),
		order.Currency,
		order.BlockNumber,
		order.TxHash.Bytes(),
		order.CreatedAt,
		expires,
		order.UpdatedAt,
	)
	return classify(err, "create order")
}

// GetOrder fetches one order by its 32-byte identifier.
func (s *Store) GetOrder(ctx context.Context, orderID common.Hash) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, getOrderSQL, orderID.Bytes())
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, classify(err, "get order")
	}
	return order, nil
}

// TransitionOrder performs the status compare-and-swap described on
// OrderStore.
func (s *Store) TransitionOrder(ctx context.Context, orderID common.Hash, from []domain.OrderStatus, to domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx, transitionOrderSQL, orderID.Bytes(), string(to), statusStrings(from))
	if err != nil {
		return classify(err, "transition order")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, orderExistsSQL, orderID.Bytes()).Scan(&exists); err != nil {
		return classify(err, "transition order")
	}
	if !exists {
		return fmt.Errorf("transition order %s: %w", orderID, domain.ErrNotFound)
	}
	return fmt.Errorf("transition order %s to %s: %w", orderID, to, domain.ErrInvalidTransition)
}

// ListPendingOrders returns all orders still awaiting a provider.
func (s *Store) ListPendingOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, "list pending orders", listPendingOrdersSQL)
}

// ListExpiredOrders returns pending orders whose expiry passed before now.
func (s *Store) ListExpiredOrders(ctx context.Context, now time.Time) ([]domain.Order, error) {
	return s.queryOrders(ctx, "list expired orders", listExpiredOrdersSQL, now)
}

// ListRecentOrders returns the most recently updated orders.
func (s *Store) ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.queryOrders(ctx, "list recent orders", listRecentOrdersSQL, limit)
}

// SettlementStats aggregates terminal orders per day for reporting.
func (s *Store) SettlementStats(ctx context.Context, from, to time.Time) ([]SettlementPoint, error) {
	rows, err := s.pool.Query(ctx, settlementStatsSQL, from, to)
	if err != nil {
		return nil, classify(err, "settlement stats")
	}
	defer rows.Close()

	points := make([]SettlementPoint, 0)
	for rows.Next() {
		var point SettlementPoint
		var volumeStr string
		if err := rows.Scan(&point.Day, &point.Settled, &point.Refunded, &volumeStr); err != nil {
			return nil, classify(err, "settlement stats")
		}
		point.Volume, err = decimal.NewFromString(volumeStr)
		if err != nil {
			return nil, fmt.Errorf("parse settled volume: %w", err)
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "settlement stats")
	}
	return points, nil
}

func (s *Store) queryOrders(ctx context.Context, op, query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, scanErr := scanOrder(rows)
		if scanErr != nil {
			return nil, classify(scanErr, op)
		}
		orders = append(orders, order)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), op)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		orderID    []byte
		user       []byte
		token      []byte
		amountStr  string
		refund     []byte
		integrator []byte
		feeBps     int64
		status     string
		tier       string
		currency   string
		block      int64
		txHash     []byte
		createdAt  time.Time
		expiresAt  sql.NullTime
		updatedAt  time.Time
	)

	if err := row.Scan(
		&orderID,
		&user,
		&token,
		&amountStr,
		&refund,
		&integrator,
		&feeBps,
		&status,
		&tier,
		&currency,
		&block,
		&txHash,
		&createdAt,
		&expiresAt,
		&updatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse order amount: %w", err)
	}
	parsedStatus, err := domain.ParseOrderStatus(status)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		OrderID:           common.BytesToHash(orderID),
		UserAddress:       common.BytesToAddress(user),
		Token:             common.BytesToAddress(token),
		Amount:            amount,
		RefundAddress:     common.BytesToAddress(refund),
		IntegratorAddress: common.BytesToAddress(integrator),
		IntegratorFeeBps:  uint64(feeBps),
		Status:            parsedStatus,
		Tier:              domain.OrderTier(tier),
		Currency:          currency,
		BlockNumber:       block,
		TxHash:            common.BytesToHash(txHash),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
	if expiresAt.Valid {
		value := expiresAt.Time
		order.ExpiresAt = &value
	}
	return order, nil
}
