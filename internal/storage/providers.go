package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"order-settlement-engine/internal/domain"
)

const (
	upsertIntentSQL = `INSERT INTO provider_intents (
        provider,
        currency,
        available_amount,
        min_fee_bps,
        max_fee_bps,
        commitment_window_seconds,
        is_active,
        registered_at,
        expires_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()
    )
    ON CONFLICT (provider, currency) DO UPDATE
    SET
        available_amount          = EXCLUDED.available_amount,
        min_fee_bps               = EXCLUDED.min_fee_bps,
        max_fee_bps               = EXCLUDED.max_fee_bps,
        commitment_window_seconds = EXCLUDED.commitment_window_seconds,
        is_active                 = EXCLUDED.is_active,
        expires_at                = EXCLUDED.expires_at,
        updated_at                = NOW();`

	eligibleIntentsSQL = `SELECT
        provider,
        currency,
        available_amount::text,
        min_fee_bps,
        max_fee_bps,
        commitment_window_seconds,
        is_active,
        registered_at,
        expires_at,
        updated_at
    FROM provider_intents
    WHERE currency = $1
      AND available_amount >= $2::numeric
      AND is_active = true
      AND expires_at > $3
    ORDER BY min_fee_bps ASC, provider ASC;`

	getReputationSQL = `SELECT
        provider,
        total_orders,
        successful_orders,
        failed_orders,
        no_shows,
        avg_settlement_time_seconds,
        total_volume::text,
        last_updated
    FROM provider_reputation
    WHERE provider = $1;`

	recordSuccessSQL = `INSERT INTO provider_reputation (
        provider, total_orders, successful_orders, failed_orders, no_shows,
        avg_settlement_time_seconds, total_volume, last_updated
    ) VALUES ($1, 1, 1, 0, 0, $2, $3::numeric, NOW())
    ON CONFLICT (provider) DO UPDATE
    SET
        total_orders                = provider_reputation.total_orders + 1,
        successful_orders           = provider_reputation.successful_orders + 1,
        avg_settlement_time_seconds = (provider_reputation.avg_settlement_time_seconds
                                        * provider_reputation.successful_orders + $2)
                                      / (provider_reputation.successful_orders + 1),
        total_volume                = provider_reputation.total_volume + $3::numeric,
        last_updated                = NOW();`

	recordFailureSQL = `INSERT INTO provider_reputation (
        provider, total_orders, successful_orders, failed_orders, no_shows,
        avg_settlement_time_seconds, total_volume, last_updated
    ) VALUES ($1, 1, 0, 1, 0, 0, 0, NOW())
    ON CONFLICT (provider) DO UPDATE
    SET
        total_orders  = provider_reputation.total_orders + 1,
        failed_orders = provider_reputation.failed_orders + 1,
        last_updated  = NOW();`

	recordNoShowSQL = `INSERT INTO provider_reputation (
        provider, total_orders, successful_orders, failed_orders, no_shows,
        avg_settlement_time_seconds, total_volume, last_updated
    ) VALUES ($1, 1, 0, 0, 1, 0, 0, NOW())
    ON CONFLICT (provider) DO UPDATE
    SET
        total_orders = provider_reputation.total_orders + 1,
        no_shows     = provider_reputation.no_shows + 1,
        last_updated = NOW();`
)

// UpsertIntent inserts or replaces the intent keyed by (provider, currency).
// Last write wins.
func (s *Store) UpsertIntent(ctx context.Context, intent domain.ProviderIntent) error {
	_, err := s.pool.Exec(ctx, upsertIntentSQL,
		intent.Provider.Bytes(),
		intent.Currency,
		intent.AvailableAmount.String(),
		int64(intent.MinFeeBps),
		int64(intent.MaxFeeBps),
		int64(intent.CommitmentWindow/time.Second),
		intent.IsActive,
		intent.RegisteredAt,
		intent.ExpiresAt,
	)
	return classify(err, "upsert intent")
}

// EligibleIntents returns the matching pre-filter described on IntentStore.
func (s *Store) EligibleIntents(ctx context.Context, currency string, minAmount decimal.Decimal, now time.Time) ([]domain.ProviderIntent, error) {
	rows, err := s.pool.Query(ctx, eligibleIntentsSQL, currency, minAmount.String(), now)
	if err != nil {
		return nil, classify(err, "eligible intents")
	}
	defer rows.Close()

	intents := make([]domain.ProviderIntent, 0)
	for rows.Next() {
		intent, scanErr := scanIntent(rows)
		if scanErr != nil {
			return nil, classify(scanErr, "eligible intents")
		}
		intents = append(intents, intent)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "eligible intents")
	}
	return intents, nil
}

// GetReputation returns the provider's reputation, or nil when the provider
// has never settled an order.
func (s *Store) GetReputation(ctx context.Context, provider common.Address) (*domain.ProviderReputation, error) {
	row := s.pool.QueryRow(ctx, getReputationSQL, provider.Bytes())

	var (
		addr       []byte
		total      int64
		successful int64
		failed     int64
		noShows    int64
		avgSeconds int64
		volumeStr  string
		updated    time.Time
	)
	err := row.Scan(&addr, &total, &successful, &failed, &noShows, &avgSeconds, &volumeStr, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get reputation")
	}

	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return nil, fmt.Errorf("parse total volume: %w", err)
	}

	return &domain.ProviderReputation{
		Provider:             common.BytesToAddress(addr),
		TotalOrders:          uint64(total),
		SuccessfulOrders:     uint64(successful),
		FailedOrders:         uint64(failed),
		NoShows:              uint64(noShows),
		AvgSettlementSeconds: uint64(avgSeconds),
		TotalVolume:          volume,
		LastUpdated:          updated,
	}, nil
}

// RecordOutcome folds a settlement outcome into the provider's counters as a
// single atomic upsert. Concurrent settlements against the same provider
// serialize on the row without lost updates.
func (s *Store) RecordOutcome(ctx context.Context, provider common.Address, outcome domain.Outcome) error {
	var err error
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		seconds := int64(outcome.SettlementTime / time.Second)
		_, err = s.pool.Exec(ctx, recordSuccessSQL, provider.Bytes(), seconds, outcome.Volume.String())
	case domain.OutcomeFailed:
		_, err = s.pool.Exec(ctx, recordFailureSQL, provider.Bytes())
	case domain.OutcomeNoShow:
		_, err = s.pool.Exec(ctx, recordNoShowSQL, provider.Bytes())
	default:
		return fmt.Errorf("%w: unknown outcome kind %q", domain.ErrInvalidData, outcome.Kind)
	}
	return classify(err, "record outcome")
}

func scanIntent(rows pgx.Rows) (domain.ProviderIntent, error) {
	var (
		provider      []byte
		currency      string
		amountStr     string
		minFee        int64
		maxFee        int64
		windowSeconds int64
		active        bool
		registeredAt  time.Time
		expiresAt     time.Time
		updatedAt     time.Time
	)

	if err := rows.Scan(
		&provider,
		&currency,
		&amountStr,
		&minFee,
		&maxFee,
		&windowSeconds,
		&active,
		&registeredAt,
		&expiresAt,
		&updatedAt,
	); err != nil {
		return domain.ProviderIntent{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return domain.ProviderIntent{}, fmt.Errorf("parse available amount: %w", err)
	}

	return domain.ProviderIntent{
		Provider:         common.BytesToAddress(provider),
		Currency:         currency,
		AvailableAmount:  amount,
		MinFeeBps:        uint64(minFee),
		MaxFeeBps:        uint64(maxFee),
		CommitmentWindow: time.Duration(windowSeconds) * time.Second,
		IsActive:         active,
		RegisteredAt:     registeredAt,
		ExpiresAt:        expiresAt,
		UpdatedAt:        updatedAt,
	}, nil
}
