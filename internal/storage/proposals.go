package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"order-settlement-engine/internal/domain"
)

const (
	proposalColumns = `proposal_id,
        order_id,
        provider,
        proposed_fee_bps,
        status::text,
        created_at,
        deadline,
        accepted_at,
        executed_at,
        tx_ref`

	insertProposalSQL = `INSERT INTO proposals (
        proposal_id,
        order_id,
        provider,
        proposed_fee_bps,
        status,
        created_at,
        deadline
    ) VALUES (
        $1,$2,$3,$4,$5::proposal_status,$6,$7
    );`

	getProposalSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE proposal_id = $1;`

	activeProposalSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE order_id = $1
      AND status IN ('PENDING', 'ACCEPTED');`

	settlementProposalSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE order_id = $1
      AND status IN ('ACCEPTED', 'EXECUTED')
    ORDER BY created_at DESC
    LIMIT 1;`

	proposalProvidersSQL = `SELECT DISTINCT provider
    FROM proposals
    WHERE order_id = $1;`

	transitionProposalSQL = `UPDATE proposals
    SET status      = $2::proposal_status,
        accepted_at = CASE WHEN $2 = 'ACCEPTED' THEN $4 ELSE accepted_at END,
        executed_at = CASE WHEN $2 = 'EXECUTED' THEN $4 ELSE executed_at END
    WHERE proposal_id = $1
      AND status = ANY($3::proposal_status[]);`

	proposalExistsSQL = `SELECT EXISTS (SELECT 1 FROM proposals WHERE proposal_id = $1);`

	lockProposalSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE proposal_id = $1
    FOR UPDATE;`

	lockAcceptedProposalSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE order_id = $1
      AND status = 'ACCEPTED'
    FOR UPDATE;`

	lockOrderStatusSQL = `SELECT status::text
    FROM orders
    WHERE order_id = $1
    FOR UPDATE;`

	acceptProposalSQL = `UPDATE proposals
    SET status = 'ACCEPTED', accepted_at = $2
    WHERE proposal_id = $1
      AND status = 'PENDING';`

	executeProposalSQL = `UPDATE proposals
    SET status = 'EXECUTED', executed_at = $2, tx_ref = $3
    WHERE proposal_id = $1
      AND status = 'ACCEPTED';`

	listDueProposalsSQL = `SELECT ` + proposalColumns + `
    FROM proposals
    WHERE status = 'PENDING'
      AND deadline < $1
    ORDER BY deadline;`
)

// CreateProposal persists a new pending proposal. A second non-terminal
// proposal for the same order violates the partial unique index and surfaces
// as domain.ErrConflict; this is the correct outcome of a losing open race.
func (s *Store) CreateProposal(ctx context.Context, proposal domain.Proposal) error {
	_, err := s.pool.Exec(ctx, insertProposalSQL,
		proposal.ProposalID,
		proposal.OrderID.Bytes(),
		proposal.Provider.Bytes(),
		int64(proposal.ProposedFeeBps),
		string(proposal.Status),
		proposal.CreatedAt,
		proposal.Deadline,
	)
	return classify(err, "create proposal")
}

// GetProposal fetches one proposal by id.
func (s *Store) GetProposal(ctx context.Context, proposalID uuid.UUID) (domain.Proposal, error) {
	proposal, err := scanProposal(s.pool.QueryRow(ctx, getProposalSQL, proposalID))
	if err != nil {
		return domain.Proposal{}, classify(err, "get proposal")
	}
	return proposal, nil
}

// ActiveProposal returns the order's non-terminal proposal, or nil.
func (s *Store) ActiveProposal(ctx context.Context, orderID common.Hash) (*domain.Proposal, error) {
	proposal, err := scanProposal(s.pool.QueryRow(ctx, activeProposalSQL, orderID.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "active proposal")
	}
	return &proposal, nil
}

// SettlementProposal returns the proposal binding a provider to the order.
func (s *Store) SettlementProposal(ctx context.Context, orderID common.Hash) (domain.Proposal, error) {
	proposal, err := scanProposal(s.pool.QueryRow(ctx, settlementProposalSQL, orderID.Bytes()))
	if err != nil {
		return domain.Proposal{}, classify(err, "settlement proposal")
	}
	return proposal, nil
}

// ProposalProviders returns every provider that held a proposal for the order.
func (s *Store) ProposalProviders(ctx context.Context, orderID common.Hash) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, proposalProvidersSQL, orderID.Bytes())
	if err != nil {
		return nil, classify(err, "proposal providers")
	}
	defer rows.Close()

	providers := make([]common.Address, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err, "proposal providers")
		}
		providers = append(providers, common.BytesToAddress(raw))
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "proposal providers")
	}
	return providers, nil
}

// TransitionProposal performs the status compare-and-swap described on
// ProposalStore. The loser of an accept-vs-sweep race sees zero rows and
// gets domain.ErrInvalidTransition.
func (s *Store) TransitionProposal(ctx context.Context, proposalID uuid.UUID, from []domain.ProposalStatus, to domain.ProposalStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, transitionProposalSQL, proposalID, string(to), statusStrings(from), at)
	if err != nil {
		return classify(err, "transition proposal")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, proposalExistsSQL, proposalID).Scan(&exists); err != nil {
		return classify(err, "transition proposal")
	}
	if !exists {
		return fmt.Errorf("transition proposal %s: %w", proposalID, domain.ErrNotFound)
	}
	return fmt.Errorf("transition proposal %s to %s: %w", proposalID, to, domain.ErrInvalidTransition)
}

// AcceptProposal moves the proposal and its order to ACCEPTED in one
// transaction; the order row lock serializes against every other per-order
// mutation.
func (s *Store) AcceptProposal(ctx context.Context, proposalID uuid.UUID, at time.Time) (domain.Proposal, error) {
	var accepted domain.Proposal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		proposal, err := scanProposal(tx.QueryRow(ctx, lockProposalSQL, proposalID))
		if err != nil {
			return err
		}
		if proposal.Status != domain.ProposalPending {
			return fmt.Errorf("proposal %s is %s: %w", proposalID, proposal.Status, domain.ErrInvalidTransition)
		}

		var orderStatus string
		if err := tx.QueryRow(ctx, lockOrderStatusSQL, proposal.OrderID.Bytes()).Scan(&orderStatus); err != nil {
			return err
		}
		if domain.OrderStatus(orderStatus) != domain.OrderPending {
			return fmt.Errorf("order %s is %s: %w", proposal.OrderID, orderStatus, domain.ErrInvalidTransition)
		}

		if _, err := tx.Exec(ctx, acceptProposalSQL, proposalID, at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, transitionOrderSQL, proposal.OrderID.Bytes(),
			string(domain.OrderAccepted), []string{string(domain.OrderPending)}); err != nil {
			return err
		}

		proposal.Status = domain.ProposalAccepted
		acceptedAt := at
		proposal.AcceptedAt = &acceptedAt
		accepted = proposal
		return nil
	})
	if err != nil {
		return domain.Proposal{}, classify(err, "accept proposal")
	}
	return accepted, nil
}

// ExecuteProposal records fulfillment: order ACCEPTED -> FULFILLED and its
// accepted proposal -> EXECUTED, atomically, after checking the submitting
// provider against the bound one.
func (s *Store) ExecuteProposal(ctx context.Context, orderID common.Hash, provider common.Address, txRef string, at time.Time) (domain.Proposal, error) {
	var executed domain.Proposal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var orderStatus string
		if err := tx.QueryRow(ctx, lockOrderStatusSQL, orderID.Bytes()).Scan(&orderStatus); err != nil {
			return err
		}
		if domain.OrderStatus(orderStatus) != domain.OrderAccepted {
			return fmt.Errorf("order %s is %s: %w", orderID, orderStatus, domain.ErrInvalidTransition)
		}

		proposal, err := scanProposal(tx.QueryRow(ctx, lockAcceptedProposalSQL, orderID.Bytes()))
		if err != nil {
			return err
		}
		if proposal.Provider != provider {
			return fmt.Errorf("%w: proof from %s but order is bound to %s",
				domain.ErrInvalidData, provider, proposal.Provider)
		}

		if _, err := tx.Exec(ctx, executeProposalSQL, proposal.ProposalID, at, txRef); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, transitionOrderSQL, orderID.Bytes(),
			string(domain.OrderFulfilled), []string{string(domain.OrderAccepted)}); err != nil {
			return err
		}

		proposal.Status = domain.ProposalExecuted
		executedAt := at
		proposal.ExecutedAt = &executedAt
		proposal.TxRef = &txRef
		executed = proposal
		return nil
	})
	if err != nil {
		return domain.Proposal{}, classify(err, "execute proposal")
	}
	return executed, nil
}

// ListDueProposals returns pending proposals whose deadline passed before now.
func (s *Store) ListDueProposals(ctx context.Context, now time.Time) ([]domain.Proposal, error) {
	rows, err := s.pool.Query(ctx, listDueProposalsSQL, now)
	if err != nil {
		return nil, classify(err, "list due proposals")
	}
	defer rows.Close()

	proposals := make([]domain.Proposal, 0)
	for rows.Next() {
		proposal, scanErr := scanProposal(rows)
		if scanErr != nil {
			return nil, classify(scanErr, "list due proposals")
		}
		proposals = append(proposals, proposal)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err(), "list due proposals")
	}
	return proposals, nil
}

func scanProposal(row pgx.Row) (domain.Proposal, error) {
	var (
		proposalID uuid.UUID
		orderID    []byte
		provider   []byte
		feeBps     int64
		status     string
		createdAt  time.Time
		deadline   time.Time
		acceptedAt sql.NullTime
		executedAt sql.NullTime
		txRef      sql.NullString
	)

	if err := row.Scan(
		&proposalID,
		&orderID,
		&provider,
		&feeBps,
		&status,
		&createdAt,
		&deadline,
		&acceptedAt,
		&executedAt,
		&txRef,
	); err != nil {
		return domain.Proposal{}, err
	}

	parsedStatus, err := domain.ParseProposalStatus(status)
	if err != nil {
		return domain.Proposal{}, err
	}

	proposal := domain.Proposal{
		ProposalID:     proposalID,
		OrderID:        common.BytesToHash(orderID),
		Provider:       common.BytesToAddress(provider),
		ProposedFeeBps: uint64(feeBps),
		Status:         parsedStatus,
		CreatedAt:      createdAt,
		Deadline:       deadline,
	}
	if acceptedAt.Valid {
		value := acceptedAt.Time
		proposal.AcceptedAt = &value
	}
	if executedAt.Valid {
		value := executedAt.Time
		proposal.ExecutedAt = &value
	}
	if txRef.Valid {
		value := txRef.String
		proposal.TxRef = &value
	}
	return proposal, nil
}
