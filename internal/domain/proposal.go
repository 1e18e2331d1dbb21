package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ProposalStatus tracks a provider commitment through its lifecycle.
type ProposalStatus string

const (
	// ProposalPending means the proposal awaits acceptance before its deadline.
	ProposalPending ProposalStatus = "PENDING"
	// ProposalAccepted means the proposal was accepted and awaits execution.
	ProposalAccepted ProposalStatus = "ACCEPTED"
	// ProposalRejected means the proposal was declined. Terminal.
	ProposalRejected ProposalStatus = "REJECTED"
	// ProposalTimedOut means the deadline passed unresolved. Terminal.
	ProposalTimedOut ProposalStatus = "TIMED_OUT"
	// ProposalExecuted means settlement was carried out. Terminal.
	ProposalExecuted ProposalStatus = "EXECUTED"
)

var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPending:  {ProposalAccepted, ProposalRejected, ProposalTimedOut},
	ProposalAccepted: {ProposalExecuted},
}

// ParseProposalStatus validates a status string at the boundary.
func ParseProposalStatus(s string) (ProposalStatus, error) {
	switch ProposalStatus(s) {
	case ProposalPending, ProposalAccepted, ProposalRejected, ProposalTimedOut, ProposalExecuted:
		return ProposalStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown proposal status %q", ErrInvalidData, s)
}

// CanTransition reports whether the state machine permits moving to target.
func (s ProposalStatus) CanTransition(target ProposalStatus) bool {
	for _, next := range proposalTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s ProposalStatus) Terminal() bool {
	return len(proposalTransitions[s]) == 0
}

// Active reports whether the proposal still blocks new proposals for its
// order. At most one active proposal may exist per order at any instant.
func (s ProposalStatus) Active() bool {
	return !s.Terminal()
}

// Proposal is a time-bounded commitment binding one provider to one order.
type Proposal struct {
	ProposalID     uuid.UUID
	OrderID        common.Hash
	Provider       common.Address
	ProposedFeeBps uint64
	Status         ProposalStatus
	CreatedAt      time.Time
	Deadline       time.Time
	AcceptedAt     *time.Time
	ExecutedAt     *time.Time
	TxRef          *string
}

// Validate checks boundary invariants before the proposal is persisted.
func (p Proposal) Validate() error {
	if p.ProposalID == uuid.Nil {
		return fmt.Errorf("%w: proposal id is zero", ErrInvalidData)
	}
	if p.OrderID == (common.Hash{}) {
		return fmt.Errorf("%w: order id is zero", ErrInvalidData)
	}
	if p.Provider == (common.Address{}) {
		return fmt.Errorf("%w: provider address is zero", ErrInvalidData)
	}
	if !p.Deadline.After(p.CreatedAt) {
		return fmt.Errorf("%w: deadline must be after created_at", ErrInvalidData)
	}
	return nil
}

// Due reports whether a still-pending proposal has passed its deadline.
func (p Proposal) Due(now time.Time) bool {
	return p.Status == ProposalPending && p.Deadline.Before(now)
}
