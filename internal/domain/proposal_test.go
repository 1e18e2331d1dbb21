package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestProposalStatusTransitions(t *testing.T) {
	cases := []struct {
		from    ProposalStatus
		to      ProposalStatus
		allowed bool
	}{
		{ProposalPending, ProposalAccepted, true},
		{ProposalPending, ProposalRejected, true},
		{ProposalPending, ProposalTimedOut, true},
		{ProposalPending, ProposalExecuted, false},
		{ProposalAccepted, ProposalExecuted, true},
		{ProposalAccepted, ProposalRejected, false},
		{ProposalAccepted, ProposalTimedOut, false},
		{ProposalRejected, ProposalAccepted, false},
		{ProposalTimedOut, ProposalAccepted, false},
		{ProposalExecuted, ProposalAccepted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestProposalStatusActive(t *testing.T) {
	for _, status := range []ProposalStatus{ProposalPending, ProposalAccepted} {
		if !status.Active() {
			t.Fatalf("%s should be active", status)
		}
	}
	for _, status := range []ProposalStatus{ProposalRejected, ProposalTimedOut, ProposalExecuted} {
		if status.Active() {
			t.Fatalf("%s should not be active", status)
		}
	}
}

func TestProposalValidate(t *testing.T) {
	now := time.Now().UTC()
	valid := Proposal{
		ProposalID: uuid.New(),
		OrderID:    common.HexToHash("0x01"),
		Provider:   common.HexToAddress("0x02"),
		Status:     ProposalPending,
		CreatedAt:  now,
		Deadline:   now.Add(5 * time.Minute),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid proposal rejected: %v", err)
	}

	badDeadline := valid
	badDeadline.Deadline = now.Add(-time.Second)
	if err := badDeadline.Validate(); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("deadline before creation should fail, got %v", err)
	}

	zeroProvider := valid
	zeroProvider.Provider = common.Address{}
	if err := zeroProvider.Validate(); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("zero provider should fail, got %v", err)
	}
}

func TestProposalDue(t *testing.T) {
	now := time.Now().UTC()
	proposal := Proposal{Status: ProposalPending, Deadline: now.Add(-time.Minute)}
	if !proposal.Due(now) {
		t.Fatal("pending proposal past deadline should be due")
	}

	proposal.Status = ProposalAccepted
	if proposal.Due(now) {
		t.Fatal("accepted proposal is never due")
	}

	proposal.Status = ProposalPending
	proposal.Deadline = now.Add(time.Minute)
	if proposal.Due(now) {
		t.Fatal("proposal before deadline should not be due")
	}
}
