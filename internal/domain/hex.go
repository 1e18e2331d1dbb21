package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseHash decodes a 0x-prefixed 32-byte hex identifier. Unlike
// common.HexToHash it rejects malformed or mis-sized input instead of
// padding, so bad encodings fail at the boundary.
func ParseHash(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: hash %q: %v", ErrInvalidData, s, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: hash %q has %d bytes, want %d", ErrInvalidData, s, len(raw), common.HashLength)
	}
	return common.BytesToHash(raw), nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address with strict sizing.
func ParseAddress(s string) (common.Address, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: address %q: %v", ErrInvalidData, s, err)
	}
	if len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: address %q has %d bytes, want %d", ErrInvalidData, s, len(raw), common.AddressLength)
	}
	return common.BytesToAddress(raw), nil
}
