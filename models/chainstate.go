package models

import (
	"bytes"
	"math/big"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"dag-ledger/difficulty"
)

// ChainState is the ledger record written when a view is finalized. The
// difficulty is the one blocks of the following view must meet; BlockCount
// and Weight are running totals through this height. Records are never
// mutated once appended.
type ChainState struct {
	Height     uint64
	Difficulty difficulty.Difficulty
	BlockCount uint64
	Weight     *big.Int
	LastHash   chainhash.Hash
}

// Copy returns a deep copy so callers can hold it without sharing the
// weight's backing storage.
func (s *ChainState) Copy() ChainState {
	c := *s
	c.Weight = new(big.Int)
	if s.Weight != nil {
		c.Weight.Set(s.Weight)
	}
	return c
}

// Heavier reports whether a outweighs b for fork choice. Equal weights are
// broken by the lower last hash.
func Heavier(a, b *ChainState) bool {
	if cmp := a.Weight.Cmp(b.Weight); cmp != 0 {
		return cmp > 0
	}
	return bytes.Compare(a.LastHash[:], b.LastHash[:]) < 0
}

// Serialize encodes the state with RLP. The difficulty is stored as its raw
// 4 bytes.
func (s *ChainState) Serialize() ([]byte, error) {
	b, err := rlp.EncodeToBytes(s)
	return b, errors.Wrapf(err, "encoding chain state %d", s.Height)
}

// DeserializeChainState decodes a state produced by Serialize.
func DeserializeChainState(b []byte) (*ChainState, error) {
	var s ChainState
	if err := rlp.DecodeBytes(b, &s); err != nil {
		return nil, errors.Wrap(err, "decoding chain state")
	}
	return &s, nil
}
