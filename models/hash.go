package models

import (
	"math/big"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// ComputeHash returns the canonical identity of an entry: blake256 over the
// kind byte followed by the RLP list of the fields the kind commits to. The
// parent set is sorted and de-duplicated first so the hash does not depend on
// arrival order. The signature is not covered.
//
// All fields the kind requires must be populated before calling; a hash
// computed earlier will not match the value other nodes compute.
func ComputeHash(e *Entry) (chainhash.Hash, error) {
	preimage, err := hashPreimage(e)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.HashH(preimage), nil
}

// Hash is shorthand for ComputeHash(e).
func (e *Entry) Hash() (chainhash.Hash, error) {
	return ComputeHash(e)
}

func hashPreimage(e *Entry) ([]byte, error) {
	kind, err := Classify(e)
	if err != nil {
		return nil, err
	}

	fields := make([]interface{}, 0, 9)
	if RequiresPublicKey(kind) {
		fields = append(fields, e.PublicKey)
	}
	fields = append(fields, e.Recipient, e.Value, e.Payload, e.Timestamp)

	switch kind {
	case KindPayment:
	case KindBlock:
		fields = append(fields, e.Block.Nonce, e.Block.Difficulty)
	case KindView:
		fields = append(fields, e.View.Number)
	case KindVote:
		fields = append(fields, e.Vote.View)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", uint8(kind))
	}
	fields = append(fields, SortHashes(e.Parents))

	encoded, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s entry for hashing", kind)
	}
	return append([]byte{byte(kind)}, encoded...), nil
}

// HashToBig interprets a hash as a big-endian unsigned integer for
// comparison against a proof-of-work target.
func HashToBig(h *chainhash.Hash) *big.Int {
	return new(big.Int).SetBytes(h[:])
}
