package models

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"dag-ledger/difficulty"
)

// Kind is the one-byte discriminant carried by every DAG entry.
type Kind uint8

// The closed set of entry kinds. Zero is never valid.
const (
	KindPayment Kind = iota + 1 // payment or contract call
	KindBlock                   // proof-of-work block built from a template
	KindView                    // epoch marker finalizing a batch of blocks
	KindVote                    // signed attestation on a view
)

var kindNames = map[Kind]string{
	KindPayment: "payment",
	KindBlock:   "block",
	KindView:    "view",
	KindVote:    "vote",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind maps a kind name back to its discriminant.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownKind, "kind %q", name)
}

var (
	// ErrUnknownKind is returned for a kind outside the closed set.
	ErrUnknownKind = errors.New("unknown entry kind")

	// ErrMalformedEntry is returned when a required field is missing or a
	// field belonging to another kind is set.
	ErrMalformedEntry = errors.New("malformed entry")

	// ErrNoParents is returned for a non-genesis entry citing no parent.
	ErrNoParents = errors.New("entry cites no parents")
)

// BlockFields carries the proof-of-work data of a block.
type BlockFields struct {
	Nonce      uint64                `json:"nonce"`
	Difficulty difficulty.Difficulty `json:"difficulty"`
}

// ViewFields identifies the epoch a view closes.
type ViewFields struct {
	Number uint64 `json:"number"`
}

// VoteFields names the view a vote attests to.
type VoteFields struct {
	View chainhash.Hash `json:"view"`
}

// Entry is a parent-linked DAG node. Exactly one of Block, View and Vote is
// set for the matching kind; payments set none.
type Entry struct {
	Kind      Kind             `json:"kind"`
	PublicKey []byte           `json:"public_key,omitempty"` // signer, payments and votes only
	Recipient []byte           `json:"recipient,omitempty"`
	Value     uint64           `json:"value"`
	Payload   []byte           `json:"payload,omitempty"`
	Timestamp uint64           `json:"timestamp"` // unix ms
	Signature []byte           `json:"signature,omitempty"`
	Parents   []chainhash.Hash `json:"parents"`

	Block *BlockFields `json:"block,omitempty"`
	View  *ViewFields  `json:"view,omitempty"`
	Vote  *VoteFields  `json:"vote,omitempty"`
}

// Classify returns the entry's kind after checking that its kind-specific
// payload matches it.
func Classify(e *Entry) (Kind, error) {
	var hasBlock, hasView, hasVote bool
	switch e.Kind {
	case KindPayment:
	case KindBlock:
		hasBlock = true
	case KindView:
		hasView = true
	case KindVote:
		hasVote = true
	default:
		return 0, errors.Wrapf(ErrUnknownKind, "kind %d", uint8(e.Kind))
	}

	if (e.Block != nil) != hasBlock || (e.View != nil) != hasView || (e.Vote != nil) != hasVote {
		return 0, errors.Wrapf(ErrMalformedEntry, "%s entry carries mismatched fields", e.Kind)
	}
	return e.Kind, nil
}

// RequiresPublicKey reports whether entries of kind k are signed and so
// commit to their signer's public key.
func RequiresPublicKey(k Kind) bool {
	switch k {
	case KindPayment, KindVote:
		return true
	case KindBlock, KindView:
		return false
	default:
		return false
	}
}

// Validate checks that every field required by the entry's kind is present.
// Genesis entries are the only ones allowed to cite no parents.
func Validate(e *Entry, genesis bool) error {
	kind, err := Classify(e)
	if err != nil {
		return err
	}
	if RequiresPublicKey(kind) && len(e.PublicKey) == 0 {
		return errors.Wrapf(ErrMalformedEntry, "%s entry is missing its public key", kind)
	}
	if kind == KindVote && e.Vote.View == (chainhash.Hash{}) {
		return errors.Wrap(ErrMalformedEntry, "vote entry names no view")
	}
	if !genesis && len(e.Parents) == 0 {
		return errors.Wrapf(ErrNoParents, "%s entry", kind)
	}
	return nil
}

// HasParent reports whether h is among the entry's parents.
func (e *Entry) HasParent(h chainhash.Hash) bool {
	for _, p := range e.Parents {
		if p == h {
			return true
		}
	}
	return false
}

// SortHashes returns the hashes in ascending byte order with duplicates
// removed. The input is left untouched.
func SortHashes(hashes []chainhash.Hash) []chainhash.Hash {
	sorted := make([]chainhash.Hash, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	unique := sorted[:0]
	for _, h := range sorted {
		if len(unique) > 0 && h == unique[len(unique)-1] {
			continue
		}
		unique = append(unique, h)
	}
	return unique
}
