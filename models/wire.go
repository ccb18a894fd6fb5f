package models

import (
	"bytes"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// envelope is the RLP layout following the kind byte on the wire and on
// disk. Body holds the RLP of the kind-specific fields.
type envelope struct {
	PublicKey []byte
	Recipient []byte
	Value     uint64
	Payload   []byte
	Timestamp uint64
	Signature []byte
	Parents   []chainhash.Hash
	Body      rlp.RawValue
}

// Serialize encodes the entry as its kind byte followed by the RLP envelope.
// Parents are written in canonical order.
func (e *Entry) Serialize() ([]byte, error) {
	kind, err := Classify(e)
	if err != nil {
		return nil, err
	}

	var body []byte
	switch kind {
	case KindPayment:
		body = rlp.EmptyList
	case KindBlock:
		body, err = rlp.EncodeToBytes(e.Block)
	case KindView:
		body, err = rlp.EncodeToBytes(e.View)
	case KindVote:
		body, err = rlp.EncodeToBytes(e.Vote)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", uint8(kind))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s body", kind)
	}

	encoded, err := rlp.EncodeToBytes(&envelope{
		PublicKey: e.PublicKey,
		Recipient: e.Recipient,
		Value:     e.Value,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
		Signature: e.Signature,
		Parents:   SortHashes(e.Parents),
		Body:      body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s entry", kind)
	}
	return append([]byte{byte(kind)}, encoded...), nil
}

// Deserialize decodes an entry produced by Serialize. Unknown kinds and
// trailing bytes are rejected.
func Deserialize(b []byte) (*Entry, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrMalformedEntry, "empty entry encoding")
	}

	var env envelope
	if err := rlp.DecodeBytes(b[1:], &env); err != nil {
		return nil, errors.Wrapf(ErrMalformedEntry, "decoding envelope: %v", err)
	}

	e := &Entry{
		Kind:      Kind(b[0]),
		PublicKey: env.PublicKey,
		Recipient: env.Recipient,
		Value:     env.Value,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Signature: env.Signature,
		Parents:   env.Parents,
	}

	var err error
	switch e.Kind {
	case KindPayment:
		if !bytes.Equal(env.Body, rlp.EmptyList) {
			err = errors.New("payment body must be an empty list")
		}
	case KindBlock:
		e.Block = new(BlockFields)
		err = rlp.DecodeBytes(env.Body, e.Block)
	case KindView:
		e.View = new(ViewFields)
		err = rlp.DecodeBytes(env.Body, e.View)
	case KindVote:
		e.Vote = new(VoteFields)
		err = rlp.DecodeBytes(env.Body, e.Vote)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", b[0])
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEntry, "decoding %s body: %v", e.Kind, err)
	}
	return e, nil
}
