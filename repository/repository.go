package repository

import (
	"encoding/binary"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"dag-ledger/db"
	"dag-ledger/models"
)

var (
	entryPrefix      = []byte("entry:")
	chainStatePrefix = []byte("chainstate:")
)

// ErrEntryNotFound is returned when no entry is stored under a hash.
var ErrEntryNotFound = errors.New("entry not found")

// EntryRepositoryInterface abstracts entry storage from the DAG service
type EntryRepositoryInterface interface {
	PutEntry(hash chainhash.Hash, entry *models.Entry) error
	GetEntry(hash chainhash.Hash) (*models.Entry, error)
	HasEntry(hash chainhash.Hash) (bool, error)
	PutEntryWithChainState(hash chainhash.Hash, entry *models.Entry, state *models.ChainState) error
}

// ChainStateRepositoryInterface abstracts chain state storage from the ledger
type ChainStateRepositoryInterface interface {
	PutChainState(state *models.ChainState) error
	GetAllChainStates() ([]*models.ChainState, error)
}

// Repository implements both interfaces using LevelDB as the storage backend
type Repository struct {
	db *db.LevelDB
}

// NewRepository creates and returns a new Repository instance
func NewRepository(db *db.LevelDB) *Repository {
	return &Repository{db: db}
}

func entryKey(hash chainhash.Hash) []byte {
	key := make([]byte, 0, len(entryPrefix)+chainhash.HashSize)
	key = append(key, entryPrefix...)
	return append(key, hash[:]...)
}

// chainStateKey uses a big-endian height so iteration runs in height order.
func chainStateKey(height uint64) []byte {
	key := make([]byte, len(chainStatePrefix)+8)
	copy(key, chainStatePrefix)
	binary.BigEndian.PutUint64(key[len(chainStatePrefix):], height)
	return key
}

// PutEntry stores an entry in its wire encoding under its hash
func (r *Repository) PutEntry(hash chainhash.Hash, entry *models.Entry) error {
	data, err := entry.Serialize()
	if err != nil {
		return err
	}
	return errors.Wrapf(r.db.Put(entryKey(hash), data), "storing entry %s", hash)
}

// GetEntry retrieves an entry by its hash
func (r *Repository) GetEntry(hash chainhash.Hash) (*models.Entry, error) {
	data, err := r.db.Get(entryKey(hash))
	if errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrapf(ErrEntryNotFound, "entry %s", hash)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading entry %s", hash)
	}
	return models.Deserialize(data)
}

// HasEntry reports whether an entry is stored under hash
func (r *Repository) HasEntry(hash chainhash.Hash) (bool, error) {
	return r.db.Has(entryKey(hash))
}

// PutEntryWithChainState stores a view entry and the chain state it
// finalizes in one atomic batch
func (r *Repository) PutEntryWithChainState(hash chainhash.Hash, entry *models.Entry, state *models.ChainState) error {
	entryData, err := entry.Serialize()
	if err != nil {
		return err
	}
	stateData, err := state.Serialize()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(hash), entryData)
	batch.Put(chainStateKey(state.Height), stateData)
	return errors.Wrapf(r.db.WriteSync(batch), "storing view %s with chain state %d", hash, state.Height)
}

// PutChainState persists a chain state, synced to disk before returning
func (r *Repository) PutChainState(state *models.ChainState) error {
	data, err := state.Serialize()
	if err != nil {
		return err
	}
	return errors.Wrapf(r.db.PutSync(chainStateKey(state.Height), data),
		"storing chain state %d", state.Height)
}

// GetAllChainStates retrieves every stored chain state in height order
func (r *Repository) GetAllChainStates() ([]*models.ChainState, error) {
	iter := r.db.NewPrefixIterator(chainStatePrefix)
	defer iter.Release()

	var states []*models.ChainState
	for iter.Next() {
		state, err := models.DeserializeChainState(iter.Value())
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, iter.Error()
}
