// Package chainstate maintains the append-only, height-indexed record of
// finalized views that feeds difficulty adjustment and fork choice.
package chainstate

import (
	"math/big"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-ledger/config"
	"dag-ledger/difficulty"
	"dag-ledger/logger"
	"dag-ledger/models"
	"dag-ledger/repository"
)

var (
	// ErrOutOfOrder is returned when an appended state does not directly
	// follow the latest height. Callers re-read Latest and retry.
	ErrOutOfOrder = errors.New("chain state out of order")

	// ErrInvalidState is returned when an appended state would break the
	// weight invariants.
	ErrInvalidState = errors.New("invalid chain state")

	// ErrMissingState is returned by Window when a height in the range has
	// not been finalized.
	ErrMissingState = errors.New("chain state missing")
)

// Genesis returns the synthetic height-0 state of a network.
func Genesis(params *config.Params, genesisHash chainhash.Hash) (*models.ChainState, error) {
	d, err := difficulty.Encode(new(big.Int).SetUint64(params.GenesisWork))
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s genesis difficulty", params.Name)
	}
	return &models.ChainState{
		Height:     0,
		Difficulty: d,
		Weight:     new(big.Int),
		LastHash:   genesisHash,
	}, nil
}

// Ledger holds every finalized chain state in memory, indexed by height, and
// persists appends through the repository. Append is single-writer; reads
// never observe a partially appended state.
type Ledger struct {
	mtx    sync.RWMutex
	states []*models.ChainState
	store  repository.ChainStateRepositoryInterface
}

// Open loads the persisted states, or writes genesis when there are none.
func Open(store repository.ChainStateRepositoryInterface, genesis *models.ChainState) (*Ledger, error) {
	stored, err := store.GetAllChainStates()
	if err != nil {
		return nil, errors.Wrap(err, "loading chain states")
	}

	l := &Ledger{store: store}
	if len(stored) == 0 {
		if genesis.Height != 0 {
			return nil, errors.Wrapf(ErrInvalidState, "genesis at height %d", genesis.Height)
		}
		if err := store.PutChainState(genesis); err != nil {
			return nil, err
		}
		c := genesis.Copy()
		l.states = append(l.states, &c)
		return l, nil
	}

	for i, s := range stored {
		if s.Height != uint64(i) {
			return nil, errors.Wrapf(ErrOutOfOrder, "stored chain state %d found at position %d", s.Height, i)
		}
		if i > 0 {
			if err := checkSuccessor(stored[i-1], s); err != nil {
				return nil, err
			}
		}
	}
	if stored[0].LastHash != genesis.LastHash || stored[0].Difficulty != genesis.Difficulty {
		return nil, errors.Wrap(ErrInvalidState, "stored genesis does not match the network")
	}
	l.states = stored

	logger.Logger.Info("Chain state ledger loaded", zap.Uint64("height", l.states[len(l.states)-1].Height))
	return l, nil
}

func checkSuccessor(prev, next *models.ChainState) error {
	if next.Height != prev.Height+1 {
		return errors.Wrapf(ErrOutOfOrder, "height %d does not follow %d", next.Height, prev.Height)
	}
	if next.Weight == nil || next.Weight.Cmp(prev.Weight) < 0 {
		return errors.Wrapf(ErrInvalidState, "weight decreases at height %d", next.Height)
	}
	if next.BlockCount < prev.BlockCount {
		return errors.Wrapf(ErrInvalidState, "block count decreases at height %d", next.Height)
	}
	if next.BlockCount > prev.BlockCount && next.Weight.Cmp(prev.Weight) == 0 {
		return errors.Wrapf(ErrInvalidState, "height %d adds blocks without weight", next.Height)
	}
	return nil
}

// Append adds the state directly after the latest one. Gaps and duplicates
// are rejected with ErrOutOfOrder.
func (l *Ledger) Append(state *models.ChainState) error {
	return l.AppendWith(state, l.store.PutChainState)
}

// AppendWith is Append with persist writing the state in place of the
// ledger's store, so callers can commit it together with other records.
// Nothing is appended when persist fails.
func (l *Ledger) AppendWith(state *models.ChainState, persist func(*models.ChainState) error) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if err := checkSuccessor(l.states[len(l.states)-1], state); err != nil {
		return err
	}
	if err := persist(state); err != nil {
		return err
	}

	c := state.Copy()
	l.states = append(l.states, &c)

	logger.Logger.Info("Chain state appended",
		zap.Uint64("height", c.Height),
		zap.Stringer("difficulty", c.Difficulty),
		zap.Uint64("block_count", c.BlockCount),
		zap.String("weight", c.Weight.String()))
	return nil
}

// Get returns a copy of the state at height.
func (l *Ledger) Get(height uint64) (models.ChainState, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	if height >= uint64(len(l.states)) {
		return models.ChainState{}, false
	}
	return l.states[height].Copy(), true
}

// Latest returns a copy of the highest state.
func (l *Ledger) Latest() models.ChainState {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return l.states[len(l.states)-1].Copy()
}

// Height returns the latest height.
func (l *Ledger) Height() uint64 {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return uint64(len(l.states) - 1)
}

// Window returns copies of the states from..to inclusive, read under a
// single lock so a concurrent Append cannot be observed half way.
func (l *Ledger) Window(from, to uint64) ([]models.ChainState, error) {
	if to < from {
		return nil, nil
	}

	l.mtx.RLock()
	defer l.mtx.RUnlock()

	if to >= uint64(len(l.states)) {
		return nil, errors.Wrapf(ErrMissingState, "height %d, latest is %d", to, len(l.states)-1)
	}
	window := make([]models.ChainState, 0, to-from+1)
	for h := from; h <= to; h++ {
		window = append(window, l.states[h].Copy())
	}
	return window, nil
}

// CumulativeWeight returns the total work through height.
func (l *Ledger) CumulativeWeight(height uint64) (*big.Int, bool) {
	s, ok := l.Get(height)
	if !ok {
		return nil, false
	}
	return s.Weight, true
}
