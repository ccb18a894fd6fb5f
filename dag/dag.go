package dag

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-ledger/chainstate"
	"dag-ledger/config"
	"dag-ledger/daa"
	"dag-ledger/difficulty"
	"dag-ledger/idlock"
	"dag-ledger/logger"
	"dag-ledger/models"
	"dag-ledger/repository"
)

var (
	// ErrLockTimeout is returned when another validation of the same hash
	// holds the identity lock for longer than the acquire timeout. The entry
	// is dropped.
	ErrLockTimeout = errors.New("entry validation lock timed out")

	// ErrHalted is returned for views once a corruption error stopped chain
	// state advancement.
	ErrHalted = errors.New("chain state advancement halted")

	// ErrBadDifficulty is returned for a block whose difficulty is not the
	// one currently required.
	ErrBadDifficulty = errors.New("block difficulty mismatch")

	// ErrInsufficientWork is returned for a block whose hash exceeds its
	// target.
	ErrInsufficientWork = errors.New("block hash above target")

	// ErrBadVote is returned for a vote not citing a view entry.
	ErrBadVote = errors.New("vote does not cite a view")
)

// Status tells whether a processed entry joined the DAG or is held back.
type Status int

const (
	StatusAccepted Status = iota
	StatusPending
)

func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "accepted"
}

// Result is the outcome of processing an entry. Results of accepted entries
// are cached and returned as-is when the same hash is processed again.
type Result struct {
	Hash    chainhash.Hash
	Kind    models.Kind
	Status  Status
	Missing []chainhash.Hash
}

// Options tunes the DAG service.
type Options struct {
	AcquireTimeout time.Duration
	PendingTimeout time.Duration
	MaxPending     int
	CacheSize      uint32
	Workers        int
}

// OptionsFromConfig maps the node config onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		PendingTimeout: cfg.Pending.Timeout,
		MaxPending:     cfg.Pending.Max,
		CacheSize:      cfg.Validation.CacheSize,
		Workers:        cfg.Validation.Workers,
	}
}

// BlockTemplate is handed to miners: a block built on ParentHashes at
// Timestamp must hash at or below Target.
type BlockTemplate struct {
	Height       uint64
	ParentHashes []chainhash.Hash
	Timestamp    uint64
	Difficulty   difficulty.Difficulty
	Target       *big.Int
}

// GenesisEntry returns the parentless view every network starts from.
func GenesisEntry(params *config.Params) *models.Entry {
	return &models.Entry{
		Kind:      models.KindView,
		Payload:   []byte(params.Name),
		Timestamp: params.GenesisTimestamp,
		View:      &models.ViewFields{Number: 0},
	}
}

// DAG validates entries, stores them and turns views into chain states.
type DAG struct {
	repo    repository.EntryRepositoryInterface
	ledger  *chainstate.Ledger
	locks   *idlock.Lock
	params  *config.Params
	opts    Options
	genesis chainhash.Hash

	accepted *lru.Map[chainhash.Hash, *Result]
	pending  *pendingPool

	// mux serializes the commit step: the block difficulty check, storing
	// the entry and its ledger effect. It makes the service the single
	// writer of the chain state ledger.
	mux          sync.Mutex
	tips         map[chainhash.Hash]struct{}
	blocksInView uint64
	votes        map[chainhash.Hash]uint64
	halted       error
}

// NewDAG wires the service and stores the genesis entry when missing.
func NewDAG(repo repository.EntryRepositoryInterface, ledger *chainstate.Ledger,
	locks *idlock.Lock, params *config.Params, opts Options) (*DAG, error) {

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 1000
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}

	genesis := GenesisEntry(params)
	genesisHash, err := genesis.Hash()
	if err != nil {
		return nil, err
	}
	exists, err := repo.HasEntry(genesisHash)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := repo.PutEntry(genesisHash, genesis); err != nil {
			return nil, err
		}
	}

	latest := ledger.Latest()
	return &DAG{
		repo:     repo,
		ledger:   ledger,
		locks:    locks,
		params:   params,
		opts:     opts,
		genesis:  genesisHash,
		accepted: lru.NewMap[chainhash.Hash, *Result](opts.CacheSize),
		pending:  newPendingPool(opts.PendingTimeout, opts.MaxPending),
		tips:     map[chainhash.Hash]struct{}{latest.LastHash: {}},
		votes:    make(map[chainhash.Hash]uint64),
	}, nil
}

// GenesisHash returns the hash of the network's genesis entry.
func (d *DAG) GenesisHash() chainhash.Hash {
	return d.genesis
}

// ProcessEntry validates an entry and adds it to the DAG. An entry citing
// parents that are not accepted yet is held pending and reported with
// StatusPending; it is processed again once they resolve.
func (d *DAG) ProcessEntry(ctx context.Context, entry *models.Entry) (*Result, error) {
	res, ready, err := d.processEntry(ctx, entry)
	if err != nil {
		return nil, err
	}

	// Released entries are no longer in the pool, so they must not fail
	// because the caller went away.
	released := context.WithoutCancel(ctx)
	for len(ready) > 0 {
		pe := ready[0]
		ready = ready[1:]

		_, more, err := d.processEntry(released, pe.entry)
		if err != nil {
			logger.Logger.Warn("Dropping pending entry",
				zap.Stringer("hash", pe.hash), zap.Error(err))
			continue
		}
		ready = append(ready, more...)
	}
	return res, nil
}

// ProcessEntries validates entries in parallel on up to Options.Workers
// goroutines. Results and errors line up with the input.
func (d *DAG) ProcessEntries(ctx context.Context, entries []*models.Entry) ([]*Result, []error) {
	results := make([]*Result, len(entries))
	errs := make([]error, len(entries))

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			results[i], errs[i] = d.ProcessEntry(ctx, entry)
			return nil
		})
	}
	// Failures are per entry and land in errs, so the group never fails.
	g.Wait()
	return results, errs
}

func (d *DAG) processEntry(ctx context.Context, entry *models.Entry) (*Result, []*pendingEntry, error) {
	hash, err := models.ComputeHash(entry)
	if err != nil {
		return nil, nil, err
	}
	if err := models.Validate(entry, hash == d.genesis); err != nil {
		return nil, nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, d.opts.AcquireTimeout)
	defer cancel()
	guard, err := d.locks.Acquire(lockCtx, hash)
	if err != nil {
		logger.Logger.Warn("Dropping entry, validation lock not acquired",
			zap.Stringer("hash", hash), zap.Error(err))
		return nil, nil, errors.Wrapf(ErrLockTimeout, "entry %s: %v", hash, err)
	}
	defer guard.Release()

	if res, ok := d.accepted.Get(hash); ok {
		return res, nil, nil
	}
	exists, err := d.repo.HasEntry(hash)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		res := &Result{Hash: hash, Kind: entry.Kind, Status: StatusAccepted}
		d.accepted.Put(hash, res)
		return res, nil, nil
	}

	missing, err := d.missingParents(entry)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		// The pool looks again under its own lock, which orders the lookup
		// against resolve calls of parents committed meanwhile.
		if missing, err = d.pending.add(hash, entry, d.repo.HasEntry); err != nil {
			return nil, nil, err
		}
		if len(missing) > 0 {
			logger.Logger.Debug("Entry pending on unresolved parents",
				zap.Stringer("hash", hash), zap.Int("missing", len(missing)))
			return &Result{Hash: hash, Kind: entry.Kind, Status: StatusPending, Missing: missing}, nil, nil
		}
	}

	if err := d.checkEntry(hash, entry); err != nil {
		return nil, nil, err
	}
	if err := d.commit(hash, entry); err != nil {
		return nil, nil, err
	}

	res := &Result{Hash: hash, Kind: entry.Kind, Status: StatusAccepted}
	d.accepted.Put(hash, res)

	logger.Logger.Debug("Entry accepted", zap.Stringer("hash", hash), zap.Stringer("kind", entry.Kind))
	return res, d.pending.resolve(hash), nil
}

func (d *DAG) missingParents(entry *models.Entry) ([]chainhash.Hash, error) {
	var missing []chainhash.Hash
	for _, parent := range models.SortHashes(entry.Parents) {
		exists, err := d.repo.HasEntry(parent)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, parent)
		}
	}
	return missing, nil
}

// checkEntry applies the kind rules that need no view state.
func (d *DAG) checkEntry(hash chainhash.Hash, entry *models.Entry) error {
	switch entry.Kind {
	case models.KindPayment, models.KindView:
		return nil

	case models.KindBlock:
		if models.HashToBig(&hash).Cmp(entry.Block.Difficulty.Target()) > 0 {
			return errors.Wrapf(ErrInsufficientWork, "block %s at difficulty %s", hash, entry.Block.Difficulty)
		}
		return nil

	case models.KindVote:
		if !entry.HasParent(entry.Vote.View) {
			return errors.Wrapf(ErrBadVote, "vote %s does not cite %s as parent", hash, entry.Vote.View)
		}
		view, err := d.repo.GetEntry(entry.Vote.View)
		if err != nil {
			return err
		}
		if view.Kind != models.KindView {
			return errors.Wrapf(ErrBadVote, "vote %s cites a %s entry", hash, view.Kind)
		}
		return nil

	default:
		return errors.Wrapf(models.ErrUnknownKind, "kind %d", uint8(entry.Kind))
	}
}

// commit stores the entry and applies its effect on the view state and the
// chain state ledger.
func (d *DAG) commit(hash chainhash.Hash, entry *models.Entry) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	var next *models.ChainState
	switch entry.Kind {
	case models.KindPayment, models.KindVote:

	case models.KindBlock:
		required := d.ledger.Latest().Difficulty
		if entry.Block.Difficulty != required {
			return errors.Wrapf(ErrBadDifficulty, "block %s has %s, required %s",
				hash, entry.Block.Difficulty, required)
		}

	case models.KindView:
		var err error
		if next, err = d.finalizeView(hash, entry); err != nil {
			return err
		}

	default:
		return errors.Wrapf(models.ErrUnknownKind, "kind %d", uint8(entry.Kind))
	}

	switch entry.Kind {
	case models.KindView:
		// The view and its chain state are written in one batch so neither
		// is stored without the other.
		err := d.ledger.AppendWith(next, func(state *models.ChainState) error {
			return d.repo.PutEntryWithChainState(hash, entry, state)
		})
		if err != nil {
			return err
		}
		d.blocksInView = 0

	default:
		if err := d.repo.PutEntry(hash, entry); err != nil {
			return err
		}
		switch entry.Kind {
		case models.KindBlock:
			d.blocksInView++
		case models.KindVote:
			d.votes[entry.Vote.View]++
		}
	}

	for _, parent := range entry.Parents {
		delete(d.tips, parent)
	}
	d.tips[hash] = struct{}{}
	return nil
}

// finalizeView builds the chain state a view produces. It must be called
// with mux held.
func (d *DAG) finalizeView(hash chainhash.Hash, entry *models.Entry) (*models.ChainState, error) {
	if d.halted != nil {
		return nil, errors.Wrapf(ErrHalted, "view %s: %v", hash, d.halted)
	}

	current := d.ledger.Latest()
	if entry.View.Number != current.Height+1 {
		return nil, errors.Wrapf(chainstate.ErrOutOfOrder, "view %d at ledger height %d",
			entry.View.Number, current.Height)
	}

	nextDifficulty, err := daa.NextDifficulty(d.params, &current, d.blocksInView, d.ledger)
	if err != nil {
		if errors.Is(err, daa.ErrCorruption) {
			d.halted = err
			logger.Logger.Error("Halting chain state advancement", zap.Error(err))
		}
		return nil, err
	}

	weight := new(big.Int).SetUint64(d.blocksInView)
	weight.Mul(weight, current.Difficulty.Work())
	weight.Add(weight, current.Weight)

	return &models.ChainState{
		Height:     current.Height + 1,
		Difficulty: nextDifficulty,
		BlockCount: current.BlockCount + d.blocksInView,
		Weight:     weight,
		LastHash:   hash,
	}, nil
}

// BlockTemplate returns what a miner needs to build the next block.
func (d *DAG) BlockTemplate() *BlockTemplate {
	d.mux.Lock()
	defer d.mux.Unlock()

	parents := make([]chainhash.Hash, 0, len(d.tips))
	for tip := range d.tips {
		parents = append(parents, tip)
	}

	latest := d.ledger.Latest()
	return &BlockTemplate{
		Height:       latest.Height + 1,
		ParentHashes: models.SortHashes(parents),
		Timestamp:    uint64(time.Now().UnixMilli()),
		Difficulty:   latest.Difficulty,
		Target:       latest.Difficulty.Target(),
	}
}

// Entry returns a stored entry.
func (d *DAG) Entry(hash chainhash.Hash) (*models.Entry, error) {
	return d.repo.GetEntry(hash)
}

// Latest returns the latest chain state.
func (d *DAG) Latest() models.ChainState {
	return d.ledger.Latest()
}

// ChainState returns the chain state at height.
func (d *DAG) ChainState(height uint64) (models.ChainState, bool) {
	return d.ledger.Get(height)
}

// Votes returns how many votes on view have been accepted.
func (d *DAG) Votes(view chainhash.Hash) uint64 {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.votes[view]
}

// IsPending reports whether hash is held waiting for parents.
func (d *DAG) IsPending(hash chainhash.Hash) bool {
	return d.pending.contains(hash)
}

// MissingParents returns the unresolved parents pending entries wait on.
func (d *DAG) MissingParents() []chainhash.Hash {
	return d.pending.missingParents()
}

// ExpirePending drops pending entries whose timeout elapsed. They may be
// requested and processed again later.
func (d *DAG) ExpirePending() []chainhash.Hash {
	return d.pending.expire()
}

// Halted returns the corruption error that stopped chain state advancement,
// if any.
func (d *DAG) Halted() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.halted
}
