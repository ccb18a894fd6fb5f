package dag

import (
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"go.uber.org/zap"

	"dag-ledger/logger"
	"dag-ledger/models"
)

// pendingEntry is an entry waiting on parents that have not been accepted
// yet, plus an expiration time so it is not held forever.
type pendingEntry struct {
	hash       chainhash.Hash
	entry      *models.Entry
	missing    map[chainhash.Hash]struct{}
	expiration time.Time
}

// pendingPool holds entries with unresolved parents, indexed by the parents
// they wait on.
type pendingPool struct {
	mtx      sync.Mutex
	entries  map[chainhash.Hash]*pendingEntry
	byParent map[chainhash.Hash][]chainhash.Hash
	timeout  time.Duration
	max      int
	nowFn    func() time.Time
}

func newPendingPool(timeout time.Duration, max int) *pendingPool {
	return &pendingPool{
		entries:  make(map[chainhash.Hash]*pendingEntry),
		byParent: make(map[chainhash.Hash][]chainhash.Hash),
		timeout:  timeout,
		max:      max,
		nowFn:    time.Now,
	}
}

// add queues an entry until the parents lookup reports absent resolve, and
// returns them. Nothing is queued when every parent is present. The lookup
// runs under the pool lock: a parent stored concurrently is either seen here
// or its resolve call finds the queued entry. Expired entries are cleaned up
// lazily here so no separate poller is needed. When the pool is full the
// entry closest to expiring is dropped to make room.
func (p *pendingPool) add(hash chainhash.Hash, entry *models.Entry,
	lookup func(chainhash.Hash) (bool, error)) ([]chainhash.Hash, error) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := p.nowFn()
	p.expireLocked(now)

	if pe, exists := p.entries[hash]; exists {
		return pe.missingList(), nil
	}

	var missing []chainhash.Hash
	for _, parent := range models.SortHashes(entry.Parents) {
		exists, err := lookup(parent)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, parent)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if p.max > 0 && len(p.entries) >= p.max {
		var oldest *pendingEntry
		for _, pe := range p.entries {
			if oldest == nil || pe.expiration.Before(oldest.expiration) {
				oldest = pe
			}
		}
		logger.Logger.Warn("Pending pool full, dropping oldest entry",
			zap.Stringer("hash", oldest.hash))
		p.removeLocked(oldest)
	}

	pe := &pendingEntry{
		hash:       hash,
		entry:      entry,
		missing:    make(map[chainhash.Hash]struct{}, len(missing)),
		expiration: now.Add(p.timeout),
	}
	for _, parent := range missing {
		pe.missing[parent] = struct{}{}
		p.byParent[parent] = append(p.byParent[parent], hash)
	}
	p.entries[hash] = pe
	return missing, nil
}

func (pe *pendingEntry) missingList() []chainhash.Hash {
	missing := make([]chainhash.Hash, 0, len(pe.missing))
	for parent := range pe.missing {
		missing = append(missing, parent)
	}
	return models.SortHashes(missing)
}

func (p *pendingPool) removeLocked(pe *pendingEntry) {
	delete(p.entries, pe.hash)
	for parent := range pe.missing {
		waiting := p.byParent[parent]
		for i := 0; i < len(waiting); i++ {
			if waiting[i] == pe.hash {
				waiting = append(waiting[:i], waiting[i+1:]...)
				i--
			}
		}
		if len(waiting) == 0 {
			delete(p.byParent, parent)
			continue
		}
		p.byParent[parent] = waiting
	}
}

// resolve marks parent as accepted and returns the entries it was the last
// missing parent of. Those entries leave the pool.
func (p *pendingPool) resolve(parent chainhash.Hash) []*pendingEntry {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	waiting := p.byParent[parent]
	delete(p.byParent, parent)

	var ready []*pendingEntry
	for _, hash := range waiting {
		pe, ok := p.entries[hash]
		if !ok {
			continue
		}
		delete(pe.missing, parent)
		if len(pe.missing) == 0 {
			delete(p.entries, hash)
			ready = append(ready, pe)
		}
	}
	return ready
}

// expire drops every entry past its expiration and returns their hashes.
func (p *pendingPool) expire() []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.expireLocked(p.nowFn())
}

func (p *pendingPool) expireLocked(now time.Time) []chainhash.Hash {
	var dropped []chainhash.Hash
	for _, pe := range p.entries {
		if now.After(pe.expiration) {
			p.removeLocked(pe)
			dropped = append(dropped, pe.hash)
		}
	}
	if len(dropped) > 0 {
		logger.Logger.Info("Dropped expired pending entries", zap.Int("count", len(dropped)))
	}
	return dropped
}

// missingParents returns every parent some pending entry is waiting on, so it can
// be requested again.
func (p *pendingPool) missingParents() []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	parents := make([]chainhash.Hash, 0, len(p.byParent))
	for parent := range p.byParent {
		parents = append(parents, parent)
	}
	return models.SortHashes(parents)
}

func (p *pendingPool) contains(hash chainhash.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.entries[hash]
	return ok
}

func (p *pendingPool) count() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.entries)
}
