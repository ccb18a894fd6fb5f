// Package idlock provides a mutual exclusion gate keyed by content hash: at
// most one holder per hash, while different hashes proceed in parallel.
package idlock

import (
	"context"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-ledger/logger"
)

// DefaultIdleTimeout is how long an unheld entry survives before a sweep
// evicts it.
const DefaultIdleTimeout = time.Minute

// ErrTimeout is returned when the context passed to Acquire ends before the
// lock is obtained.
var ErrTimeout = errors.New("identity lock acquisition timed out")

// entry is a reference-counted mutex. The one-slot channel is held while
// locked so waiters can give up when their context ends.
type entry struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// Lock maps hashes to reference-counted mutexes. References are taken and
// dropped under mtx, and sweeps only evict entries without references, so
// every concurrent acquirer of a hash shares one mutex instance.
type Lock struct {
	mtx         sync.Mutex
	entries     map[chainhash.Hash]*entry
	idleTimeout time.Duration
	nowFn       func() time.Time

	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a lock whose unheld entries are evicted after idleTimeout.
func New(idleTimeout time.Duration) *Lock {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Lock{
		entries:     make(map[chainhash.Hash]*entry),
		idleTimeout: idleTimeout,
		nowFn:       time.Now,
		quit:        make(chan struct{}),
	}
}

// Guard is held while a hash is locked.
type Guard struct {
	lock *Lock
	hash chainhash.Hash
	e    *entry
	once sync.Once
}

// Acquire blocks until no other holder of hash remains, or ctx ends.
func (l *Lock) Acquire(ctx context.Context, hash chainhash.Hash) (*Guard, error) {
	l.mtx.Lock()
	e, ok := l.entries[hash]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[hash] = e
	}
	e.refs++
	l.mtx.Unlock()

	select {
	case e.sem <- struct{}{}:
		return &Guard{lock: l, hash: hash, e: e}, nil
	case <-ctx.Done():
		l.unref(e)
		return nil, errors.Wrapf(ErrTimeout, "hash %s: %v", hash, ctx.Err())
	}
}

// Do runs fn while holding the lock for hash. The lock is released however
// fn exits, panics included.
func (l *Lock) Do(ctx context.Context, hash chainhash.Hash, fn func() error) error {
	g, err := l.Acquire(ctx, hash)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

func (l *Lock) unref(e *entry) {
	l.mtx.Lock()
	e.refs--
	e.lastUsed = l.nowFn()
	l.mtx.Unlock()
}

// Release unlocks the hash. Calling it more than once has no effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		<-g.e.sem
		g.lock.unref(g.e)
	})
}

// Hash returns the hash the guard holds.
func (g *Guard) Hash() chainhash.Hash {
	return g.hash
}

// Sweep evicts entries nobody holds or waits on that have been idle for at
// least the idle timeout, returning how many were removed.
func (l *Lock) Sweep(now time.Time) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	evicted := 0
	for hash, e := range l.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= l.idleTimeout {
			delete(l.entries, hash)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries.
func (l *Lock) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.entries)
}

// Start runs Sweep every interval until Stop is called.
func (l *Lock) Start(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.Sweep(l.nowFn()); n > 0 {
					logger.Logger.Debug("Evicted idle identity locks", zap.Int("count", n))
				}
			case <-l.quit:
				return
			}
		}
	}()
}

// Stop ends the sweeper and waits for it to exit.
func (l *Lock) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	l.wg.Wait()
}
