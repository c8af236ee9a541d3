package storage

import (
	"sync"

	"go.uber.org/zap"
)

// LockMode is a resource's requested or granted access mode.
type LockMode int

const (
	Shared LockMode = iota + 1
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

func compatible(a, b LockMode) bool {
	return a == Shared && b == Shared
}

// waiter is one pending request in a resource's FIFO queue.
type waiter struct {
	txn  int64
	mode LockMode
	ch   chan struct{}
}

// entry is the per-resource state from spec §3's "Lock entry": current
// holders by mode, plus a FIFO queue of blocked requests.
type entry struct {
	mu      sync.Mutex
	holders map[int64]LockMode
	waiters []*waiter
}

func newEntry() *entry {
	return &entry{holders: make(map[int64]LockMode)}
}

// LockManager implements strict two-phase locking over opaque resource
// names, per spec §4.7: a table-wide mutex guards the resource map itself,
// and each resource's own mutex+queue governs its waiters — the two-level
// locking spec §5 calls for.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*entry
	byTxn     map[int64]map[string]struct{} // resources each txn currently holds or is waiting on
	logger    *zap.Logger
}

// NewLockManager builds an empty lock table.
func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		resources: make(map[string]*entry),
		byTxn:     make(map[int64]map[string]struct{}),
		logger:    logger,
	}
}

func (lm *LockManager) entryFor(resource string) *entry {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e, ok := lm.resources[resource]
	if !ok {
		e = newEntry()
		lm.resources[resource] = e
	}
	return e
}

func (lm *LockManager) track(txn int64, resource string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	set, ok := lm.byTxn[txn]
	if !ok {
		set = make(map[string]struct{})
		lm.byTxn[txn] = set
	}
	set[resource] = struct{}{}
}

// Acquire blocks until txn is granted mode on resource, per the
// head-of-queue fairness rule: a request only proceeds once it is at the
// front of the waiter queue and compatible with every existing holder. A
// holder re-requesting the same mode it already holds is granted
// immediately (reentrant); SHARED->EXCLUSIVE upgrade is not supported.
// If ReleaseAll(txn) drops the request while it is still queued, Acquire
// returns nil without the lock having been granted.
func (lm *LockManager) Acquire(txn int64, resource string, mode LockMode) error {
	e := lm.entryFor(resource)
	lm.track(txn, resource)

	e.mu.Lock()
	if held, ok := e.holders[txn]; ok {
		if held == mode {
			e.mu.Unlock()
			return nil
		}
		if held == Exclusive {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		return LogicErrorf("txn %d: shared-to-exclusive lock upgrade is not supported on %q", txn, resource)
	}

	w := &waiter{txn: txn, mode: mode, ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	lm.tryGrant(e)
	e.mu.Unlock()

	<-w.ch
	return nil
}

// tryGrant must be called with e.mu held. It grants the front-of-queue
// waiter repeatedly as long as doing so is compatible with current
// holders, stopping at the first incompatible or non-front waiter.
func (lm *LockManager) tryGrant(e *entry) {
	for len(e.waiters) > 0 {
		front := e.waiters[0]
		ok := true
		for _, held := range e.holders {
			if !compatible(front.mode, held) {
				ok = false
				break
			}
		}
		if !ok {
			return
		}
		e.holders[front.txn] = front.mode
		e.waiters = e.waiters[1:]
		close(front.ch)
	}
}

// ReleaseAll removes every holder entry and pending waiter belonging to
// txn across all resources, then notifies any waiters now unblocked.
func (lm *LockManager) ReleaseAll(txn int64) {
	lm.mu.Lock()
	resources := lm.byTxn[txn]
	delete(lm.byTxn, txn)
	lm.mu.Unlock()

	for resource := range resources {
		e := lm.entryFor(resource)
		e.mu.Lock()
		delete(e.holders, txn)
		kept := e.waiters[:0]
		for _, w := range e.waiters {
			if w.txn == txn {
				close(w.ch)
				continue
			}
			kept = append(kept, w)
		}
		e.waiters = kept
		lm.tryGrant(e)
		e.mu.Unlock()
	}
}
