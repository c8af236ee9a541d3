package storage

import (
	"sync"

	"go.uber.org/zap"
)

// TxnStatus mirrors spec §4.11's transaction state machine: Active ends
// in Committed or Aborted, and once terminal no further operations are
// accepted.
type TxnStatus int

const (
	TxActive TxnStatus = iota + 1
	TxCommitted
	TxAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

type transaction struct {
	id     int64
	status TxnStatus
}

// Coordinator issues monotonically increasing transaction ids and
// orchestrates the WAL and lock manager for begin/commit/abort, per spec
// §4.9. It performs no rollback of applied mutations: abort is advisory
// for logging and lock release only.
type Coordinator struct {
	mu     sync.Mutex
	nextID int64
	active map[int64]*transaction

	wal    *WAL
	locks  *LockManager
	logger *zap.Logger
}

// NewCoordinator wires a Coordinator to an already-open WAL and lock
// manager.
func NewCoordinator(wal *WAL, locks *LockManager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		nextID: 1,
		active: make(map[int64]*transaction),
		wal:    wal,
		locks:  locks,
		logger: logger,
	}
}

// Begin allocates a new txn id, appends a BEGIN record, and returns the id.
func (c *Coordinator) Begin() (int64, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	tx := &transaction{id: id, status: TxActive}
	c.active[id] = tx
	c.mu.Unlock()

	if err := c.wal.Append(LogRecord{TxnID: id, Kind: Begin}); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Coordinator) lookup(id int64) (*transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[id]
	if !ok {
		return nil, LogicErrorf("txn %d: unknown or already terminal", id)
	}
	return tx, nil
}

// LogUpdate appends an UPDATE record recording table/offset/before/after
// for an in-progress transaction. Per spec §7, a fsync failure here must
// stop the caller from proceeding to Commit.
func (c *Coordinator) LogUpdate(id int64, table string, offset int64, before, after string) error {
	if _, err := c.lookup(id); err != nil {
		return err
	}
	return c.wal.Append(LogRecord{
		TxnID:       id,
		Kind:        Update,
		Table:       table,
		Offset:      offset,
		BeforeImage: before,
		AfterImage:  after,
	})
}

// Commit appends a COMMIT record and releases every lock held by id. Per
// spec invariant 4, the record is durable (fsynced) before this returns.
func (c *Coordinator) Commit(id int64) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.wal.Append(LogRecord{TxnID: id, Kind: Commit}); err != nil {
		return err
	}

	c.mu.Lock()
	tx.status = TxCommitted
	delete(c.active, id)
	c.mu.Unlock()

	c.locks.ReleaseAll(id)
	return nil
}

// Abort appends an ABORT record and releases every lock held by id. No
// in-memory or on-disk mutation already applied by id is undone.
func (c *Coordinator) Abort(id int64) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := c.wal.Append(LogRecord{TxnID: id, Kind: Abort}); err != nil {
		return err
	}

	c.mu.Lock()
	tx.status = TxAborted
	delete(c.active, id)
	c.mu.Unlock()

	c.locks.ReleaseAll(id)
	return nil
}

// Acquire grants id a lock on resource in mode, blocking per C7's
// strict-2PL contract.
func (c *Coordinator) Acquire(id int64, resource string, mode LockMode) error {
	if _, err := c.lookup(id); err != nil {
		return err
	}
	return c.locks.Acquire(id, resource, mode)
}
