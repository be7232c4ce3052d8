// Package txn implements spec.md §4.12's transaction manager: snapshot
// isolation via a Lamport snapshot taken at BeginTransaction, buffered
// writes applied only on CommitTransaction, and either optimistic
// (validate-on-commit) or pessimistic (row-locking, 2PL) conflict
// handling depending on config.TxLockStrategy. A transaction spans a
// single node's local store; cross-partition transactions are Non-goal
// territory (the teacher's shard model, like spec.md, has no
// distributed transaction coordinator).
package txn

import (
	"sort"
	"sync"

	"github.com/dreamware/ringdb/internal/clock"
	"github.com/dreamware/ringdb/internal/config"
	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

// Store is the local storage engine a Manager validates reads against
// and applies committed writes to (internal/lsm.Engine satisfies this
// once adapted).
type Store interface {
	Get(key record.Key) (record.Record, bool, error)
	Put(rec record.Record) error
}

type transaction struct {
	id           uint64
	snapshotTick uint64
	reads        map[record.Key]uint64 // key -> LamportTS observed at read time (0 if key was absent)
	writes       map[record.Key]record.Record
	locked       map[record.Key]bool
}

// Manager coordinates BeginTransaction/GetForUpdate/CommitTransaction/
// AbortTransaction against one node's local store.
type Manager struct {
	mu sync.Mutex

	selfID   string
	strategy config.TxLockStrategy
	lam      *clock.Lamport
	store    Store

	nextTxID uint64
	txs      map[uint64]*transaction
	// locks maps a key to the tx id currently holding its row lock,
	// used only under Tx2PL.
	locks map[record.Key]uint64
}

// New returns a transaction Manager for one node's local store.
func New(selfID string, strategy config.TxLockStrategy, lam *clock.Lamport, store Store) *Manager {
	return &Manager{
		selfID:   selfID,
		strategy: strategy,
		lam:      lam,
		store:    store,
		txs:      make(map[uint64]*transaction),
		locks:    make(map[record.Key]uint64),
	}
}

// Begin starts a new transaction, assigning it the current Lamport
// tick as its read snapshot.
func (m *Manager) Begin() (txID uint64, snapshotTick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTxID++
	txID = m.nextTxID
	snapshotTick = m.lam.Current()
	m.txs[txID] = &transaction{
		id:           txID,
		snapshotTick: snapshotTick,
		reads:        make(map[record.Key]uint64),
		writes:       make(map[record.Key]record.Record),
		locked:       make(map[record.Key]bool),
	}
	return txID, snapshotTick
}

// GetForUpdate reads key on behalf of txID, recording it in the
// transaction's read set for commit-time validation and, under
// Tx2PL, acquiring the row's lock immediately (failing with
// SerializationConflict if another live transaction already holds it)
// instead of deferring the check to commit.
func (m *Manager) GetForUpdate(txID uint64, key record.Key) (record.Record, bool, error) {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return record.Record{}, false, errs.New(errs.UnknownKey, "txn: unknown transaction %d", txID)
	}
	if m.strategy == config.Tx2PL && !tx.locked[key] {
		if holder, held := m.locks[key]; held && holder != txID {
			m.mu.Unlock()
			return record.Record{}, false, errs.New(errs.SerializationConflict, "txn: row %q locked by tx %d", key, holder)
		}
		m.locks[key] = txID
		tx.locked[key] = true
	}
	m.mu.Unlock()

	rec, found, err := m.store.Get(key)
	if err != nil {
		return record.Record{}, false, err
	}

	m.mu.Lock()
	if found {
		tx.reads[key] = rec.Meta.LamportTS
	} else {
		tx.reads[key] = 0
	}
	m.mu.Unlock()

	return rec, found, nil
}

// Stage buffers a write as part of txID, applied only if the
// transaction later commits.
func (m *Manager) Stage(txID uint64, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return errs.New(errs.UnknownKey, "txn: unknown transaction %d", txID)
	}
	tx.writes[rec.Key] = rec
	return nil
}

// Commit validates the transaction's read set (under Tx2PL the row
// locks already prevent conflicting writes, so validation is a no-op
// there) and, if valid, applies every staged write, stamping each with
// a fresh Lamport tick.
func (m *Manager) Commit(txID uint64) error {
	m.mu.Lock()
	tx, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.UnknownKey, "txn: unknown transaction %d", txID)
	}
	m.mu.Unlock()

	if m.strategy == config.TxOptimistic {
		if err := m.validate(tx); err != nil {
			m.releaseAndForget(txID)
			return err
		}
	}

	keys := make([]record.Key, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		rec := tx.writes[k]
		rec.Meta.LamportTS = m.lam.Tick()
		if rec.Meta.Origin == "" {
			rec.Meta.Origin = m.selfID
		}
		if err := m.store.Put(rec); err != nil {
			m.releaseAndForget(txID)
			return err
		}
	}

	m.releaseAndForget(txID)
	return nil
}

// validate re-reads every key in the transaction's read set and fails
// with SerializationConflict if any has been modified since the
// transaction's snapshot — spec.md §4.12's optimistic path.
func (m *Manager) validate(tx *transaction) error {
	for key, seenTS := range tx.reads {
		cur, found, err := m.store.Get(key)
		if err != nil {
			return err
		}
		currentTS := uint64(0)
		if found {
			currentTS = cur.Meta.LamportTS
		}
		if currentTS != seenTS {
			return errs.New(errs.SerializationConflict, "txn: read set invalidated for key %q", key)
		}
	}
	return nil
}

// Abort discards a transaction's staged writes and releases any row
// locks it holds.
func (m *Manager) Abort(txID uint64) error {
	m.mu.Lock()
	_, ok := m.txs[txID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.UnknownKey, "txn: unknown transaction %d", txID)
	}
	m.releaseAndForget(txID)
	return nil
}

func (m *Manager) releaseAndForget(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return
	}
	for key := range tx.locked {
		if m.locks[key] == txID {
			delete(m.locks, key)
		}
	}
	delete(m.txs, txID)
}
