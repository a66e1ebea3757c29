package wal

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relstore/coredb/internal/coreerr"
)

// TxState is a transaction's position in the state machine (spec §4.D).
type TxState uint8

const (
	TxActive TxState = iota
	TxPreparing
	TxCommitted
	TxAborted
	TxFinished
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxPreparing:
		return "Preparing"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	case TxFinished:
		return "Finished"
	default:
		return fmt.Sprintf("TxState(%d)", uint8(s))
	}
}

// txEntry is the active-transaction table's bookkeeping for one transaction
// (spec §4.D ActiveTransaction).
type txEntry struct {
	id        TxID
	state     TxState
	lastLSN   LSN // most recent record this tx appended; chained via PrevLSN
	beginLSN  LSN
	startedAt time.Time
	touchedAt time.Time
}

// ManagerConfig configures the transaction manager (spec §6).
type ManagerConfig struct {
	MaxActiveTransactions int
	IdleTimeout           time.Duration // 0 disables the idle scan
	IdleScanCron          string        // robfig/cron expression, default every minute
	Logger                *log.Logger
}

// DefaultManagerConfig returns the spec's implied defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxActiveTransactions: 1000,
		IdleTimeout:           0,
		IdleScanCron:          "@every 1m",
	}
}

// Manager layers the transaction state machine (spec §4.D) on top of a
// Writer (spec §4.C), so callers log typed operations instead of raw
// records and the manager maintains PrevLSN chains and commit/abort
// bookkeeping for them.
type Manager struct {
	w   *Writer
	cfg ManagerConfig
	log *log.Logger

	mu      sync.Mutex
	active  map[TxID]*txEntry
	nextTID TxID

	cronSched *cron.Cron
}

// NewManager wraps w with transaction bookkeeping.
func NewManager(w *Writer, cfg ManagerConfig) *Manager {
	if cfg.MaxActiveTransactions <= 0 {
		cfg.MaxActiveTransactions = DefaultManagerConfig().MaxActiveTransactions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{w: w, cfg: cfg, log: logger, active: make(map[TxID]*txEntry), nextTID: 1}

	if cfg.IdleTimeout > 0 {
		expr := cfg.IdleScanCron
		if expr == "" {
			expr = DefaultManagerConfig().IdleScanCron
		}
		c := cron.New()
		if _, err := c.AddFunc(expr, m.scanIdleTransactions); err != nil {
			m.log.Printf("wal: invalid idle scan schedule %q: %v", expr, err)
		} else {
			c.Start()
			m.cronSched = c
		}
	}
	return m
}

// Begin admits a new transaction, subject to max_active_transactions
// (spec §4.D, Overloaded on exceeding the cap).
func (m *Manager) Begin() (TxID, error) {
	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxActiveTransactions {
		m.mu.Unlock()
		return 0, coreerr.New(coreerr.Overloaded, "wal", "max_active_transactions exceeded")
	}
	tid := m.nextTID
	m.nextTID++
	m.mu.Unlock()

	lsn, err := m.w.Append(Record{Type: TxBegin, TxID: tid, HasTxID: true})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	now := time.Now()
	m.active[tid] = &txEntry{id: tid, state: TxActive, lastLSN: lsn, beginLSN: lsn, startedAt: now, touchedAt: now}
	m.mu.Unlock()
	return tid, nil
}

func (m *Manager) entry(tid TxID) (*txEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[tid]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "wal", fmt.Sprintf("transaction %d not active", tid))
	}
	if e.state != TxActive {
		return nil, coreerr.New(coreerr.Conflict, "wal", fmt.Sprintf("transaction %d is %s, not Active", tid, e.state))
	}
	return e, nil
}

func (m *Manager) appendForTx(tid TxID, typ RecordType, payload []byte) (LSN, error) {
	e, err := m.entry(tid)
	if err != nil {
		return 0, err
	}
	lsn, err := m.w.Append(Record{Type: typ, TxID: tid, HasTxID: true, PrevLSN: e.lastLSN, Payload: payload})
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	e.lastLSN = lsn
	e.touchedAt = time.Now()
	m.mu.Unlock()
	return lsn, nil
}

// LogInsert appends a DataInsert record chained to tid's previous record.
func (m *Manager) LogInsert(tid TxID, payload []byte) (LSN, error) {
	return m.appendForTx(tid, DataInsert, payload)
}

// LogUpdate appends a DataUpdate record chained to tid's previous record.
func (m *Manager) LogUpdate(tid TxID, payload []byte) (LSN, error) {
	return m.appendForTx(tid, DataUpdate, payload)
}

// LogDelete appends a DataDelete record chained to tid's previous record.
func (m *Manager) LogDelete(tid TxID, payload []byte) (LSN, error) {
	return m.appendForTx(tid, DataDelete, payload)
}

// Commit appends a TxCommit record (durable before return, per spec §4.C's
// OnCommit policy) and retires the transaction.
func (m *Manager) Commit(tid TxID) (LSN, error) {
	e, err := m.entry(tid)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	e.state = TxPreparing
	m.mu.Unlock()

	lsn, err := m.w.AppendSync(Record{Type: TxCommit, TxID: tid, HasTxID: true, PrevLSN: e.lastLSN})
	if err != nil {
		m.mu.Lock()
		e.state = TxActive
		m.mu.Unlock()
		return 0, err
	}

	m.mu.Lock()
	e.state = TxCommitted
	e.lastLSN = lsn
	delete(m.active, tid)
	m.mu.Unlock()
	return lsn, nil
}

// Abort appends a TxAbort record and retires the transaction. The caller's
// MVCC layer is responsible for actually undoing the transaction's writes;
// during normal (non-crash) operation that happens synchronously against
// in-memory version chains, so no CLRs are produced here — those are only
// generated by the recovery manager's undo phase (spec §4.H).
func (m *Manager) Abort(tid TxID) (LSN, error) {
	e, err := m.entry(tid)
	if err != nil {
		return 0, err
	}
	lsn, err := m.w.AppendSync(Record{Type: TxAbort, TxID: tid, HasTxID: true, PrevLSN: e.lastLSN})
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	e.state = TxAborted
	e.lastLSN = lsn
	delete(m.active, tid)
	m.mu.Unlock()
	return lsn, nil
}

// ActiveTransactions returns the (TxID, lastLSN) pairs currently open, for
// the checkpoint manager's fuzzy snapshot (spec §4.G).
func (m *Manager) ActiveTransactions() map[TxID]LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TxID]LSN, len(m.active))
	for id, e := range m.active {
		out[id] = e.lastLSN
	}
	return out
}

// OldestActiveBeginLSN returns the smallest begin-LSN among active
// transactions, or 0 if none are active. The writer's segment compression
// does not consult it.
func (m *Manager) OldestActiveBeginLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest LSN
	for _, e := range m.active {
		if oldest == 0 || e.beginLSN < oldest {
			oldest = e.beginLSN
		}
	}
	return oldest
}

// scanIdleTransactions aborts Active transactions whose last activity is
// older than IdleTimeout, run periodically via robfig/cron.
func (m *Manager) scanIdleTransactions() {
	m.mu.Lock()
	var idle []TxID
	now := time.Now()
	for id, e := range m.active {
		if e.state == TxActive && now.Sub(e.touchedAt) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		if _, err := m.Abort(id); err != nil {
			m.log.Printf("wal: idle-timeout abort of tx %d failed: %v", id, err)
		}
	}
}

// Stop halts the idle-transaction scanner, if running.
func (m *Manager) Stop() {
	if m.cronSched != nil {
		m.cronSched.Stop()
	}
}
