// Package engine is the top-level façade wiring the page store, buffer
// pool, WAL, MVCC store, lock manager, checkpoint manager, and recovery
// manager into one storage engine (spec §4, §9). It replaces the teacher's
// storage/db.go as the single entry point client code holds, but none of
// its SQL-layer responsibilities: this façade exposes only the core's
// transaction/read/write/commit/abort surface spec.md names.
package engine

import (
	"context"
	"encoding/binary"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/relstore/coredb/internal/buffer"
	"github.com/relstore/coredb/internal/checkpoint"
	"github.com/relstore/coredb/internal/config"
	"github.com/relstore/coredb/internal/coreerr"
	"github.com/relstore/coredb/internal/lockmgr"
	"github.com/relstore/coredb/internal/mvcc"
	"github.com/relstore/coredb/internal/page"
	"github.com/relstore/coredb/internal/recovery"
	"github.com/relstore/coredb/internal/wal"
)

const shutdownMarkerName = ".clean-shutdown"

// Engine is the assembled storage core (spec §4's modules, wired together).
type Engine struct {
	cfg  config.Config
	log  *log.Logger
	sink EventSink

	Store      *page.Store
	Pool       *buffer.Pool
	WAL        *wal.Writer
	Tx         *wal.Manager
	MVCC       *mvcc.Store
	Locks      *lockmgr.Manager
	Checkpoint *checkpoint.Manager
	Recovery   *recovery.Manager

	dataFile page.FileID
}

// Open assembles an Engine from cfg, running crash recovery first if the
// log directory is non-empty or no clean-shutdown marker is present (spec
// §4.H: "Runs on startup when the log directory is non-empty OR the last
// shutdown marker is absent").
func Open(ctx context.Context, cfg config.Config, sink EventSink, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}
	if sink == nil {
		sink = NopSink{}
	}

	store, err := page.NewStore(page.Config{Directory: cfg.DataDirectory})
	if err != nil {
		return nil, err
	}

	dataFile, err := openOrCreateDataFile(store)
	if err != nil {
		return nil, err
	}

	pool := buffer.NewPool(store, buffer.Config{
		MaxWriteBufferSize: cfg.IOBuffer.MaxWriteBufferSize,
		MaxBufferTime:      cfg.IOBuffer.MaxBufferTime,
		MaxConcurrentOps:   cfg.IOBuffer.MaxConcurrentOps,
		PageCacheSize:      cfg.IOBuffer.PageCacheSize,
		EnablePrefetch:     cfg.IOBuffer.EnablePrefetch,
		PrefetchWindow:     cfg.IOBuffer.PrefetchWindowSize,
		Logger:             logger,
	})

	logDir := cfg.WALWriter.LogDirectory
	if logDir == "" {
		logDir = filepath.Join(cfg.DataDirectory, "wal")
	}
	markerPath := filepath.Join(cfg.DataDirectory, shutdownMarkerName)
	_, markerErr := os.Stat(markerPath)
	cleanShutdown := markerErr == nil
	needsRecovery := logDirNonEmpty(logDir) || !cleanShutdown
	os.Remove(markerPath)

	wcfg := wal.WriterConfig{
		LogDirectory:         logDir,
		MaxLogFileSize:       cfg.WALWriter.MaxLogFileSize,
		MaxLogFiles:          cfg.WALWriter.MaxLogFiles,
		EnableCompression:    cfg.WALWriter.EnableCompression,
		SyncLevel:            parseSyncLevel(cfg.WALWriter.SyncLevel),
		PeriodicSyncInterval: cfg.WALWriter.PeriodicSyncInterval,
		EnableIntegrityCheck: cfg.WALWriter.EnableIntegrityCheck,
		Logger:               logger,
	}
	writer, err := wal.OpenWriter(wcfg)
	if err != nil {
		return nil, err
	}

	recMgr := recovery.New(recovery.Config{
		MaxRecoveryTime:  cfg.Recovery.MaxRecoveryTime,
		EnableValidation: cfg.Recovery.EnableValidation,
		CreateBackup:     cfg.Recovery.CreateBackup,
		Logger:           logger,
	}, writer, pool)

	if needsRecovery {
		if _, err := recMgr.Run(ctx, 0); err != nil {
			return nil, err
		}
	}

	txMgr := wal.NewManager(writer, wal.ManagerConfig{
		MaxActiveTransactions: cfg.WALManager.MaxActiveTransactions,
		IdleTimeout:           cfg.WALManager.IdleTimeout,
		Logger:                logger,
	})

	mvccStore := mvcc.New(logger)

	locks := lockmgr.New(lockmgr.Config{DeadlockCheckInterval: cfg.LockManager.DeadlockCheckInterval})

	ckpt := checkpoint.New(checkpoint.Config{
		Interval:              cfg.Checkpoint.CheckpointInterval,
		MaxActiveTransactions: cfg.Checkpoint.MaxActiveTransactions,
		MaxDirtyPages:         cfg.Checkpoint.MaxDirtyPages,
		MaxLogSize:            cfg.Checkpoint.MaxLogSize,
		EnableAutoCheckpoint:  cfg.Checkpoint.EnableAutoCheckpoint,
		MaxCheckpointTime:     cfg.Checkpoint.MaxCheckpointTime,
		Logger:                logger,
	}, writer, txMgr, pool, nil)

	e := &Engine{
		cfg: cfg, log: logger, sink: sink,
		Store: store, Pool: pool, WAL: writer, Tx: txMgr, MVCC: mvccStore,
		Locks: locks, Checkpoint: ckpt, Recovery: recMgr, dataFile: dataFile,
	}
	return e, nil
}

func openOrCreateDataFile(store *page.Store) (page.FileID, error) {
	id, err := store.OpenFile("data.db")
	if err == nil {
		return id, nil
	}
	if !coreerr.Is(err, coreerr.NotFound) {
		return 0, err
	}
	return store.CreateFile("data.db", page.TypeData, page.DefaultExtensionConfig())
}

func logDirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

func parseSyncLevel(s string) wal.SyncLevel {
	switch s {
	case "never":
		return wal.SyncNever
	case "periodic":
		return wal.SyncPeriodic
	case "always":
		return wal.SyncAlways
	default:
		return wal.SyncOnCommit
	}
}

// TxHandle is a handle to one open transaction spanning the WAL, MVCC, and lock
// collaborators (spec §4.D/§4.E/§4.F acting together).
type TxHandle struct {
	id        wal.TxID
	mvccTx    *mvcc.Tx
	isolation mvcc.IsolationLevel
}

// ID returns the transaction's identifier.
func (t *TxHandle) ID() wal.TxID { return t.id }

// Begin starts a transaction at the given isolation level (spec §4.D begin,
// §4.E visibility rule selection).
func (e *Engine) Begin(isolation mvcc.IsolationLevel) (*TxHandle, error) {
	if !e.Checkpoint.AcceptingNewTransactions() {
		return nil, coreerr.New(coreerr.Overloaded, "engine", "engine is shutting down")
	}
	id, err := e.Tx.Begin()
	if err != nil {
		return nil, err
	}
	mvccTx := e.MVCC.Begin(mvcc.TxID(id), isolation)
	return &TxHandle{id: id, mvccTx: mvccTx, isolation: isolation}, nil
}

// keyResource maps an MVCC row key to the lock resource that guards it
// (spec §4.F Database>Table>Page>Record hierarchy; a row key's page is
// unknown to the lock manager, so rows are Record-level resources keyed by
// row id under PageID 0, and every row of a table shares that nominal page
// as its Page-level ancestor).
func keyResource(key mvcc.RowKey) lockmgr.Resource {
	return lockmgr.Resource{Level: lockmgr.LevelRecord, TableID: key.TableID, RecID: key.RowID}
}

// Read performs a non-blocking MVCC read (spec §4.E: "Reads ... never
// acquire shared row locks").
func (e *Engine) Read(tx *TxHandle, key mvcc.RowKey) ([]byte, bool) {
	return e.MVCC.Read(tx.mvccTx, key)
}

// Write acquires an exclusive row lock, logs a DataUpdate record, and
// installs a new MVCC version (spec §4.E write, acquiring via §4.F first).
func (e *Engine) Write(ctx context.Context, tx *TxHandle, key mvcc.RowKey, data []byte) error {
	if err := e.Locks.Acquire(ctx, lockmgr.TxID(tx.id), keyResource(key), lockmgr.ModeX, e.lockTimeout()); err != nil {
		return err
	}
	if _, err := e.Tx.LogUpdate(tx.id, encodeRowPayload(key, data)); err != nil {
		return err
	}
	e.MVCC.Write(tx.mvccTx, key, data)
	return nil
}

// Delete acquires an exclusive row lock, logs a DataDelete record, and
// writes an MVCC tombstone (spec §4.E delete).
func (e *Engine) Delete(ctx context.Context, tx *TxHandle, key mvcc.RowKey) error {
	if err := e.Locks.Acquire(ctx, lockmgr.TxID(tx.id), keyResource(key), lockmgr.ModeX, e.lockTimeout()); err != nil {
		return err
	}
	if _, err := e.Tx.LogDelete(tx.id, encodeRowPayload(key, nil)); err != nil {
		return err
	}
	e.MVCC.Delete(tx.mvccTx, key)
	return nil
}

// Commit durably commits tx (spec §4.D commit: force-at-commit, release
// locks, notify waiters) and stamps its MVCC versions committed.
func (e *Engine) Commit(tx *TxHandle) error {
	if _, err := e.Tx.Commit(tx.id); err != nil {
		return err
	}
	if _, err := e.MVCC.Commit(tx.mvccTx); err != nil {
		// The WAL commit record is already durable; per spec §4.E a
		// Serializable conflict is only checked by the MVCC store itself,
		// so this should not happen after a successful wal.Commit for any
		// isolation level the engine exposes through Write. Surface it
		// regardless rather than hiding a real bug.
		e.Locks.ReleaseAll(lockmgr.TxID(tx.id))
		return err
	}
	e.Locks.ReleaseAll(lockmgr.TxID(tx.id))
	return nil
}

// Abort aborts tx, discarding its MVCC versions and releasing its locks
// (spec §4.D abort, §4.E abort).
func (e *Engine) Abort(tx *TxHandle) error {
	e.MVCC.Abort(tx.mvccTx)
	e.Locks.ReleaseAll(lockmgr.TxID(tx.id))
	_, err := e.Tx.Abort(tx.id)
	return err
}

func (e *Engine) lockTimeout() time.Duration {
	ms := e.cfg.WALManager.LockTimeoutMS
	if ms <= 0 {
		return 5 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// encodeRowPayload builds a DML record payload: a (fileID=tableID, pageID=rowID)
// target pair (the MVCC layer, not the page layer, owns row placement, so
// the page target here is nominal and exists only so the recovery manager's
// generic decodePageTarget convention applies uniformly) followed by the
// row's bytes.
func encodeRowPayload(key mvcc.RowKey, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(key.TableID))
	binary.LittleEndian.PutUint64(buf[4:12], key.RowID)
	copy(buf[12:], data)
	return buf
}

// RunCheckpoint triggers an on-demand checkpoint (spec §4.G "manual"
// trigger).
func (e *Engine) RunCheckpoint(ctx context.Context) (checkpoint.Record, error) {
	e.sink.Emit(Event{Type: EventCheckpointStart, At: time.Now(), Component: "checkpoint"})
	rec, err := e.Checkpoint.Run(ctx)
	e.sink.Emit(Event{Type: EventCheckpointEnd, At: time.Now(), Component: "checkpoint", Success: err == nil})
	return rec, err
}

// Vacuum runs an on-demand MVCC vacuum pass (spec §4.E).
func (e *Engine) Vacuum() int {
	n := e.MVCC.Vacuum()
	e.sink.Emit(Event{Type: EventVacuumPass, At: time.Now(), Component: "mvcc", Size: n})
	return n
}

// Close performs the shutdown checkpoint (spec §4.G shutdown trigger),
// stops background tasks, and writes the clean-shutdown marker so the next
// Open skips recovery when the WAL is otherwise empty.
func (e *Engine) Close(ctx context.Context) error {
	if _, err := e.Checkpoint.Shutdown(ctx); err != nil {
		return err
	}
	e.Tx.Stop()
	e.Locks.Close()
	if err := e.Pool.Close(ctx); err != nil {
		return err
	}
	if err := e.WAL.Close(); err != nil {
		return err
	}
	if err := e.Store.Close(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(e.cfg.DataDirectory, shutdownMarkerName), []byte("ok"), 0o644)
}
