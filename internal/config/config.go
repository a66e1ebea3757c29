// Package config collects the YAML-loadable configuration surface for every
// storage-engine component (spec §6). Each sub-config mirrors the
// corresponding package's own Config/DefaultConfig pair; this package exists
// so an operator can describe an entire engine instance in one file instead
// of wiring each component by hand. Grounded in the teacher's use of
// gopkg.in/yaml.v3 for structured file I/O.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relstore/coredb/internal/coreerr"
)

// IOBuffer configures the buffered I/O layer (internal/buffer).
type IOBuffer struct {
	MaxWriteBufferSize  int           `yaml:"max_write_buffer_size"`
	MaxBufferTime       time.Duration `yaml:"max_buffer_time"`
	IOThreadPoolSize    int           `yaml:"io_thread_pool_size"`
	MaxConcurrentOps    int           `yaml:"max_concurrent_operations"`
	PageCacheSize       int           `yaml:"page_cache_size"`
	EnablePrefetch      bool          `yaml:"enable_prefetch"`
	PrefetchWindowSize  int           `yaml:"prefetch_window_size"`
}

// WALWriter configures the write-ahead log writer (internal/wal).
type WALWriter struct {
	LogDirectory         string        `yaml:"log_directory"`
	MaxLogFileSize       int64         `yaml:"max_log_file_size"`
	MaxLogFiles          int           `yaml:"max_log_files"`
	EnableCompression    bool          `yaml:"enable_compression"`
	SyncLevel            string        `yaml:"sync_level"` // never|periodic|on_commit|always
	PeriodicSyncInterval time.Duration `yaml:"periodic_sync_interval"`
	WriterThreadPoolSize int           `yaml:"writer_thread_pool_size"`
	EnableIntegrityCheck bool          `yaml:"enable_integrity_check"`
}

// WALManager configures the transaction state machine (internal/wal).
type WALManager struct {
	StrictMode                bool          `yaml:"strict_mode"`
	LockTimeoutMS             int           `yaml:"lock_timeout_ms"`
	TransactionPoolSize       int           `yaml:"transaction_pool_size"`
	AutoCheckpoint            bool          `yaml:"auto_checkpoint"`
	CheckpointInterval        time.Duration `yaml:"checkpoint_interval"`
	MaxActiveTransactions     int           `yaml:"max_active_transactions"`
	EnableIntegrityValidation bool          `yaml:"enable_integrity_validation"`
	IdleTimeout               time.Duration `yaml:"idle_timeout"`
}

// Checkpoint configures the checkpoint manager (internal/checkpoint).
type Checkpoint struct {
	CheckpointInterval    time.Duration `yaml:"checkpoint_interval"`
	MaxActiveTransactions int           `yaml:"max_active_transactions"`
	MaxDirtyPages         int           `yaml:"max_dirty_pages"`
	MaxLogSize            int64         `yaml:"max_log_size"`
	EnableAutoCheckpoint  bool          `yaml:"enable_auto_checkpoint"`
	MaxCheckpointTime     time.Duration `yaml:"max_checkpoint_time"`
	FlushThreads          int           `yaml:"flush_threads"`
	FlushBatchSize        int           `yaml:"flush_batch_size"`
}

// Recovery configures the recovery manager (internal/recovery).
type Recovery struct {
	MaxRecoveryTime        time.Duration `yaml:"max_recovery_time"`
	ReadBufferSize         int           `yaml:"read_buffer_size"`
	EnableParallelRecovery bool          `yaml:"enable_parallel_recovery"`
	RecoveryThreads        int           `yaml:"recovery_threads"`
	EnableValidation       bool          `yaml:"enable_validation"`
	CreateBackup           bool          `yaml:"create_backup"`
}

// LockManager configures the lock manager (internal/lockmgr).
type LockManager struct {
	DeadlockCheckInterval time.Duration `yaml:"deadlock_check_interval"`
}

// Config is the full engine configuration surface (spec §6).
type Config struct {
	DataDirectory string      `yaml:"data_directory"`
	IOBuffer      IOBuffer    `yaml:"io_buffer"`
	WALWriter     WALWriter   `yaml:"wal_writer"`
	WALManager    WALManager  `yaml:"wal_manager"`
	Checkpoint    Checkpoint  `yaml:"checkpoint"`
	Recovery      Recovery    `yaml:"recovery"`
	LockManager   LockManager `yaml:"lock_manager"`
}

// Default returns every sub-config's documented default (spec §6).
func Default(dataDir string) Config {
	return Config{
		DataDirectory: dataDir,
		IOBuffer: IOBuffer{
			MaxWriteBufferSize: 256,
			MaxBufferTime:      2 * time.Second,
			IOThreadPoolSize:   8,
			MaxConcurrentOps:   64,
			PageCacheSize:      1024,
			EnablePrefetch:     true,
			PrefetchWindowSize: 4,
		},
		WALWriter: WALWriter{
			MaxLogFileSize:       100 * 1024 * 1024,
			SyncLevel:            "on_commit",
			PeriodicSyncInterval: time.Second,
			WriterThreadPoolSize: 4,
			EnableIntegrityCheck: true,
		},
		WALManager: WALManager{
			LockTimeoutMS:         5000,
			TransactionPoolSize:   1000,
			AutoCheckpoint:        true,
			CheckpointInterval:    time.Minute,
			MaxActiveTransactions: 1000,
		},
		Checkpoint: Checkpoint{
			CheckpointInterval:    time.Minute,
			MaxActiveTransactions: 500,
			MaxDirtyPages:         1000,
			MaxLogSize:            64 * 1024 * 1024,
			EnableAutoCheckpoint:  true,
			MaxCheckpointTime:     30 * time.Second,
			FlushThreads:          4,
			FlushBatchSize:        64,
		},
		Recovery: Recovery{
			MaxRecoveryTime: 5 * time.Minute,
			ReadBufferSize:  1 << 20,
			RecoveryThreads: 1,
		},
		LockManager: LockManager{DeadlockCheckInterval: time.Second},
	}
}

// Load reads and parses a YAML configuration file, filling any field left
// zero with Default(dataDir)'s value is the caller's responsibility — Load
// itself performs no merging, matching the teacher's plain
// unmarshal-then-use convention.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, coreerr.Wrap(coreerr.IoFailure, "config", "read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, coreerr.Wrap(coreerr.Validation, "config", "parse config file", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "config", "marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return coreerr.Wrap(coreerr.IoFailure, "config", "write config file", err)
	}
	return nil
}
