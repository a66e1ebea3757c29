// Command storedb is a smoke-test driver for the storage engine: it opens
// (or creates) a data directory, runs a couple of transactions, triggers a
// manual checkpoint, and prints what it saw. It exists to exercise
// internal/engine end to end, not as a client library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/relstore/coredb/internal/config"
	"github.com/relstore/coredb/internal/engine"
	"github.com/relstore/coredb/internal/mvcc"
)

func main() {
	dataDir := flag.String("data", "./storedb-data", "data directory")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	cfg := config.Default(*dataDir)
	ctx := context.Background()

	e, err := engine.Open(ctx, cfg, nil, log.Default())
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer func() {
		if err := e.Close(ctx); err != nil {
			log.Printf("close engine: %v", err)
		}
	}()

	key := mvcc.RowKey{TableID: 1, RowID: 1}

	tx, err := e.Begin(mvcc.ReadCommitted)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	if err := e.Write(ctx, tx, key, []byte("hello, storedb")); err != nil {
		log.Fatalf("write: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		log.Fatalf("commit: %v", err)
	}

	readTx, err := e.Begin(mvcc.ReadCommitted)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	if data, ok := e.Read(readTx, key); ok {
		fmt.Printf("row %v = %q\n", key, data)
	} else {
		fmt.Printf("row %v not visible\n", key)
	}
	e.Commit(readTx)

	rec, err := e.RunCheckpoint(ctx)
	if err != nil {
		log.Fatalf("checkpoint: %v", err)
	}
	fmt.Printf("checkpoint %s completed at %s, last_lsn=%d\n", rec.ID, rec.CompletedAt.Format("15:04:05"), rec.LastLSN)

	reclaimed := e.Vacuum()
	fmt.Printf("vacuum reclaimed %d versions\n", reclaimed)
}
