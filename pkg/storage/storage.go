// Package storage opens and manages the embedded B-tree-backed
// key-value environment a data-service process owns (spec section
// 4.D), generalizing the bucket-per-collection shape of the teacher's
// BoltDB store (originally nodes/services/containers/...) down to the
// six buckets the process queue, block chain, and artifact index need.
package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	BucketSettings      = []byte("settings")
	BucketQueue         = []byte("queue")
	BucketBlocks        = []byte("blocks")
	BucketHeightIndex   = []byte("height_index")
	BucketCanonizedTxns = []byte("canonized_txns")
	BucketArtifacts     = []byte("artifacts")

	allBuckets = [][]byte{
		BucketSettings,
		BucketQueue,
		BucketBlocks,
		BucketHeightIndex,
		BucketCanonizedTxns,
		BucketArtifacts,
	}
)

// Engine owns one open bbolt environment. Every data-service root
// context wraps exactly one Engine.
type Engine struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the datastore at dataDir, and
// ensures every bucket exists.
func Open(dataDir string) (*Engine, error) {
	path := filepath.Join(dataDir, "agentd.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{db: db}, nil
}

// Close releases the underlying environment handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// View runs fn in a read-only storage transaction.
func (e *Engine) View(fn func(*bolt.Tx) error) error {
	return e.db.View(fn)
}

// Update runs fn in a read-write storage transaction. fn's return
// value determines whether the transaction commits (nil) or aborts
// (non-nil) — every multi-step data-service operation composes its
// bucket mutations inside one such call so they commit atomically or
// not at all, per spec section 4.D's transaction discipline.
func (e *Engine) Update(fn func(*bolt.Tx) error) error {
	return e.db.Update(fn)
}
