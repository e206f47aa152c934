package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"
)

var bucketSubmitted = []byte("submitted_destinations")

// DedupLedger closes the "three-destination asset fan-out" race called
// out in spec §5: two leaf descriptors that happen to target the same
// destination path (same content hash) must only ever be submitted to
// the engine once. It is a BoltDB-backed set, created fresh under
// temp_path for every install run — not a resume-across-restarts
// mechanism (explicitly excluded by the spec's Non-goals).
type DedupLedger struct {
	db *bbolt.DB
	mu sync.Mutex

	// memSeen mirrors the bucket contents for the hot path so every
	// submission check doesn't pay a bbolt transaction.
	memSeen map[string]struct{}
}

// OpenDedupLedger creates (overwriting) a ledger database under dir.
func OpenDedupLedger(dir string) (*DedupLedger, error) {
	path := filepath.Join(dir, "submitted.db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reset dedup ledger: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open dedup ledger: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubmitted)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}
	return &DedupLedger{db: db, memSeen: make(map[string]struct{})}, nil
}

// Close closes the underlying database.
func (l *DedupLedger) Close() error {
	return l.db.Close()
}

// ClaimAll reports whether this is the first time any of dests has been
// claimed in this run and, if so, records all of them atomically. A
// caller submits the leaf task only when ClaimAll returns true.
func (l *DedupLedger) ClaimAll(dests []string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range dests {
		if _, ok := l.memSeen[d]; ok {
			return false, nil
		}
	}

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubmitted)
		for _, d := range dests {
			if v := b.Get([]byte(d)); v != nil {
				return errAlreadyClaimed
			}
		}
		for _, d := range dests {
			if err := b.Put([]byte(d), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == errAlreadyClaimed {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim destinations: %w", err)
	}

	for _, d := range dests {
		l.memSeen[d] = struct{}{}
	}
	return true, nil
}

var errAlreadyClaimed = fmt.Errorf("destination already claimed")
