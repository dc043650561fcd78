package storage

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"veilnet/core/types"
)

var bucketBlocks = []byte("blocks")

// BoltBlockStore persists blocks in a single bbolt bucket keyed by Key.ID().
// Pins are held in memory and do not survive a restart.
type BoltBlockStore struct {
	db   *bolt.DB
	pins *pins
}

// OpenBoltBlockStore opens (or creates) the store at path.
func OpenBoltBlockStore(path string, options *bolt.Options) (*BoltBlockStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBlockStore{db: db, pins: newPins()}, nil
}

// Close releases the database handle.
func (s *BoltBlockStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltBlockStore) Contains(key types.Key) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlocks).Get([]byte(key.ID())) != nil
		return nil
	})
	return found
}

func (s *BoltBlockStore) Get(key types.Key) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketBlocks).Get([]byte(key.ID()))
		if value == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, ErrStoreClosed
		}
		return nil, err
	}
	return out, nil
}

func (s *BoltBlockStore) Put(key types.Key, data []byte) error {
	if err := checkBlock(key, data); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put([]byte(key.ID()), data)
	})
}

// Delete removes an unpinned block.
func (s *BoltBlockStore) Delete(key types.Key) (bool, error) {
	if s.pins.locked(key) {
		return false, nil
	}
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if b.Get([]byte(key.ID())) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(key.ID()))
	})
	return removed, err
}

func (s *BoltBlockStore) Lock(key types.Key)   { s.pins.lock(key) }
func (s *BoltBlockStore) Unlock(key types.Key) { s.pins.unlock(key) }

// Len counts stored blocks.
func (s *BoltBlockStore) Len() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketBlocks).Stats().KeyN
		return nil
	})
	return n
}
