// Package bolt implements the shared store on a single bbolt file.
// This is the default backend: one file visible to every timegate
// process, opened briefly per burst of work.
package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goodtune/timegate/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketShared = "shared"

// KV implements storage.KV on a bbolt database.
type KV struct {
	db *bbolt.DB
}

// Open opens (or creates) the shared store file. A file that cannot be
// opened within the timeout maps to storage.ErrUnavailable, since the
// most common cause is a missing or misprovisioned shared directory.
func Open(path string) (*KV, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %v", storage.ErrUnavailable, err)
	}

	kv := &KV{db: db}
	if err := kv.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	return kv, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (kv *KV) ensureBucket() error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketShared)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketShared, err)
		}
		return nil
	})
}

// Close closes the underlying database.
func (kv *KV) Close() error {
	return kv.db.Close()
}

// Get returns the value for key.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := kv.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put writes value under key.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketShared)
		}
		return b.Put([]byte(key), value)
	})
}

// PutIfAbsent writes value only when key has no value yet.
func (kv *KV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	written := false
	err := kv.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketShared)
		}
		if b.Get([]byte(key)) != nil {
			return nil
		}
		written = true
		return b.Put([]byte(key), value)
	})
	return written, err
}

// Delete removes key. Deleting an absent key succeeds.
func (kv *KV) Delete(ctx context.Context, key string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// List returns all pairs whose key starts with prefix.
func (kv *KV) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	items := make(map[string][]byte)
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		seek := []byte(prefix)
		for k, v := c.Seek(seek); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			items[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Update performs a read-modify-write of key inside one bolt
// transaction. Other processes opening the same file still interleave
// between transactions, so callers keep last-write-wins semantics.
func (kv *KV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketShared))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketShared)
		}
		var current []byte
		if v := b.Get([]byte(key)); v != nil {
			current = append([]byte(nil), v...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), next)
	})
}
