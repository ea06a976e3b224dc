package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// boltFileName 是 StoragePath 下 bbolt 数据文件的名称。
const boltFileName = "offline-hub.db"

// boltStore 以 bbolt bucket 表示分区，单次 Update 事务保证批量写入原子。
type boltStore struct {
	db *bbolt.DB
}

// NewBoltStore 在 dir 下打开（或创建）bbolt 数据文件。
func NewBoltStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, boltFileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open failed: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Match(ctx context.Context, partition string, req *http.Request) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}
		value := bucket.Get([]byte(RequestKey(req)))
		if value == nil {
			return nil
		}
		// bbolt 返回的切片只在事务内有效。
		data = append([]byte(nil), value...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return matchSnapshot(data, req)
}

func (s *boltStore) Put(ctx context.Context, partition string, snap *Snapshot) error {
	return s.PutBatch(ctx, partition, []*Snapshot{snap})
}

func (s *boltStore) PutBatch(ctx context.Context, partition string, snaps []*Snapshot) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	encoded := make([][2][]byte, 0, len(snaps))
	for _, snap := range snaps {
		if err := checkCacheable(snap); err != nil {
			return err
		}
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		encoded = append(encoded, [2][]byte{[]byte(snap.Key), data})
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("(*bbolt.Tx).CreateBucketIfNotExists failed: %w", err)
		}
		for _, kv := range encoded {
			if err := bucket.Put(kv[0], kv[1]); err != nil {
				return fmt.Errorf("(*bbolt.Bucket).Put failed: %w", err)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return nil
}

func (s *boltStore) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var keys []string
	if err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *boltStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var names []string
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *boltStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	existed := true
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(partition))
		if errors.Is(err, berrors.ErrBucketNotFound) {
			existed = false
			return nil
		}
		return err
	}); err != nil {
		return false, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return existed, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
