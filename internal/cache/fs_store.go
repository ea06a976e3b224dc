package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStore 以 basePath 为根目录构建磁盘分区存储，整站复用一份实例。
// 目录布局：<basePath>/<partition>/<sha1[:2]>/<sha1>.entry
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Match(ctx context.Context, partition string, req *http.Request) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}

	filePath, err := s.entryPath(partition, RequestKey(req))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return matchSnapshot(data, req)
}

func (s *fileStore) Put(ctx context.Context, partition string, snap *Snapshot) error {
	if err := checkCacheable(snap); err != nil {
		return err
	}
	if err := validatePartition(partition); err != nil {
		return err
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.writeEntry(ctx, partition, snap.Key, data)
}

// PutBatch 先完成整批编码再逐条落盘；文件系统无法提供跨文件事务，调用方需先保证整批数据已就绪。
func (s *fileStore) PutBatch(ctx context.Context, partition string, snaps []*Snapshot) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	encoded := make([][]byte, len(snaps))
	for i, snap := range snaps {
		if err := checkCacheable(snap); err != nil {
			return err
		}
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	if err := os.MkdirAll(filepath.Join(s.basePath, partition), 0o755); err != nil {
		return err
	}
	for i, snap := range snaps {
		if err := s.writeEntry(ctx, partition, snap.Key, encoded[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) writeEntry(ctx context.Context, partition, key string, data []byte) error {
	unlock := s.lockEntry(partition + "::" + key)
	defer unlock()

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := validatePartition(partition); err != nil {
		return nil, err
	}
	root := filepath.Join(s.basePath, partition)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if err := checkContext(ctx); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		keys = append(keys, snap.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validatePartition(partition); err != nil {
		return false, err
	}
	dir := filepath.Join(s.basePath, partition)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(partition, key string) (string, error) {
	if err := validatePartition(partition); err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.basePath, partition, name[:2], name+entrySuffix), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
