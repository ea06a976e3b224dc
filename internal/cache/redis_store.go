package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "offline-hub"

// redisStore 用一个 Hash 表示一个分区，并用 Set 记录所有分区名；
// MULTI/EXEC 保证单键写入与批量写入的原子性。
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 基于已有客户端构建分区存储，prefix 为空时使用 offline-hub。
func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) indexKey() string {
	return s.prefix + ":partitions"
}

func (s *redisStore) partitionKey(partition string) string {
	return s.prefix + ":partition:" + partition
}

func (s *redisStore) Match(ctx context.Context, partition string, req *http.Request) (*Snapshot, error) {
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	value, err := s.client.HGet(ctx, s.partitionKey(partition), RequestKey(req)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("(*redis.Client).HGet failed: %w", err)
	}
	return matchSnapshot(value, req)
}

func (s *redisStore) Put(ctx context.Context, partition string, snap *Snapshot) error {
	return s.PutBatch(ctx, partition, []*Snapshot{snap})
}

func (s *redisStore) PutBatch(ctx context.Context, partition string, snaps []*Snapshot) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	values := make([]interface{}, 0, len(snaps)*2)
	for _, snap := range snaps {
		if err := checkCacheable(snap); err != nil {
			return err
		}
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		values = append(values, snap.Key, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.indexKey(), partition)
		if len(values) > 0 {
			pipe.HSet(ctx, s.partitionKey(partition), values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("(*redis.Client).TxPipelined failed: %w", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.partitionKey(partition)).Result()
	if err != nil {
		return nil, fmt.Errorf("(*redis.Client).HKeys failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("(*redis.Client).SMembers failed: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.partitionKey(partition))
		removed = pipe.SRem(ctx, s.indexKey(), partition)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("(*redis.Client).TxPipelined failed: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
