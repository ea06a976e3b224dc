package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Store 负责管理分区缓存的读写。每个分区是独立的键空间：
//
//	<partition> → { "GET <url>" → Snapshot }
//
// 所有实现都必须保证单键 Put/Match 原子，且只接受 GET 快照。
type Store interface {
	// Match 返回分区中与请求匹配的快照，未命中（含 Vary 不一致）时返回 ErrNotFound。
	Match(ctx context.Context, partition string, req *http.Request) (*Snapshot, error)

	// Put 写入单个快照并覆盖同键旧值，分区不存在时自动创建。
	Put(ctx context.Context, partition string, snap *Snapshot) error

	// PutBatch 批量写入快照，即使 snaps 为空也会创建分区。支持事务的后端保证整批原子。
	PutBatch(ctx context.Context, partition string, snaps []*Snapshot) error

	// Keys 返回分区内所有条目的键，分区不存在时返回空列表。
	Keys(ctx context.Context, partition string) ([]string, error)

	// Partitions 列出当前所有分区名，按字典序排列。
	Partitions(ctx context.Context) ([]string, error)

	// DeletePartition 删除整个分区，返回分区此前是否存在。
	DeletePartition(ctx context.Context, partition string) (bool, error)

	// Close 释放后端资源。
	Close() error
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示快照不满足入库条件（例如非 GET 请求）。
	ErrNotCacheable = errors.New("response not cacheable")
	// ErrInvalidPartition 表示分区名不合法。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// Key 计算请求在分区内的唯一键：方法 + 去掉 fragment 的完整 URL。
func Key(method string, u *url.URL) string {
	if u == nil {
		return strings.ToUpper(method) + " "
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return strings.ToUpper(method) + " " + clone.String()
}

// RequestKey 是 Key 针对 *http.Request 的便捷封装。
func RequestKey(req *http.Request) string {
	return Key(req.Method, req.URL)
}

func validatePartition(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\:") {
		return ErrInvalidPartition
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
