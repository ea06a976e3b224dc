package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options 描述分区存储后端的选择与连接参数。
type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open 根据 Options.Backend 构造对应的 Store；redis 后端会先 PING 确认连通。
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "fs":
		return NewFileStore(opts.Path)
	case "", "bolt":
		return NewBoltStore(opts.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s failed: %w", opts.RedisAddr, err)
		}
		return NewRedisStore(client, opts.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
