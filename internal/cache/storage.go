package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options 描述要构建的存储后端，由 main 根据配置填充。
type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// NewStorage 根据 Backend 构造 Storage。redis 后端会在启动阶段 Ping 一次以尽早暴露连接问题。
func NewStorage(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Backend {
	case "", "fs":
		return NewFileStorage(opts.Path)
	case "sqlite":
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "shellcache.db")
		}
		return NewSQLiteStorage(path)
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
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisStorage(client, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
