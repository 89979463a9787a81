package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/shellcache/internal/metrics"
)

// NewRedisStorage 使用 Redis 作为缓存后端。键布局：
//
//	<prefix>stores          # SET，所有缓存名称
//	<prefix>store:<name>    # HASH，field 为 Key.String()，value 为 JSON 编码的 Entry
func NewRedisStorage(client *redis.Client, prefix string) (Storage, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

type redisStorage struct {
	client *redis.Client
	prefix string
}

func (s *redisStorage) namesKey() string {
	return s.prefix + "stores"
}

func (s *redisStorage) storeKey(name string) string {
	return s.prefix + "store:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisStore{storage: s, name: name}, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "names").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Delete 在同一事务中删除缓存 hash 与名称集合成员。
func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.storeKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "delete").Inc()
		return false, fmt.Errorf("redis delete store: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

type redisStore struct {
	storage *redisStorage
	name    string
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Match(ctx context.Context, key Key) (*Entry, error) {
	data, err := s.storage.client.HGet(ctx, s.storage.storeKey(s.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		metrics.StorageErrors.WithLabelValues("redis", "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

func (s *redisStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

// PutAll 用 MULTI/EXEC 一次写入全部条目，同时确保名称集合包含当前缓存。
func (s *redisStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(entries)*2)
	for _, entry := range entries {
		entry.stamp()
		data, err := json.Marshal(entry)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("redis", "put").Inc()
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		values = append(values, entry.Key.String(), data)
	}

	_, err := s.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.storage.namesKey(), s.name)
		pipe.HSet(ctx, s.storage.storeKey(s.name), values...)
		return nil
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context) ([]Key, error) {
	fields, err := s.storage.client.HKeys(ctx, s.storage.storeKey(s.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		key, err := ParseKey(field)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}
