package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理所有具名缓存，对应浏览器中的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Names 返回现存的全部缓存名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存及其所有条目，返回该缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放后端连接。
	Close() error
}

// Store 是单个具名缓存，对同一 Key 的重复写入会覆盖旧条目。
type Store interface {
	// Name 返回缓存名称。
	Name() string

	// Match 返回 Key 对应的条目。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入单个条目。
	Put(ctx context.Context, entry Entry) error

	// PutAll 原子地写入一组条目：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回缓存中所有条目的 Key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目（请求方法 + 绝对 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法与 URL：方法大写，URL 去掉 fragment。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		parsed.Fragment = ""
		parsed.RawFragment = ""
		rawURL = parsed.String()
	}
	return Key{Method: method, URL: rawURL}
}

// String 输出 "GET https://..." 形式，也是 Redis hash field 的编码。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, ErrInvalidEntry
	}
	return Key{Method: method, URL: rawURL}, nil
}

// Entry 是一次被缓存的响应。
type Entry struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Type     string      `json:"type"`
	StoredAt time.Time   `json:"stored_at"`
}

func (e *Entry) stamp() {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidEntry 表示缓存条目无法解析。
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrStoreUnavailable 表示未注入缓存存储实例或存储已关闭。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache name required")
	}
	return nil
}
