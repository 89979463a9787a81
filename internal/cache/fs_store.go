package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/shellcache/internal/metrics"
)

const entrySuffix = ".json"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个具名缓存对应一个子目录：
//
//	<basePath>/<escaped cache name>/<sha1(key)>.json
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有具名缓存共享锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.StorageErrors.WithLabelValues("fs", "open").Inc()
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("fs", "names").Inc()
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.storeDir(name)
	if err := os.RemoveAll(dir); err != nil {
		metrics.StorageErrors.WithLabelValues("fs", "delete").Inc()
		return false, fmt.Errorf("remove cache dir: %w", err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache name")
	}
	return dir, nil
}

// lockEntries 按排序后的顺序获取多把条目锁，避免 PutAll 与 Put 交叉时死锁。
func (s *fileStorage) lockEntries(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		unlocks = append(unlocks, s.lockEntry(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
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

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		metrics.StorageErrors.WithLabelValues("fs", "match").Inc()
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		metrics.StorageErrors.WithLabelValues("fs", "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

func (s *fileStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

// PutAll 先把所有条目写入临时文件，全部成功后再逐个 rename。被覆盖的旧条目先挪到
// 备份文件，任何一步失败都会清理临时文件并把已 rename 的条目恢复为旧内容。
func (s *fileStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	lockKeys := make([]string, len(entries))
	for i, entry := range entries {
		lockKeys[i] = s.name + "::" + entry.Key.String()
	}
	unlock := s.storage.lockEntries(lockKeys)
	defer unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	type staged struct {
		temp   string
		target string
		backup string
	}
	stagedFiles := make([]staged, 0, len(entries))
	cleanup := func() {
		for _, item := range stagedFiles {
			os.Remove(item.temp)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		entry.stamp()
		temp, err := s.writeTemp(entry)
		if err != nil {
			cleanup()
			metrics.StorageErrors.WithLabelValues("fs", "put").Inc()
			return err
		}
		stagedFiles = append(stagedFiles, staged{temp: temp, target: s.entryPath(entry.Key)})
	}

	// rollback 逆序撤销 [0, n) 已提交的条目，有备份的恢复备份，没有的直接删除。
	rollback := func(n int) {
		for i := n - 1; i >= 0; i-- {
			item := stagedFiles[i]
			if item.backup != "" {
				os.Rename(item.backup, item.target)
				continue
			}
			os.Remove(item.target)
		}
	}
	fail := func(committed int, err error) error {
		rollback(committed)
		for _, pending := range stagedFiles[committed:] {
			os.Remove(pending.temp)
		}
		metrics.StorageErrors.WithLabelValues("fs", "put").Inc()
		return err
	}

	for i := range stagedFiles {
		item := &stagedFiles[i]
		if info, err := os.Lstat(item.target); err == nil && info.Mode().IsRegular() {
			backup := item.temp + ".prev"
			if err := os.Rename(item.target, backup); err != nil {
				return fail(i, err)
			}
			item.backup = backup
		}
		if err := os.Rename(item.temp, item.target); err != nil {
			if item.backup != "" {
				os.Rename(item.backup, item.target)
			}
			os.Remove(item.temp)
			return fail(i, err)
		}
	}
	for _, item := range stagedFiles {
		if item.backup != "" {
			os.Remove(item.backup)
		}
	}
	return nil
}

func (s *fileStore) writeTemp(entry Entry) (string, error) {
	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	err = json.NewEncoder(tempFile).Encode(entry)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, item.Name()))
		if err != nil {
			continue
		}
		var entry struct {
			Key Key `json:"key"`
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
