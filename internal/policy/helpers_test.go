package policy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
)

const (
	testOrigin    = "https://avisos.example"
	testCacheName = "avisos-pwa-cache-v1"
)

type fakeRoute struct {
	status int
	body   string
	typ    fetch.ResponseType
}

// fakeFetcher 按绝对 URL 返回预设响应，并统计每个 URL 的请求次数。
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	calls   map[string]int
	offline bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		routes: map[string]fakeRoute{
			testOrigin + "/":              {status: http.StatusOK, body: "<html>shell</html>"},
			testOrigin + "/index.html":    {status: http.StatusOK, body: "<html>index</html>"},
			testOrigin + "/manifest.json": {status: http.StatusOK, body: `{"name":"avisos"}`},
		},
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls[req.String()]++
	route, ok := f.routes[req.String()]
	offline := f.offline
	f.mu.Unlock()

	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return fetch.NewResponse(http.StatusNotFound, nil, []byte("not found"), fetch.TypeBasic, req.String()), nil
	}
	typ := route.typ
	if typ == "" {
		typ = fetch.TypeBasic
	}
	header := http.Header{"Content-Type": []string{"text/plain"}}
	return fetch.NewResponse(route.status, header, []byte(route.body), typ, req.String()), nil
}

func (f *fakeFetcher) set(rawURL string, route fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[rawURL] = route
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func testOptions(policyKey string) Options {
	origin, _ := url.Parse(testOrigin)
	return Options{
		CacheName:     testCacheName,
		Origin:        origin,
		Policy:        policyKey,
		Precache:      []string{"./", "index.html", "manifest.json"},
		ReconcileMode: config.ReconcileAllowlist,
		SweepFailure:  config.SweepSkip,
	}
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestAgent(t *testing.T, policyKey string, mutate func(*Options)) (*Agent, cache.Storage, *fakeFetcher) {
	t.Helper()
	opts := testOptions(policyKey)
	if mutate != nil {
		mutate(&opts)
	}
	storage := newTestStorage(t)
	fetcher := newFakeFetcher()
	agent, err := NewAgent(storage, fetcher, nil, opts)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent, storage, fetcher
}

func readBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	if resp == nil {
		t.Fatalf("expected response")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Body.Close()
	return string(data)
}

func putEntry(t *testing.T, storage cache.Storage, name, rawURL, body string) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	entry := cache.Entry{
		Key:    cache.NewKey(http.MethodGet, rawURL),
		Status: http.StatusOK,
		Body:   []byte(body),
		Type:   string(fetch.TypeBasic),
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("put %s: %v", rawURL, err)
	}
}

func matchEntry(t *testing.T, storage cache.Storage, rawURL string) (*cache.Entry, error) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, testCacheName)
	if err != nil {
		t.Fatalf("open current cache: %v", err)
	}
	return store.Match(ctx, cache.NewKey(http.MethodGet, rawURL))
}

func entryCount(t *testing.T, storage cache.Storage) int {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, testCacheName)
	if err != nil {
		t.Fatalf("open current cache: %v", err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	return len(keys)
}
