package policy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/metrics"
)

const fontURL = "https://fonts.example/css?family=Roboto"

func TestSelectiveLocalHitSkipsNetwork(t *testing.T) {
	agent, _, fetcher := newTestAgent(t, config.PolicySelective, nil)
	if err := agent.Provision(context.Background()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	fetcher.reset()

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, testOrigin+"/index.html"))
	if !result.CacheHit() {
		t.Fatalf("expected cache hit, got %+v", result)
	}
	if body := readBody(t, result.Response); body != "<html>index</html>" {
		t.Fatalf("unexpected body: %q", body)
	}
	if fetcher.total() != 0 {
		t.Fatalf("expected zero network calls, got %d", fetcher.total())
	}
}

func TestSelectiveLocalMissFetchesWithoutWriteBack(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, testOrigin+"/manifest.json"))
	if result.Source != SourceNetwork {
		t.Fatalf("expected network source, got %s", result.Source)
	}
	if body := readBody(t, result.Response); body != `{"name":"avisos"}` {
		t.Fatalf("unexpected body: %q", body)
	}
	agent.Wait()

	if fetcher.count(testOrigin+"/manifest.json") != 1 {
		t.Fatalf("expected one fetch")
	}
	if _, err := matchEntry(t, storage, testOrigin+"/manifest.json"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("local miss must not be written back, got %v", err)
	}
}

func TestSelectiveIndexOutsideLocalListIsStoredOnce(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, func(opts *Options) {
		opts.Precache = []string{"./", "manifest.json"}
	})
	if err := agent.Provision(context.Background()); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	fetcher.reset()

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, testOrigin+"/index.html"))
	if body := readBody(t, result.Response); body != "<html>index</html>" {
		t.Fatalf("unexpected body: %q", body)
	}
	agent.Wait()

	if got := fetcher.total(); got != 1 {
		t.Fatalf("expected exactly one network fetch, got %d", got)
	}
	if got := entryCount(t, storage); got != 3 {
		t.Fatalf("expected one additional entry, got %d entries", got)
	}
	entry, err := matchEntry(t, storage, testOrigin+"/index.html")
	if err != nil {
		t.Fatalf("match index: %v", err)
	}
	if string(entry.Body) != "<html>index</html>" {
		t.Fatalf("stored body mismatch: %q", entry.Body)
	}
}

func TestSelectiveExternalBasicIsStoredAndBodyConsumable(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)
	apiURL := testOrigin + "/api/notices"
	fetcher.set(apiURL, fakeRoute{status: http.StatusOK, body: `[{"id":1}]`})
	before := testutil.ToFloat64(metrics.BackgroundWrites.WithLabelValues("stored"))

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, apiURL))
	if body := readBody(t, result.Response); body != `[{"id":1}]` {
		t.Fatalf("caller must receive full body, got %q", body)
	}
	agent.Wait()

	if got := entryCount(t, storage); got != 1 {
		t.Fatalf("expected exactly one entry, got %d", got)
	}
	entry, err := matchEntry(t, storage, apiURL)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(entry.Body) != `[{"id":1}]` || entry.Type != string(fetch.TypeBasic) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if got := testutil.ToFloat64(metrics.BackgroundWrites.WithLabelValues("stored")) - before; got != 1 {
		t.Fatalf("expected one stored write, got %v", got)
	}
}

func TestSelectiveExternalRepeatOverwrites(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)
	apiURL := testOrigin + "/api/notices"
	fetcher.set(apiURL, fakeRoute{status: http.StatusOK, body: "v1"})
	readBody(t, agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, apiURL)).Response)
	agent.Wait()

	fetcher.set(apiURL, fakeRoute{status: http.StatusOK, body: "v2"})
	readBody(t, agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, apiURL)).Response)
	agent.Wait()

	if got := entryCount(t, storage); got != 1 {
		t.Fatalf("re-caching must overwrite, got %d entries", got)
	}
	entry, err := matchEntry(t, storage, apiURL)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if string(entry.Body) != "v2" {
		t.Fatalf("expected latest body, got %q", entry.Body)
	}
}

func TestSelectiveNonCacheableResponsesAreNotStored(t *testing.T) {
	cases := []struct {
		name   string
		method string
		route  fakeRoute
	}{
		{name: "not found", method: http.MethodGet, route: fakeRoute{status: http.StatusNotFound, body: "missing"}},
		{name: "no content", method: http.MethodGet, route: fakeRoute{status: http.StatusNoContent}},
		{name: "cors", method: http.MethodGet, route: fakeRoute{status: http.StatusOK, body: "x", typ: fetch.TypeCORS}},
		{name: "opaque", method: http.MethodGet, route: fakeRoute{status: http.StatusOK, body: "x", typ: fetch.TypeOpaque}},
		{name: "post", method: http.MethodPost, route: fakeRoute{status: http.StatusOK, body: "created"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)
			fetcher.set(fontURL, tc.route)

			result := agent.HandleRequest(context.Background(), mustRequest(t, tc.method, fontURL))
			if result.Source != SourceNetwork {
				t.Fatalf("expected network response as-is, got %+v", result)
			}
			if result.Response.Status != tc.route.status {
				t.Fatalf("status mismatch: %d", result.Response.Status)
			}
			agent.Wait()

			if got := entryCount(t, storage); got != 0 {
				t.Fatalf("response must not be stored, got %d entries", got)
			}
		})
	}
}

func TestSelectiveOfflineExternalWithoutCacheIsEmpty(t *testing.T) {
	agent, _, fetcher := newTestAgent(t, config.PolicySelective, nil)
	fetcher.setOffline(true)

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, fontURL))
	if !result.Intercepted || !result.Empty() || result.Source != SourceNone {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestSelectiveOfflineExternalFallsBackToCache(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)
	putEntry(t, storage, testCacheName, fontURL, "font-css")
	fetcher.setOffline(true)

	result := agent.HandleRequest(context.Background(), mustRequest(t, http.MethodGet, fontURL))
	if !result.CacheHit() {
		t.Fatalf("expected cache fallback, got %+v", result)
	}
	if body := readBody(t, result.Response); body != "font-css" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestSelectiveBackgroundWriteOutlivesRequestContext(t *testing.T) {
	agent, storage, fetcher := newTestAgent(t, config.PolicySelective, nil)
	fetcher.set(fontURL, fakeRoute{status: http.StatusOK, body: "font-css", typ: fetch.TypeBasic})

	ctx, cancel := context.WithCancel(context.Background())
	result := agent.HandleRequest(ctx, mustRequest(t, http.MethodGet, fontURL))
	cancel()
	readBody(t, result.Response)

	if err := agent.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := matchEntry(t, storage, fontURL); err != nil {
		t.Fatalf("background write should survive request cancellation: %v", err)
	}
}
