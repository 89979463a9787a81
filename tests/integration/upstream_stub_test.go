package integration

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// RecordedRequest 捕获每次请求的方法/路径/Host，便于断言网络调用次数。
type RecordedRequest struct {
	Method string
	Path   string
	Host   string
}

// upstreamStub 模拟 app shell 源站或第三方站点，按路径返回固定内容并记录请求。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string
	Host     string

	mu       sync.Mutex
	requests []RecordedRequest
	routes   map[string]stubRoute
}

type stubRoute struct {
	status      int
	body        string
	contentType string
}

func newUpstreamStub(t *testing.T, routes map[string]stubRoute) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{routes: routes}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		stub.mu.Lock()
		route, ok := stub.routes[r.URL.Path]
		stub.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if route.contentType != "" {
			w.Header().Set("Content-Type", route.contentType)
		}
		status := route.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(route.body))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	stub.server = server
	stub.listener = listener
	stub.Host = listener.Addr().String()
	stub.URL = "http://" + stub.Host

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(stub.Close)

	return stub
}

func shellRoutes() map[string]stubRoute {
	return map[string]stubRoute{
		"/":              {body: "<html>shell</html>", contentType: "text/html"},
		"/index.html":    {body: "<html>index</html>", contentType: "text/html"},
		"/manifest.json": {body: `{"name":"avisos"}`, contentType: "application/json"},
		"/api/notices":   {body: `[{"id":1}]`, contentType: "application/json"},
	}
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *upstreamStub) setRoute(path string, route stubRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = route
}

func (s *upstreamStub) recordRequest(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Host:   r.Host,
	})
	s.mu.Unlock()
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

func (s *upstreamStub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}
