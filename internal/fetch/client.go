// Package fetch 提供网络访问原语：把策略层的 Request 发往上游，并按 app 源站对响应做来源分类。
package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Fetcher 是网络访问接口，失败时返回 error（离线、DNS、连接重置等）。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client，timeout<=0 时使用 30s。
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// HTTPFetcher 使用 http.Client 访问网络，并以 origin 判断响应是否为 basic。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构造 HTTPFetcher，client 为空时使用默认配置。
func NewHTTPFetcher(client *http.Client, origin *url.URL) (*HTTPFetcher, error) {
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if client == nil {
		client = NewClient(0)
	}
	return &HTTPFetcher{client: client, origin: origin}, nil
}

// Fetch 执行一次网络请求，非 2xx 不视为错误，只有传输层失败才返回 error。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
		Type:   Classify(f.origin, finalURL, resp.Header),
		URL:    finalURL.String(),
	}, nil
}

// Classify 按浏览器语义对响应分类：同源为 basic，跨源且带 CORS 头为 cors，否则为 opaque。
func Classify(origin, target *url.URL, header http.Header) ResponseType {
	if SameOrigin(origin, target) {
		return TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

// SameOrigin 比较 scheme + host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

// BaseURL 返回源站的目录地址：path 以 "/" 结尾，query 与 fragment 被去掉。
// app 部署在子目录时（https://example.com/app），所有本地路径都相对于 /app/ 解析。
func BaseURL(origin *url.URL) *url.URL {
	if origin == nil {
		return nil
	}
	base := *origin
	base.RawPath = ""
	base.RawQuery = ""
	base.ForceQuery = false
	base.Fragment = ""
	base.RawFragment = ""
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &base
}

// ResolvePath 把 app 内的路径挂到源站目录下。"/index.html"、"./index.html" 与
// "index.html" 解析到同一地址，"/" 与 "./" 指向源站目录本身。
func ResolvePath(origin *url.URL, p, rawQuery string) *url.URL {
	base := BaseURL(origin)
	if base == nil {
		return nil
	}
	ref := &url.URL{Path: strings.TrimLeft(p, "/"), RawQuery: rawQuery}
	return base.ResolveReference(ref)
}

func hostWithPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
