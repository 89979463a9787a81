package fetch

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType 对应响应的来源分类。只有 basic（同源、非错误、非 opaque）的响应允许回写缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Request 是一次待决策的请求描述，创建后不应被修改。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 构造 Request，header 会被复制一份。
func NewRequest(method string, target *url.URL, header http.Header, body []byte) *Request {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: method,
		URL:    target,
		Header: header.Clone(),
		Body:   body,
	}
}

// String 返回绝对 URL，便于日志输出与子串匹配。
func (r *Request) String() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// Response 是一次网络或缓存返回的结果。Body 只能被消费一次，需要同时返回给调用方
// 与写入缓存时必须先 Clone。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Type   ResponseType
	URL    string
}

// NewResponse 以内存数据构造 Response。
func NewResponse(status int, header http.Header, body []byte, typ ResponseType, rawURL string) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Type:   typ,
		URL:    rawURL,
	}
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 读出 Body 并让原响应与副本各持有一份独立的 Reader。
func (r *Response) Clone() (*Response, error) {
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return NewResponse(r.Status, r.Header.Clone(), data, r.Type, r.URL), nil
}

// Bytes 消费 Body 并返回全部内容。
func (r *Response) Bytes() ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Close 释放未消费完的 Body。
func (r *Response) Close() {
	if r != nil && r.Body != nil {
		_ = r.Body.Close()
	}
}
