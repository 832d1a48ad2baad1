package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher performs one round trip to the origin. A non-nil *Response is
// returned for any status the origin answers with; transport failures come
// back as *Error.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 使用 http.Client 回源。不超过 BufferLimit 的正文读入 Body，
// 更大的正文以 Stream 返回，由调用方负责关闭。
type HTTPFetcher struct {
	Client      *http.Client
	BufferLimit int64
}

// NewHTTPFetcher 构造 HTTPFetcher；bufferLimit <= 0 表示全部缓冲。
func NewHTTPFetcher(client *http.Client, bufferLimit int64) *HTTPFetcher {
	if client == nil {
		client = NewClient(0, nil)
	}
	return &HTTPFetcher{Client: client, BufferLimit: bufferLimit}
}

// Fetch 实现 Fetcher。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, &Error{Err: fmt.Errorf("missing request url")}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL.String()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Method: method, URL: target, Err: err}
	}
	CopyHeaders(httpReq.Header, req.Header)
	// 缓存保存的是解码后的正文，交给 Transport 自行协商压缩。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, &Error{Method: method, URL: target, Err: err}
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	out := &Response{Status: resp.StatusCode, Header: header}

	payload, err := readPrefix(resp.Body, f.BufferLimit)
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		out.Stream = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(payload), resp.Body), closer: resp.Body}
		return out, nil
	case err != nil:
		resp.Body.Close()
		return nil, &Error{Method: method, URL: target, Err: err}
	}
	resp.Body.Close()
	out.Body = payload
	return out, nil
}

// readPrefix 最多读取 limit 字节；正文更长时返回已读部分与 ErrBodyTooLarge。
func readPrefix(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	payload, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return payload, ErrBodyTooLarge
	}
	return payload, nil
}

// prefixedBody 把已读出的前缀与剩余正文拼回一个流。
type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}
