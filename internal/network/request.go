package network

import (
	"io"
	"net/http"
	"net/url"
)

// Request 是经过引擎的一次请求：方法、绝对 URL、头部与可选正文。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 构造 Request，rawURL 必须是绝对地址。
func NewRequest(method, rawURL string, header http.Header, body []byte) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{Method: method, URL: parsed, Header: header, Body: body}, nil
}

// Clone 深拷贝请求，供后台刷新等脱离原请求生命周期的任务使用。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := &Request{
		Method: r.Method,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	return clone
}

// Response 是源站或缓存返回的响应。正文超过缓冲上限时 Body 为空，
// 完整正文由 Stream 提供，这类响应只透传、不写入缓存。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// OK 判断响应是否成功：2xx 且不是 206 Partial Content。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300 && r.Status != http.StatusPartialContent
}

// Buffered 表示正文已完整读入 Body，可以写入缓存。
func (r *Response) Buffered() bool {
	return r != nil && r.Stream == nil
}

// Close 释放未消费的 Stream；缓冲响应上调用是空操作。
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}
