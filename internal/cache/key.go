package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key 是请求在分区中的身份：方法 + 规范化 URL。只有 GET 请求能构造出合法 Key。
type Key struct {
	Method string
	URL    string
}

// NewKey 根据请求方法与 URL 生成 Key：scheme/host 转小写，去掉默认端口，
// 空路径补 "/"，query 原样保留，fragment 去除。
func NewKey(method string, target *url.URL) (Key, error) {
	normalized := strings.ToUpper(strings.TrimSpace(method))
	if normalized != http.MethodGet {
		return Key{}, fmt.Errorf("%w: method %s is not cacheable", ErrInvalidKey, method)
	}
	canonical, err := CanonicalURL(target)
	if err != nil {
		return Key{}, err
	}
	return Key{Method: normalized, URL: canonical}, nil
}

// ParseKey 解析 Key.String() 的输出，并重新校验归一化结果。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, err := NewKey(method, parsed)
	if err != nil {
		return Key{}, err
	}
	if key.URL != rawURL {
		return Key{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, rawURL)
	}
	return key, nil
}

// CanonicalURL 返回 URL 的规范字符串形式。
func CanonicalURL(target *url.URL) (string, error) {
	if target == nil {
		return "", fmt.Errorf("%w: nil url", ErrInvalidKey)
	}
	if !target.IsAbs() || target.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidKey, target.String())
	}
	clone := *target
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = canonicalHost(clone.Scheme, clone.Host)
	clone.Fragment = ""
	clone.RawFragment = ""
	if clone.Path == "" && clone.Opaque == "" {
		clone.Path = "/"
		clone.RawPath = ""
	}
	return clone.String(), nil
}

// SameOrigin 判断两个 URL 的 scheme 与 host（忽略大小写与默认端口）是否一致。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	scheme := strings.ToLower(a.Scheme)
	if scheme != strings.ToLower(b.Scheme) {
		return false
	}
	return canonicalHost(scheme, a.Host) == canonicalHost(scheme, b.Host)
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// Valid 判断 Key 是否满足归一化规则。
func (k Key) Valid() bool {
	if k.Method != http.MethodGet || k.URL == "" {
		return false
	}
	parsed, err := url.Parse(k.URL)
	if err != nil {
		return false
	}
	canonical, err := CanonicalURL(parsed)
	return err == nil && canonical == k.URL
}

// String 输出 "GET <url>"，同时作为各后端的存储键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}
