package strategy

import (
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/cachegate/internal/network"
)

// fillHeaders 是回源填充缓存时去掉的客户端条件头与 Range 头。
var fillHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// validatorHeaders 是 304 响应需要保留的头部。
var validatorHeaders = []string{
	"Cache-Control",
	"Content-Location",
	"Date",
	"ETag",
	"Expires",
	"Last-Modified",
	"Vary",
}

// fillRequest 返回去掉条件头的请求副本；原请求不含这些头时直接返回原请求。
func fillRequest(req *network.Request) *network.Request {
	if req == nil || !hasFillHeaders(req.Header) {
		return req
	}
	clone := req.Clone()
	for _, name := range fillHeaders {
		clone.Header.Del(name)
	}
	return clone
}

func hasFillHeaders(header http.Header) bool {
	for _, name := range fillHeaders {
		if header.Get(name) != "" {
			return true
		}
	}
	return false
}

// answerConditional 用完整的 200 响应回答客户端的条件请求。
// 校验器匹配时返回 304；其他情况（包括 Range）返回完整响应。
func answerConditional(req *network.Request, res *Result) *Result {
	if req == nil || res == nil || res.Response == nil {
		return res
	}
	resp := res.Response
	if resp.Status != http.StatusOK || !notModified(req.Header, resp.Header) {
		return res
	}
	_ = resp.Close()
	header := make(http.Header, len(validatorHeaders))
	for _, name := range validatorHeaders {
		if values := resp.Header.Values(name); len(values) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return &Result{
		Response: &network.Response{Status: http.StatusNotModified, Header: header},
		Source:   res.Source,
	}
}

// notModified 按 RFC 9110 §13.2.2：If-None-Match 存在时忽略 If-Modified-Since。
func notModified(reqHeader, respHeader http.Header) bool {
	if inm := reqHeader.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, respHeader.Get("ETag"))
	}
	ims := reqHeader.Get("If-Modified-Since")
	lastModified := respHeader.Get("Last-Modified")
	if ims == "" || lastModified == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	modified, err := http.ParseTime(lastModified)
	if err != nil {
		return false
	}
	return !modified.Truncate(time.Second).After(since)
}

// etagMatches 使用弱比较。
func etagMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return etag != ""
	}
	if etag == "" {
		return false
	}
	target := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == target {
			return true
		}
	}
	return false
}
