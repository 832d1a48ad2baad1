// Package strategy decides how a request interacts with the cache and runs
// the chosen caching policy against one partition.
package strategy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/cachegate/internal/generation"
)

// Policy 是请求使用的缓存策略。
type Policy string

const (
	PolicyBypass               Policy = "bypass"
	PolicyCacheFirst           Policy = "cache-first"
	PolicyNetworkFirst         Policy = "network-first"
	PolicyStaleWhileRevalidate Policy = "stale-while-revalidate"
)

// Decision 是分类结果：策略与目标分区角色。Bypass 时 Role 为空。
type Decision struct {
	Policy Policy
	Role   generation.Role
}

var (
	DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".svg", ".gif", ".avif", ".bmp"}
	DefaultAssetExtensions = []string{".css", ".js", ".mjs", ".map", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".ico"}
)

// Classifier 按固定优先级把请求映射到策略，无副作用，可并发使用。
type Classifier struct {
	images map[string]struct{}
	assets map[string]struct{}
}

// NewClassifier 使用给定的图片/静态资源扩展名构造分类器，空列表回落到默认集合。
func NewClassifier(images, assets []string) *Classifier {
	if len(images) == 0 {
		images = DefaultImageExtensions
	}
	if len(assets) == 0 {
		assets = DefaultAssetExtensions
	}
	return &Classifier{images: extensionSet(images), assets: extensionSet(assets)}
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

// Classify 返回请求的策略；扩展名匹配只看 URL path，忽略大小写与 query。
func (c *Classifier) Classify(method string, target *url.URL) Decision {
	if !strings.EqualFold(method, http.MethodGet) || target == nil {
		return Decision{Policy: PolicyBypass}
	}
	if scheme := strings.ToLower(target.Scheme); scheme != "http" && scheme != "https" {
		return Decision{Policy: PolicyBypass}
	}

	p := strings.ToLower(target.Path)
	if p == "" || p == "/" || strings.HasSuffix(p, ".html") {
		return Decision{Policy: PolicyNetworkFirst, Role: generation.RoleStatic}
	}
	ext := path.Ext(p)
	if _, ok := c.images[ext]; ok {
		return Decision{Policy: PolicyCacheFirst, Role: generation.RoleImages}
	}
	if ext == ".json" {
		return Decision{Policy: PolicyStaleWhileRevalidate, Role: generation.RoleData}
	}
	if _, ok := c.assets[ext]; ok {
		return Decision{Policy: PolicyCacheFirst, Role: generation.RoleStatic}
	}
	return Decision{Policy: PolicyNetworkFirst, Role: generation.RoleStatic}
}
