package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
)

var supportedBackends = map[string]struct{}{
	StorageMemory: {},
	StorageFS:     {},
	StorageBolt:   {},
	StorageRedis:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 memory|fs|bolt|redis")
	}
	if (g.StorageBackend == StorageFS || g.StorageBackend == StorageBolt) && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StorageBackend == StorageRedis && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 后端需要地址")
	}
	if _, err := cache.CodecByName(g.Codec); err != nil {
		return newFieldError("Global.Codec", "仅支持 msgpack|cbor")
	}
	if g.MemoryTierSize < 0 {
		return newFieldError("Global.MemoryTierSize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.PrecacheConcurrency <= 0 {
		return newFieldError("Global.PrecacheConcurrency", "必须大于 0")
	}
	if g.RefreshWorkers <= 0 || g.RefreshQueueSize <= 0 {
		return newFieldError("Global.RefreshWorkers/RefreshQueueSize", "必须大于 0")
	}
	if g.MaxBodySize < 0 {
		return newFieldError("Global.MaxBodySize", "不能为负数")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}
	if err := validateAdmin(g); err != nil {
		return err
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := cache.ValidatePartitionName(site.Name); err != nil {
			return newFieldError(siteField(site.Name, "Name"), "不能包含路径分隔符或空白")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if other, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与站点 "+other+" 重复")
		}
		seenDomains[site.Domain] = site.Name

		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.Proxy != "" {
			if err := validateOrigin(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if err := cache.ValidatePartitionName("static-" + site.Version); err != nil {
			return newFieldError(siteField(site.Name, "Version"), "不能包含路径分隔符或空白")
		}
		for _, entry := range site.Manifest {
			if err := validateManifestEntry(site.Origin, entry); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Manifest"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

// validateManifestEntry 只接受以 "/" 开头的路径，或与源站同源的绝对 http(s) 地址。
func validateManifestEntry(origin, raw string) error {
	entry := strings.TrimSpace(raw)
	if strings.HasPrefix(entry, "/") && !strings.HasPrefix(entry, "//") {
		return nil
	}
	if err := validateOrigin(entry); err != nil {
		return fmt.Errorf("清单条目 %q 必须是绝对地址或以 / 开头: %w", raw, err)
	}
	base, _ := url.Parse(origin)
	target, _ := url.Parse(entry)
	if !cache.SameOrigin(base, target) {
		return fmt.Errorf("清单条目 %q 与源站 %s 不同源", raw, origin)
	}
	return nil
}

// validateAdmin 校验管理接口：非回环地址必须配置 AdminToken，端口不能与 ListenPort 冲突。
func validateAdmin(g GlobalConfig) error {
	addr := strings.TrimSpace(g.AdminListenAddr)
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return newFieldError("Global.AdminListenAddr", "必须是 host:port 形式")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum <= 0 || portNum > 65535 {
		return newFieldError("Global.AdminListenAddr", "端口必须在 1-65535")
	}
	if portNum == g.ListenPort {
		return newFieldError("Global.AdminListenAddr", "不能与 ListenPort 相同")
	}
	if !isLoopback(host) && strings.TrimSpace(g.AdminToken) == "" {
		return newFieldError("Global.AdminToken", "管理接口监听非回环地址时必须配置")
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
