package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的存储后端。
const (
	StorageMemory = "memory"
	StorageFS     = "fs"
	StorageBolt   = "bolt"
	StorageRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// AdminListenAddr 是管理接口的监听地址，留空表示不启用。
	AdminListenAddr string `mapstructure:"AdminListenAddr"`
	AdminToken      string `mapstructure:"AdminToken"`

	StorageBackend string `mapstructure:"StorageBackend"`
	StoragePath    string `mapstructure:"StoragePath"`
	Codec          string `mapstructure:"Codec"`
	MemoryTierSize int64  `mapstructure:"MemoryTierSize"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`

	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	NetworkTimeout      Duration `mapstructure:"NetworkTimeout"`
	PrecacheConcurrency int      `mapstructure:"PrecacheConcurrency"`
	RefreshWorkers      int      `mapstructure:"RefreshWorkers"`
	RefreshQueueSize    int      `mapstructure:"RefreshQueueSize"`

	// MaxBodySize 限制客户端请求体大小。
	MaxBodySize  int64 `mapstructure:"MaxBodySize"`
	// MaxEntrySize 是单个响应可缓冲并写入缓存的上限，更大的响应流式透传。
	MaxEntrySize int64 `mapstructure:"MaxEntrySize"`
}

// SiteConfig 描述一个按 Host 路由的站点：源站、当前版本与预缓存清单。
type SiteConfig struct {
	Name            string   `mapstructure:"Name"`
	Domain          string   `mapstructure:"Domain"`
	Origin          string   `mapstructure:"Origin"`
	Proxy           string   `mapstructure:"Proxy"`
	Version         string   `mapstructure:"Version"`
	Manifest        []string `mapstructure:"Manifest"`
	ImageExtensions []string `mapstructure:"ImageExtensions"`
	AssetExtensions []string `mapstructure:"AssetExtensions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已通过）。
func (s SiteConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(s.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// ProxyURL 返回站点级代理，未配置时为 nil。
func (s SiteConfig) ProxyURL() *url.URL {
	if strings.TrimSpace(s.Proxy) == "" {
		return nil
	}
	parsed, err := url.Parse(s.Proxy)
	if err != nil {
		return nil
	}
	return parsed
}

// SiteNames 返回所有站点名称，供启动日志使用。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	names := make([]string, len(sites))
	for i, site := range sites {
		names[i] = site.Name
	}
	return names
}
