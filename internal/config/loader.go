package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == StorageFS || cfg.Global.StorageBackend == StorageBolt {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", StorageFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("Codec", "msgpack")
	v.SetDefault("MemoryTierSize", 64*1024*1024)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NetworkTimeout", "10s")
	v.SetDefault("PrecacheConcurrency", 4)
	v.SetDefault("RefreshWorkers", 4)
	v.SetDefault("RefreshQueueSize", 256)
	v.SetDefault("MaxBodySize", 32*1024*1024)
	v.SetDefault("MaxEntrySize", 32*1024*1024)
	v.SetDefault("AdminListenAddr", "127.0.0.1:5001")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = StorageFS
	}
	g.Codec = strings.ToLower(strings.TrimSpace(g.Codec))
	g.AdminListenAddr = strings.TrimSpace(g.AdminListenAddr)
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(10 * time.Second)
	}
	if g.PrecacheConcurrency == 0 {
		g.PrecacheConcurrency = 4
	}
	if g.RefreshWorkers == 0 {
		g.RefreshWorkers = 4
	}
	if g.RefreshQueueSize == 0 {
		g.RefreshQueueSize = 256
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
	s.Version = strings.TrimSpace(s.Version)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectSiteLevelPorts(v *viper.Viper) error {
	var sites []map[string]interface{}
	switch raw := v.Get("Site").(type) {
	case []interface{}:
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				sites = append(sites, m)
			}
		}
	case []map[string]interface{}:
		sites = raw
	default:
		return nil
	}

	for idx, m := range sites {
		if _, exists := lookupFold(m, "Port"); !exists {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupFold(m, "Name"); ok {
			if str, ok := rawName.(string); ok && str != "" {
				name = str
			}
		}
		return newFieldError(siteField(name, "Port"), "站点不支持独立端口，请使用全局 ListenPort")
	}

	return nil
}

// lookupFold 忽略大小写读取 map 字段，viper 可能已将键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, val := range m {
		if strings.EqualFold(k, key) {
			return val, true
		}
	}
	return nil, false
}
