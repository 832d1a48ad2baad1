package site

import (
	"fmt"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/config"
)

// storageFactory 为每个站点打开独立命名空间的存储；redis 客户端在站点间共享。
type storageFactory struct {
	global config.GlobalConfig
	codec  cache.Codec
	redis  goredis.UniversalClient
}

func newStorageFactory(global config.GlobalConfig) (*storageFactory, error) {
	codec, err := cache.CodecByName(global.Codec)
	if err != nil {
		return nil, err
	}
	f := &storageFactory{global: global, codec: codec}
	if global.StorageBackend == config.StorageRedis {
		f.redis = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{global.RedisAddr},
			Password: global.RedisPassword,
			DB:       global.RedisDB,
		})
	}
	return f, nil
}

func (f *storageFactory) open(siteName string) (cache.Storage, error) {
	var (
		backend cache.Storage
		err     error
	)
	switch f.global.StorageBackend {
	case config.StorageMemory:
		return cache.NewMemoryStorage(), nil
	case config.StorageFS:
		backend, err = cache.NewFileStorage(filepath.Join(f.global.StoragePath, siteName), f.codec)
	case config.StorageBolt:
		if mkErr := os.MkdirAll(f.global.StoragePath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create storage dir: %w", mkErr)
		}
		backend, err = cache.NewBoltStorage(filepath.Join(f.global.StoragePath, siteName+".db"), f.codec)
	case config.StorageRedis:
		backend, err = cache.NewRedisStorage(cache.RedisOptions{
			Client: f.redis,
			Prefix: "cachegate:" + siteName,
			Codec:  f.codec,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", f.global.StorageBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage for site %s: %w", f.global.StorageBackend, siteName, err)
	}
	if f.global.MemoryTierSize <= 0 {
		return backend, nil
	}
	tiered, err := cache.NewTieredStorage(backend, cache.TieredOptions{MaxCost: f.global.MemoryTierSize})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return tiered, nil
}

func (f *storageFactory) close() error {
	if f.redis != nil {
		return f.redis.Close()
	}
	return nil
}
