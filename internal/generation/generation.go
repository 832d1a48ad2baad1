// Package generation names and maintains the version-scoped partitions of a
// deployment. Every version owns exactly one partition per role; activation
// prunes everything else.
package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
)

// Role identifies what kind of content a partition holds.
type Role string

const (
	RoleStatic Role = "static"
	RoleImages Role = "images"
	RoleData   Role = "data"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleStatic, RoleImages, RoleData}

// PartitionName returns "<role>-<tag>".
func PartitionName(role Role, tag string) string {
	return string(role) + "-" + tag
}

// Partitions groups the three current-version partition handles.
type Partitions struct {
	Static cache.Partition
	Images cache.Partition
	Data   cache.Partition
}

// ForRole returns the partition that stores the given role.
func (p Partitions) ForRole(role Role) (cache.Partition, bool) {
	switch role {
	case RoleStatic:
		return p.Static, true
	case RoleImages:
		return p.Images, true
	case RoleData:
		return p.Data, true
	}
	return cache.Partition{}, false
}

// Options tunes partition pruning.
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Manager 负责当前版本的分区命名、创建与旧版本清理。
type Manager struct {
	storage cache.Storage
	tag     string
	opts    Options
}

// New 绑定存储与版本号；版本号必须能拼出合法分区名。
func New(storage cache.Storage, tag string, opts Options) (*Manager, error) {
	if storage == nil {
		return nil, fmt.Errorf("generation: storage required")
	}
	for _, role := range Roles {
		if err := cache.ValidatePartitionName(PartitionName(role, tag)); err != nil {
			return nil, fmt.Errorf("generation: version tag %q: %w", tag, err)
		}
	}
	if tag == "" {
		return nil, fmt.Errorf("generation: version tag required")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{storage: storage, tag: tag, opts: opts}, nil
}

// Tag 返回版本号。
func (m *Manager) Tag() string {
	return m.tag
}

// Names 返回当前版本 static/images/data 三个分区名称。
func (m *Manager) Names() []string {
	names := make([]string, 0, len(Roles))
	for _, role := range Roles {
		names = append(names, PartitionName(role, m.tag))
	}
	return names
}

// Current 返回当前版本的分区句柄，不触达存储。
func (m *Manager) Current() Partitions {
	return Partitions{
		Static: cache.NewPartition(m.storage, PartitionName(RoleStatic, m.tag)),
		Images: cache.NewPartition(m.storage, PartitionName(RoleImages, m.tag)),
		Data:   cache.NewPartition(m.storage, PartitionName(RoleData, m.tag)),
	}
}

// IsCurrent 判断分区名是否属于当前版本。
func (m *Manager) IsCurrent(name string) bool {
	for _, role := range Roles {
		if name == PartitionName(role, m.tag) {
			return true
		}
	}
	return false
}

// OpenCurrentPartitions 按需创建当前版本的三个分区并返回句柄。
func (m *Manager) OpenCurrentPartitions(ctx context.Context) (Partitions, error) {
	for _, name := range m.Names() {
		if err := m.storage.CreatePartition(ctx, name); err != nil {
			return Partitions{}, fmt.Errorf("open partition %s: %w", name, err)
		}
	}
	return m.Current(), nil
}

// PruneOldGenerations 删除所有非当前版本的分区，返回已删除的名称。
// 单个分区删除失败会按指数退避重试，重试耗尽后返回错误。
func (m *Manager) PruneOldGenerations(ctx context.Context) ([]string, error) {
	names, err := m.storage.ListPartitionNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if m.IsCurrent(name) {
			continue
		}
		if err := m.deleteWithRetry(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

func (m *Manager) deleteWithRetry(ctx context.Context, name string) error {
	backoff := m.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			m.opts.Logger.WithFields(logrus.Fields{
				"action":    "prune_retry",
				"partition": name,
				"attempt":   attempt,
				"backoff":   backoff.String(),
			}).Warn(lastErr.Error())
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		lastErr = m.storage.DeletePartition(ctx, name)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("delete partition %s after %d attempts: %w", name, m.opts.MaxRetries+1, lastErr)
}
