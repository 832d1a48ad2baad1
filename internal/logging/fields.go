package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 描述一次分发结果：策略、分区与响应来源（cache/network/bypass）。
func RequestFields(site, policy, partition, source string, status int) logrus.Fields {
	return logrus.Fields{
		"action":    "dispatch",
		"site":      site,
		"policy":    policy,
		"partition": partition,
		"source":    source,
		"status":    status,
	}
}

// LifecycleFields 用于 install/activate/terminate 等生命周期日志。
func LifecycleFields(site, version, phase string) logrus.Fields {
	return logrus.Fields{
		"action":  phase,
		"site":    site,
		"version": version,
	}
}
