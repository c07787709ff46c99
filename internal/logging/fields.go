package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SyncFields 提供 source/task 维度字段，供同步日志复用。
func SyncFields(source, sourceType, taskID string) logrus.Fields {
	return logrus.Fields{
		"source":      source,
		"source_type": sourceType,
		"task_id":     taskID,
	}
}

// CacheFields 提供命名空间/键/命中状态字段，供缓存与预热日志复用。
func CacheFields(namespace, key string, hit bool) logrus.Fields {
	return logrus.Fields{
		"namespace": namespace,
		"key":       key,
		"cache_hit": hit,
	}
}
