package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Watcher 监听配置文件变更并在校验通过后下发新的配置快照。
// 非法的新配置只记录日志，不会替换当前生效版本。
type Watcher struct {
	v      *viper.Viper
	logger *logrus.Logger

	mu       sync.Mutex
	current  *Config
	onChange func(*Config)
}

// NewWatcher 基于已加载的配置路径构建热更新监听器。
func NewWatcher(path string, initial *Config, logger *logrus.Logger) *Watcher {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	return &Watcher{
		v:       v,
		logger:  logger,
		current: initial,
	}
}

// Current 返回最近一次通过校验的配置快照。
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start 注册文件变更回调并开始监听；cb 在新配置通过校验后被调用。
func (w *Watcher) Start(cb func(*Config)) {
	w.mu.Lock()
	w.onChange = cb
	w.mu.Unlock()

	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	w.v.WatchConfig()
}

func (w *Watcher) reload(name string) {
	if err := w.v.ReadInConfig(); err != nil {
		w.logger.WithError(err).WithField("action", "config_reload").Warn("重新读取配置失败，保留当前版本")
		return
	}

	cfg, err := decode(w.v)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "config_reload",
			"file":   name,
		}).Warn("新配置校验失败，保留当前版本")
		return
	}

	w.mu.Lock()
	w.current = cfg
	cb := w.onChange
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"action":     "config_reload",
		"file":       name,
		"sources":    len(cfg.Sources),
		"namespaces": len(cfg.Namespaces),
	}).Info("配置热更新生效")

	if cb != nil {
		cb(cfg)
	}
}
