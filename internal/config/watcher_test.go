package config

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

const watcherConfigV1 = `
LogLevel = "info"
DataDir = "./downloads"
CacheDir = "./cache"
MaxCacheSize = 1024

[[Namespace]]
Name = "pypi"
Upstream = "https://pypi.org"
`

const watcherConfigV2 = `
LogLevel = "info"
DataDir = "./downloads"
CacheDir = "./cache"
MaxCacheSize = 1024

[[Namespace]]
Name = "npm"
Upstream = "https://registry.npmjs.org"
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWatcherAppliesValidChange(t *testing.T) {
	path := writeTempConfig(t, watcherConfigV1)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	w := NewWatcher(path, initial, quietLogger())
	var applied *Config
	w.Start(func(cfg *Config) { applied = cfg })

	if err := os.WriteFile(path, []byte(watcherConfigV2), 0o600); err != nil {
		t.Fatalf("写入新配置失败: %v", err)
	}
	w.reload(path)

	if applied == nil {
		t.Fatalf("合法变更应触发回调")
	}
	if w.Current().Namespaces[0].Name != "npm" {
		t.Fatalf("Current 应返回新配置，得到 %s", w.Current().Namespaces[0].Name)
	}
}

func TestWatcherKeepsCurrentOnInvalidChange(t *testing.T) {
	path := writeTempConfig(t, watcherConfigV1)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	w := NewWatcher(path, initial, quietLogger())
	called := false
	w.Start(func(cfg *Config) { called = true })

	broken := `
LogLevel = "info"
DataDir = "./downloads"
CacheDir = "./cache"
MaxCacheSize = 1024

[[Namespace]]
Name = "pypi"
Upstream = "not-a-url"
`
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatalf("写入新配置失败: %v", err)
	}
	w.reload(path)

	if called {
		t.Fatalf("非法配置不应触发回调")
	}
	if w.Current().Namespaces[0].Name != "pypi" {
		t.Fatalf("非法配置不应替换当前版本")
	}
}
