package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "no-such.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
DataDir = "./downloads"
CacheDir = "./cache"
MaxCacheSize = 1024
CacheTTL = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadParsesDurationVariants(t *testing.T) {
	cfg := `
LogLevel = "info"
DataDir = "./downloads"
CacheDir = "./cache"
MaxCacheSize = 1024
CacheTTL = 3600
FetchTimeout = "90s"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.CacheTTL.DurationValue().Seconds(); got != 3600 {
		t.Fatalf("整数 Duration 应按秒解析，得到 %v", got)
	}
	if got := loaded.Global.FetchTimeout.DurationValue().Seconds(); got != 90 {
		t.Fatalf("字符串 Duration 应按 time.ParseDuration 解析，得到 %v", got)
	}
}
