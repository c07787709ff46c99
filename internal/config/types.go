package config

import (
	"fmt"
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

// GlobalConfig 描述全局运行时行为，所有同步源与缓存命名空间共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// DataDir 是所有同步目标目录的根；CacheDir 存放缓存正文与索引。
	DataDir      string `mapstructure:"DataDir"`
	CacheDir     string `mapstructure:"CacheDir"`
	MaxCacheSize int64  `mapstructure:"MaxCacheSize"`

	CacheTTL        Duration `mapstructure:"CacheTTL"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	ConnectTimeout  Duration `mapstructure:"ConnectTimeout"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// MaxConcurrentSyncs 约束跨源的全局并发；SyncWorkers 约束单源内的抓取并发。
	MaxConcurrentSyncs int64 `mapstructure:"MaxConcurrentSyncs"`
	SyncWorkers        int   `mapstructure:"SyncWorkers"`

	PrewarmWorkers      int      `mapstructure:"PrewarmWorkers"`
	PrewarmHistorySize  int      `mapstructure:"PrewarmHistorySize"`
	PopularScanInterval Duration `mapstructure:"PopularScanInterval"`
	PopularTopN         int      `mapstructure:"PopularTopN"`

	HealthInterval         Duration `mapstructure:"HealthInterval"`
	HealthWindow           int      `mapstructure:"HealthWindow"`
	HealthHighThreshold    float64  `mapstructure:"HealthHighThreshold"`
	HealthLowThreshold     float64  `mapstructure:"HealthLowThreshold"`
	HealthFailureThreshold int      `mapstructure:"HealthFailureThreshold"`
	HealthRecoveryChecks   int      `mapstructure:"HealthRecoveryChecks"`
}

// SourceConfig 决定单个同步源如何连接上游以及落盘到哪个目标目录。
// 不同 Type 关注不同字段：http/webdav/git/rsync 用 URL，ftp/sftp 用 Host，
// s3/oss/cos 用 Bucket/Endpoint，local 用 Path。
type SourceConfig struct {
	Name     string `mapstructure:"Name"`
	Type     string `mapstructure:"Type"`
	URL      string `mapstructure:"URL"`
	Host     string `mapstructure:"Host"`
	Port     int    `mapstructure:"Port"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`

	// PrivateKey 是 SFTP 私钥文件路径，优先于密码认证。
	PrivateKey string `mapstructure:"PrivateKey"`

	// Path 对 local 类型是源目录，对 ftp/sftp/rsync 是远端根路径。
	Path string `mapstructure:"Path"`

	Bucket    string `mapstructure:"Bucket"`
	Prefix    string `mapstructure:"Prefix"`
	Region    string `mapstructure:"Region"`
	Endpoint  string `mapstructure:"Endpoint"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`

	Branch string `mapstructure:"Branch"`
	Depth  int    `mapstructure:"Depth"`

	// ListAPI 指向返回 JSON 文件清单的接口，配置后优先于 HTML 索引解析。
	ListAPI string `mapstructure:"ListAPI"`

	Target   string `mapstructure:"Target"`
	Enabled  bool   `mapstructure:"Enabled"`
	AutoSync bool   `mapstructure:"AutoSync"`
	Schedule string `mapstructure:"Schedule"`

	// MirrorDelete 显式开启后才会删除远端已不存在的本地文件，默认关闭。
	MirrorDelete bool `mapstructure:"MirrorDelete"`

	// Fallback 是主源不健康时切换的备用地址。
	Fallback string `mapstructure:"Fallback"`
}

// NamespaceConfig 描述一个拉通缓存命名空间（pypi/npm/docker 等）及其上游。
type NamespaceConfig struct {
	Name     string   `mapstructure:"Name"`
	Upstream string   `mapstructure:"Upstream"`
	CacheTTL Duration `mapstructure:"CacheTTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig      `mapstructure:",squash"`
	Sources    []SourceConfig    `mapstructure:"Source"`
	Namespaces []NamespaceConfig `mapstructure:"Namespace"`
}

// HasCredentials 表示当前源是否配置了完整的上游凭证。
func (s SourceConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SourceConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有源的鉴权模式摘要，例如 centos:credentialed。
func CredentialModes(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = fmt.Sprintf("%s:%s", src.Name, src.AuthMode())
	}
	return result
}

// Source 按名称查找同步源配置。
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// EffectiveTTL 返回特定命名空间生效的缓存 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveTTL(ns NamespaceConfig) time.Duration {
	if ns.CacheTTL.DurationValue() > 0 {
		return ns.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}
