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

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode 将 viper 快照解析为经过默认值填充与校验的 Config。
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absData, err := filepath.Abs(cfg.Global.DataDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析数据目录: %w", err)
	}
	cfg.Global.DataDir = absData

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("DataDir", "./downloads")
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("MaxCacheSize", 10*1024*1024*1024)
	v.SetDefault("CacheTTL", 86400)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("ConnectTimeout", "10s")
	v.SetDefault("FetchTimeout", "10m")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxConcurrentSyncs", 3)
	v.SetDefault("SyncWorkers", 5)
	v.SetDefault("PrewarmWorkers", 4)
	v.SetDefault("PrewarmHistorySize", 200)
	v.SetDefault("PopularScanInterval", "10m")
	v.SetDefault("PopularTopN", 20)
	v.SetDefault("HealthInterval", "60s")
	v.SetDefault("HealthWindow", 20)
	v.SetDefault("HealthHighThreshold", 0.9)
	v.SetDefault("HealthLowThreshold", 0.5)
	v.SetDefault("HealthFailureThreshold", 3)
	v.SetDefault("HealthRecoveryChecks", 3)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(24 * time.Hour)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(10 * time.Second)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(10 * time.Minute)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxConcurrentSyncs == 0 {
		g.MaxConcurrentSyncs = 3
	}
	if g.SyncWorkers == 0 {
		g.SyncWorkers = 5
	}
	if g.PrewarmWorkers == 0 {
		g.PrewarmWorkers = 4
	}
	if g.PrewarmHistorySize == 0 {
		g.PrewarmHistorySize = 200
	}
	if g.PopularScanInterval.DurationValue() == 0 {
		g.PopularScanInterval = Duration(10 * time.Minute)
	}
	if g.PopularTopN == 0 {
		g.PopularTopN = 20
	}
	if g.HealthInterval.DurationValue() == 0 {
		g.HealthInterval = Duration(time.Minute)
	}
	if g.HealthWindow == 0 {
		g.HealthWindow = 20
	}
	if g.HealthHighThreshold == 0 {
		g.HealthHighThreshold = 0.9
	}
	if g.HealthLowThreshold == 0 {
		g.HealthLowThreshold = 0.5
	}
	if g.HealthFailureThreshold == 0 {
		g.HealthFailureThreshold = 3
	}
	if g.HealthRecoveryChecks == 0 {
		g.HealthRecoveryChecks = 3
	}
}

func applySourceDefaults(s *SourceConfig) {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Target == "" {
		s.Target = s.Name
	}
	if s.Port == 0 {
		switch s.Type {
		case "ftp":
			s.Port = 21
		case "sftp":
			s.Port = 22
		case "rsync":
			s.Port = 873
		}
	}
	if s.Type == "git" && s.Branch == "" {
		s.Branch = "master"
	}
	if s.Type == "git" && s.Depth == 0 {
		s.Depth = 1
	}
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
