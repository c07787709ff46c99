package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedSourceTypes = map[string]struct{}{
	"http":   {},
	"https":  {},
	"ftp":    {},
	"sftp":   {},
	"rsync":  {},
	"git":    {},
	"s3":     {},
	"oss":    {},
	"cos":    {},
	"webdav": {},
	"local":  {},
}

const supportedSourceTypeList = "http|https|ftp|sftp|rsync|git|s3|oss|cos|webdav|local"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.DataDir == "" {
		return newFieldError("Global.DataDir", "不能为空")
	}
	if g.CacheDir == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxConcurrentSyncs <= 0 {
		return newFieldError("Global.MaxConcurrentSyncs", "必须大于 0")
	}
	if g.SyncWorkers <= 0 {
		return newFieldError("Global.SyncWorkers", "必须大于 0")
	}
	if g.HealthLowThreshold < 0 || g.HealthHighThreshold > 1 || g.HealthLowThreshold >= g.HealthHighThreshold {
		return newFieldError("Global.HealthThreshold", "需满足 0 <= low < high <= 1")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return newFieldError("Source[].Name", "不能为空")
		}
		if _, exists := seenNames[src.Name]; exists {
			return newFieldError(sourceField(src.Name, "Name"), "重复")
		}
		seenNames[src.Name] = struct{}{}

		if err := validateSource(src); err != nil {
			return err
		}
	}

	seenNamespaces := map[string]struct{}{}
	for _, ns := range c.Namespaces {
		if ns.Name == "" {
			return newFieldError("Namespace[].Name", "不能为空")
		}
		if _, exists := seenNamespaces[ns.Name]; exists {
			return newFieldError(namespaceField(ns.Name, "Name"), "重复")
		}
		seenNamespaces[ns.Name] = struct{}{}

		if strings.Contains(ns.Name, "/") {
			return newFieldError(namespaceField(ns.Name, "Name"), "不允许包含路径分隔符")
		}
		if err := validateHTTPURL(ns.Upstream); err != nil {
			return fmt.Errorf("%s: %w", namespaceField(ns.Name, "Upstream"), err)
		}
	}

	return nil
}

// ValidateSource 校验单个同步源配置，供管理接口在注册前复用。
func ValidateSource(src SourceConfig) error {
	s := src
	applySourceDefaults(&s)
	if s.Name == "" {
		return newFieldError("Source[].Name", "不能为空")
	}
	return validateSource(&s)
}

func validateSource(src *SourceConfig) error {
	if _, ok := supportedSourceTypes[src.Type]; !ok {
		return newFieldError(sourceField(src.Name, "Type"), "仅支持 "+supportedSourceTypeList)
	}
	if src.Target == "" {
		return newFieldError(sourceField(src.Name, "Target"), "不能为空")
	}
	if strings.Contains(src.Target, "..") {
		return newFieldError(sourceField(src.Name, "Target"), "不允许包含 ..")
	}
	if (src.Username == "") != (src.Password == "") && src.PrivateKey == "" {
		return newFieldError(sourceField(src.Name, "Username/Password"), "必须同时提供或同时留空")
	}

	switch src.Type {
	case "http", "https", "webdav":
		if err := validateHTTPURL(src.URL); err != nil {
			return fmt.Errorf("%s: %w", sourceField(src.Name, "URL"), err)
		}
	case "git":
		if src.URL == "" {
			return newFieldError(sourceField(src.Name, "URL"), "不能为空")
		}
	case "rsync":
		if src.URL == "" && src.Host == "" {
			return newFieldError(sourceField(src.Name, "URL"), "rsync 源需要 URL 或 Host")
		}
	case "ftp", "sftp":
		if src.Host == "" {
			return newFieldError(sourceField(src.Name, "Host"), "不能为空")
		}
		if src.Port <= 0 || src.Port > 65535 {
			return newFieldError(sourceField(src.Name, "Port"), "必须在 1-65535")
		}
	case "s3", "oss", "cos":
		if src.Bucket == "" {
			return newFieldError(sourceField(src.Name, "Bucket"), "不能为空")
		}
		if src.Region == "" && src.Endpoint == "" {
			return newFieldError(sourceField(src.Name, "Region"), "Region 与 Endpoint 至少提供一个")
		}
	case "local":
		if src.Path == "" {
			return newFieldError(sourceField(src.Name, "Path"), "不能为空")
		}
	}

	if src.Fallback != "" {
		if err := validateHTTPURL(src.Fallback); err != nil {
			return fmt.Errorf("%s: %w", sourceField(src.Name, "Fallback"), err)
		}
	}
	if src.ListAPI != "" {
		if err := validateHTTPURL(src.ListAPI); err != nil {
			return fmt.Errorf("%s: %w", sourceField(src.Name, "ListAPI"), err)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
