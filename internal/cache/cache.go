package cache

import (
	"errors"
	"io"
	"time"
)

// Locator 唯一定位一个缓存条目（命名空间 + 相对路径），路径为 URL 风格。
type Locator struct {
	Namespace string
	Path      string
}

// Key 返回索引使用的复合键。
func (l Locator) Key() string {
	return l.Namespace + "::" + l.Path
}

// Entry 描述一个已提交的缓存条目及其访问统计。
type Entry struct {
	Locator        Locator       `json:"locator"`
	FilePath       string        `json:"file_path"`
	Size           int64         `json:"size"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	AccessCount    int64         `json:"access_count"`
	TTL            time.Duration `json:"ttl"`
}

// expiredAt 判断条目在 now 时刻是否已过 TTL；TTL 为 0 表示永不过期。
func (e Entry) expiredAt(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Stats 是 stats() 调用的快照。
type Stats struct {
	Size       int64   `json:"size"`
	MaxSize    int64   `json:"max_size"`
	Count      int     `json:"count"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Expired    int64   `json:"expired"`
	Evictions  int64   `json:"evictions"`
	Namespaces int     `json:"namespaces"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrTooLarge 表示条目本身超过缓存容量上限，拒绝写入且不留半成品。
var ErrTooLarge = errors.New("cache entry exceeds max cache size")
