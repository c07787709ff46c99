package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// touchFlushBatch 控制命中统计回写 sqlite 的攒批粒度。
const touchFlushBatch = 64

// FetchFunc 负责把上游内容写入 dest（原子落盘），返回写入字节数。
type FetchFunc func(ctx context.Context, dest string) (int64, error)

// MissObserver 在缓存未命中时被调用，预热模块借此统计热点。
type MissObserver func(loc Locator)

// Manager 是带容量上限的本地缓存：命中直接回源磁盘，
// 未命中经 singleflight 合并后拉取上游，超限时按 LRU 逐出。
type Manager struct {
	dir     string
	maxSize int64
	index   *Index
	now     func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*Entry
	total    int64
	dirty    map[string]*Entry
	hits     int64
	misses   int64
	expired  int64
	evicted  int64
	onMiss   MissObserver
	onEvict  func(Entry)
}

// NewManager 打开缓存目录与索引，并用索引内容重建内存态。
// 索引里指向的文件若已不在磁盘上，对应条目会被静默丢弃。
func NewManager(dir string, maxSize int64, index *Index) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	m := &Manager{
		dir:     dir,
		maxSize: maxSize,
		index:   index,
		now:     time.Now,
		entries: make(map[string]*Entry),
		dirty:   make(map[string]*Entry),
	}
	loaded, err := index.Load()
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		e := loaded[i]
		if _, err := os.Stat(e.FilePath); err != nil {
			index.Delete(e.Locator.Key())
			continue
		}
		m.entries[e.Locator.Key()] = &e
		m.total += e.Size
	}
	return m, nil
}

// SetMissObserver 注册未命中回调。
func (m *Manager) SetMissObserver(fn MissObserver) {
	m.mu.Lock()
	m.onMiss = fn
	m.mu.Unlock()
}

// SetEvictObserver 注册逐出回调，用于指标上报。
func (m *Manager) SetEvictObserver(fn func(Entry)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// filePathFor 返回条目在缓存目录内的落盘位置。
func (m *Manager) filePathFor(loc Locator) string {
	return filepath.Join(m.dir, loc.Namespace, filepath.FromSlash(loc.Path))
}

// Ensure 保证 loc 对应的内容在缓存中并返回其 Reader。
// 命中刷新访问统计；过期或缺失时唯一一次调用 fetch，
// 并发的同键请求共享这次拉取，但每个调用方拿到独立的文件句柄。
func (m *Manager) Ensure(ctx context.Context, loc Locator, ttl time.Duration, fetch FetchFunc) (*ReadResult, error) {
	if res, ok := m.open(loc, true); ok {
		return res, nil
	}

	m.mu.Lock()
	m.misses++
	if m.onMiss != nil {
		m.onMiss(loc)
	}
	m.mu.Unlock()

	key := loc.Key()
	if _, err, _ := m.group.Do(key, func() (interface{}, error) {
		// 拿到飞行权后再查一次，前一个持有者可能已经填好。
		if m.Contains(loc) {
			return nil, nil
		}
		return nil, m.fill(ctx, loc, ttl, fetch)
	}); err != nil {
		return nil, err
	}

	// 等待者各自打开句柄，谁先 Close 都不影响其他人读取。
	res, ok := m.open(loc, false)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return res, nil
}

// open 尝试命中已有条目并打开独立的文件句柄。
// count 为 true 时计入命中与访问统计；过期条目就地删除并返回未命中。
func (m *Manager) open(loc Locator, count bool) (*ReadResult, bool) {
	key := loc.Key()
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	now := m.now()
	if e.expiredAt(now) {
		m.removeLocked(e)
		m.expired++
		m.mu.Unlock()
		return nil, false
	}
	var flush []Entry
	if count {
		e.LastAccessedAt = now
		e.AccessCount++
		m.hits++
		m.dirty[key] = e
		flush = m.drainDirtyLocked(false)
	}
	snapshot := *e
	m.mu.Unlock()

	if len(flush) > 0 {
		if err := m.index.TouchBatch(flush); err != nil {
			logrus.WithError(err).WithField("action", "cache_touch_flush").Warn("缓存访问统计回写失败")
		}
	}

	f, err := os.Open(snapshot.FilePath)
	if err != nil {
		// 磁盘文件被外部清掉，按未命中处理。
		m.mu.Lock()
		if cur, still := m.entries[key]; still {
			m.removeLocked(cur)
		}
		m.mu.Unlock()
		return nil, false
	}
	return &ReadResult{Entry: snapshot, Reader: f}, true
}

// fill 拉取上游并提交条目，调用方需持有该 key 的 singleflight 飞行权。
// 只负责落盘与登记，读取句柄由各个调用方自行打开。
func (m *Manager) fill(ctx context.Context, loc Locator, ttl time.Duration, fetch FetchFunc) error {
	dest := m.filePathFor(loc)
	size, err := fetch(ctx, dest)
	if err != nil {
		return err
	}
	if m.maxSize > 0 && size > m.maxSize {
		os.Remove(dest)
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrTooLarge, loc.Key(), size, m.maxSize)
	}

	now := m.now()
	e := &Entry{
		Locator:        loc,
		FilePath:       dest,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
		TTL:            ttl,
	}

	m.mu.Lock()
	if old, ok := m.entries[loc.Key()]; ok {
		m.total -= old.Size
		delete(m.dirty, loc.Key())
	}
	m.entries[loc.Key()] = e
	m.total += size
	victims := m.evictLocked(e)
	snapshot := *e
	m.mu.Unlock()

	for _, v := range victims {
		os.Remove(v.FilePath)
		if err := m.index.Delete(v.Locator.Key()); err != nil {
			logrus.WithError(err).WithField("action", "cache_evict").Warn("逐出条目索引删除失败")
		}
		logrus.WithFields(logrus.Fields{
			"action":    "cache_evict",
			"namespace": v.Locator.Namespace,
			"key":       v.Locator.Path,
			"size":      v.Size,
		}).Debug("缓存超限，逐出最久未访问条目")
	}
	if err := m.index.Upsert(snapshot); err != nil {
		logrus.WithError(err).WithField("action", "cache_insert").Warn("缓存索引写入失败")
	}
	return nil
}

// evictLocked 在总量超限时挑选牺牲者直到回到限额内。
// 牺牲顺序：最久未访问优先，访问时间相同则先逐出创建更早的。
// keep 指向刚插入的条目，不参与逐出。
func (m *Manager) evictLocked(keep *Entry) []Entry {
	if m.maxSize <= 0 {
		return nil
	}
	var victims []Entry
	for m.total > m.maxSize {
		var victim *Entry
		for _, e := range m.entries {
			if e == keep {
				continue
			}
			if victim == nil {
				victim = e
				continue
			}
			if e.LastAccessedAt.Before(victim.LastAccessedAt) ||
				(e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.CreatedAt.Before(victim.CreatedAt)) {
				victim = e
			}
		}
		if victim == nil {
			break
		}
		m.removeLocked(victim)
		m.evicted++
		victims = append(victims, *victim)
		if m.onEvict != nil {
			m.onEvict(*victim)
		}
	}
	return victims
}

// removeLocked 把条目从内存态摘除，磁盘与索引交由调用方处理。
func (m *Manager) removeLocked(e *Entry) {
	delete(m.entries, e.Locator.Key())
	delete(m.dirty, e.Locator.Key())
	m.total -= e.Size
}

// drainDirtyLocked 取走待回写的访问统计，force 为 false 时只在攒够一批后取。
func (m *Manager) drainDirtyLocked(force bool) []Entry {
	if !force && len(m.dirty) < touchFlushBatch {
		return nil
	}
	out := make([]Entry, 0, len(m.dirty))
	for _, e := range m.dirty {
		out = append(out, *e)
	}
	m.dirty = make(map[string]*Entry)
	return out
}

// Contains 报告条目当前是否在缓存中且未过期，不更新访问统计。
func (m *Manager) Contains(loc Locator) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[loc.Key()]
	if !ok {
		return false
	}
	return !e.expiredAt(m.now())
}

// Clean 删除匹配 pattern（按 key 子串，空串匹配全部）且早于 olderThan 的条目，
// olderThan 为 0 表示不按时间过滤。返回删除的条目数与字节数。
func (m *Manager) Clean(pattern string, olderThan time.Duration) (int, int64) {
	now := m.now()
	m.mu.Lock()
	var picked []Entry
	for _, e := range m.entries {
		if pattern != "" && !strings.Contains(e.Locator.Key(), pattern) {
			continue
		}
		if olderThan > 0 && now.Sub(e.CreatedAt) < olderThan {
			continue
		}
		picked = append(picked, *e)
	}
	for i := range picked {
		if cur, ok := m.entries[picked[i].Locator.Key()]; ok {
			m.removeLocked(cur)
		}
	}
	m.mu.Unlock()

	var bytes int64
	for _, e := range picked {
		os.Remove(e.FilePath)
		m.index.Delete(e.Locator.Key())
		bytes += e.Size
	}
	return len(picked), bytes
}

// Clear 清空整个缓存，返回清理前的条目数与字节数。
func (m *Manager) Clear() (int, int64) {
	m.mu.Lock()
	count := len(m.entries)
	bytes := m.total
	all := make([]Entry, 0, count)
	for _, e := range m.entries {
		all = append(all, *e)
	}
	m.entries = make(map[string]*Entry)
	m.dirty = make(map[string]*Entry)
	m.total = 0
	m.mu.Unlock()

	for _, e := range all {
		os.Remove(e.FilePath)
	}
	if err := m.index.Clear(); err != nil {
		logrus.WithError(err).WithField("action", "cache_clear").Warn("缓存索引清空失败")
	}
	return count, bytes
}

// Stats 返回当前统计快照。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := make(map[string]struct{})
	for _, e := range m.entries {
		ns[e.Locator.Namespace] = struct{}{}
	}
	s := Stats{
		Size:       m.total,
		MaxSize:    m.maxSize,
		Count:      len(m.entries),
		Hits:       m.hits,
		Misses:     m.misses,
		Expired:    m.expired,
		Evictions:  m.evicted,
		Namespaces: len(ns),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Entries 返回全部条目快照，按 key 排序，供文件列表接口使用。
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Locator.Key() < out[j].Locator.Key() })
	return out
}

// Close 把剩余的访问统计刷进索引并关闭它。
func (m *Manager) Close() error {
	m.mu.Lock()
	flush := m.drainDirtyLocked(true)
	m.mu.Unlock()
	if len(flush) > 0 {
		if err := m.index.TouchBatch(flush); err != nil {
			logrus.WithError(err).WithField("action", "cache_close").Warn("缓存访问统计回写失败")
		}
	}
	return m.index.Close()
}
