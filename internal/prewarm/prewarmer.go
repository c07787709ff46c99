package prewarm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/mirror-hub/mirror-hub/internal/cache"
	"github.com/mirror-hub/mirror-hub/internal/metrics"
)

// recentMissWindow 限定参与热度统计的近期未命中键数量。
const recentMissWindow = 4096

const maxAttempts = 3

// WarmFunc 把一个条目拉进缓存，返回字节数。
// 实现方应复用缓存的合并回源路径, 预热与在线请求不会重复拉取。
type WarmFunc func(ctx context.Context, loc cache.Locator) (int64, error)

// Stats 是预热子系统的计数快照。
type Stats struct {
	Queued   int   `json:"queued"`
	Enqueued int64 `json:"enqueued"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
	Workers  int   `json:"workers"`
}

// Prewarmer 维护预热优先级队列与后台工作组。
type Prewarmer struct {
	warm        WarmFunc
	cached      func(cache.Locator) bool
	workers     int
	historySize int
	scanEvery   time.Duration
	topN        int
	collector   *metrics.Collector

	mu       sync.Mutex
	q        *queue
	history  []Item
	enqueued int64
	done     int64
	failed   int64
	skipped  int64

	missMu sync.Mutex
	recent *lru.Cache[string, *missStat]
	notify chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type missStat struct {
	loc   cache.Locator
	count int
}

// Options 控制工作组规模与热度扫描行为。
type Options struct {
	Workers      int
	HistorySize  int
	ScanInterval time.Duration
	TopN         int
}

// New 构造 Prewarmer。cached 用于跳过已在缓存中的条目，可为 nil。
func New(warm WarmFunc, cached func(cache.Locator) bool, opts Options) *Prewarmer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if opts.TopN <= 0 {
		opts.TopN = 20
	}
	recent, _ := lru.New[string, *missStat](recentMissWindow)
	return &Prewarmer{
		warm:        warm,
		cached:      cached,
		workers:     opts.Workers,
		historySize: opts.HistorySize,
		scanEvery:   opts.ScanInterval,
		topN:        opts.TopN,
		q:           newQueue(),
		recent:      recent,
		notify:      make(chan struct{}, 1),
	}
}

// SetCollector 注入指标收集器，nil 表示不上报。
func (p *Prewarmer) SetCollector(c *metrics.Collector) {
	p.collector = c
}

// Start 启动工作组与热度扫描，重复调用无效果。
func (p *Prewarmer) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.scanEvery > 0 {
		p.wg.Add(1)
		go p.scanLoop(ctx)
	}
	logrus.WithFields(logrus.Fields{
		"action":  "prewarm_start",
		"workers": p.workers,
	}).Info("缓存预热工作组已启动")
}

// Stop 取消全部在途预热并等待工作组退出。
func (p *Prewarmer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Enqueue 按优先级入队一个预热条目。
// 同一条目已在待处理集合或已在缓存中时跳过并返回 false。
func (p *Prewarmer) Enqueue(loc cache.Locator, priority int) bool {
	if p.cached != nil && p.cached(loc) {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		return false
	}
	it := &Item{
		ID:       uuid.NewString()[:8],
		Locator:  loc,
		Priority: priority,
		Status:   StatusQueued,
		AddedAt:  time.Now(),
	}
	p.mu.Lock()
	ok := p.q.push(it)
	if ok {
		p.enqueued++
	}
	p.mu.Unlock()
	if ok {
		p.wake()
	}
	return ok
}

// EnqueuePopular 把某类上游的热门条目批量入队，limit<=0 表示全部。
func (p *Prewarmer) EnqueuePopular(namespace, kind string, limit int, priority int) int {
	items := PopularItems(kind)
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	added := 0
	for _, name := range items {
		if p.Enqueue(cache.Locator{Namespace: namespace, Path: popularPath(kind, name)}, priority) {
			added++
		}
	}
	return added
}

// RecordMiss 记录一次缓存未命中，供热度扫描统计。
// 通常挂在 cache.Manager 的未命中回调上。
func (p *Prewarmer) RecordMiss(loc cache.Locator) {
	key := loc.Key()
	p.missMu.Lock()
	defer p.missMu.Unlock()
	if st, ok := p.recent.Get(key); ok {
		st.count++
		return
	}
	p.recent.Add(key, &missStat{loc: loc, count: 1})
}

// Stats 返回计数快照。
func (p *Prewarmer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:   p.q.depth(),
		Enqueued: p.enqueued,
		Done:     p.done,
		Failed:   p.failed,
		Skipped:  p.skipped,
		Workers:  p.workers,
	}
}

// History 返回最近的终态记录，新的在前。
func (p *Prewarmer) History() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Item, len(p.history))
	for i, it := range p.history {
		out[len(p.history)-1-i] = it
	}
	return out
}

// Clear 丢弃全部待取条目并清空历史，返回丢弃数量。
func (p *Prewarmer) Clear() int {
	p.mu.Lock()
	dropped := p.q.clear()
	p.history = nil
	p.mu.Unlock()
	return len(dropped)
}

func (p *Prewarmer) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Prewarmer) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		it := p.q.pop()
		p.mu.Unlock()
		if it == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		p.process(ctx, it)
		// 队列里可能还有存货, 叫醒下一个等待者。
		p.wake()
	}
}

// process 执行一个条目直到终态，瞬时失败在 maxAttempts 内重试。
func (p *Prewarmer) process(ctx context.Context, it *Item) {
	if p.cached != nil && p.cached(it.Locator) {
		p.finish(it, StatusSkipped, 0, nil)
		return
	}
	it.Status = StatusFetching
	start := time.Now()
	var size int64
	var err error
	for it.Attempts < maxAttempts {
		it.Attempts++
		size, err = p.warm(ctx, it.Locator)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		p.finish(it, StatusFailed, time.Since(start), ctx.Err())
		return
	}
	if err != nil {
		p.finish(it, StatusFailed, time.Since(start), err)
		return
	}
	it.Size = size
	p.finish(it, StatusDone, time.Since(start), nil)
}

func (p *Prewarmer) finish(it *Item, status string, dur time.Duration, err error) {
	it.Status = status
	it.CompletedAt = time.Now()
	it.Duration = dur
	if err != nil {
		it.Error = err.Error()
	}

	p.mu.Lock()
	p.q.settle(it)
	switch status {
	case StatusDone:
		p.done++
	case StatusFailed:
		p.failed++
	case StatusSkipped:
		p.skipped++
	}
	p.history = append(p.history, *it)
	if len(p.history) > p.historySize {
		p.history = p.history[len(p.history)-p.historySize:]
	}
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.PrewarmOutcomes.WithLabelValues(status).Inc()
	}

	entry := logrus.WithFields(logrus.Fields{
		"action":    "prewarm_item",
		"namespace": it.Locator.Namespace,
		"key":       it.Locator.Path,
		"status":    status,
		"attempts":  it.Attempts,
	})
	if err != nil {
		entry.WithError(err).Warn("预热条目失败")
	} else {
		entry.Debug("预热条目完成")
	}
}

func (p *Prewarmer) scanLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ScanPopular()
		}
	}
}

// ScanPopular 把近期未命中次数最高的前 N 个条目以高优先级入队。
func (p *Prewarmer) ScanPopular() int {
	p.missMu.Lock()
	stats := make([]*missStat, 0, p.recent.Len())
	for _, key := range p.recent.Keys() {
		if st, ok := p.recent.Peek(key); ok {
			stats = append(stats, &missStat{loc: st.loc, count: st.count})
		}
	}
	p.missMu.Unlock()
	// 只要前 N 个, 简单选择即可。
	added := 0
	for n := 0; n < p.topN && len(stats) > 0; n++ {
		best := 0
		for i := 1; i < len(stats); i++ {
			if stats[i].count > stats[best].count {
				best = i
			}
		}
		st := stats[best]
		stats = append(stats[:best], stats[best+1:]...)
		if st.count < 2 {
			break
		}
		if p.Enqueue(st.loc, PriorityHigh) {
			added++
		}
	}
	if added > 0 {
		logrus.WithFields(logrus.Fields{
			"action": "prewarm_popular_scan",
			"added":  added,
		}).Info("热度扫描已入队热点条目")
	}
	return added
}
