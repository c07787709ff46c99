package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/health"
	"github.com/mirror-hub/mirror-hub/internal/metrics"
	"github.com/mirror-hub/mirror-hub/internal/syncer"
)

// 源状态机。
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// tickInterval 是调度评估的粒度。
const tickInterval = 10 * time.Second

var (
	ErrSourceExists   = errors.New("source already exists")
	ErrSourceNotFound = errors.New("source not found")
	ErrSourceBusy     = errors.New("source is not idle")
)

// Totals 是单个源跨任务的累计统计。
type Totals struct {
	Runs   int64 `json:"runs"`
	Synced int64 `json:"synced"`
	Failed int64 `json:"failed"`
	Bytes  int64 `json:"bytes"`
}

// SourceStatus 是管理接口看到的源状态快照。
type SourceStatus struct {
	Name      string           `json:"name"`
	Type      string           `json:"type"`
	Enabled   bool             `json:"enabled"`
	AutoSync  bool             `json:"auto_sync"`
	Schedule  string           `json:"schedule,omitempty"`
	State     string           `json:"state"`
	LastSync  time.Time        `json:"last_sync,omitempty"`
	NextRun   time.Time        `json:"next_run,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	Totals    Totals           `json:"totals"`
	Progress  *syncer.Progress `json:"progress,omitempty"`
}

// sourceEntry 用自己的细粒度锁保护, 注册表锁只管 map 本身,
// 源多起来时互不拖累。
type sourceEntry struct {
	mu        sync.Mutex
	src       config.SourceConfig
	state     string
	lastSync  time.Time
	nextRun   time.Time
	lastError string
	totals    Totals
	stop      context.CancelFunc
}

// Scheduler 管理全部源的状态机与定时触发，驱动同步引擎。
type Scheduler struct {
	global config.GlobalConfig
	engine *syncer.Engine
	mon    *health.Monitor
	client *http.Client
	sem    *semaphore.Weighted
	now    func() time.Time

	collector *metrics.Collector

	mu      sync.Mutex
	sources map[string]*sourceEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 构造调度器。mon 可为 nil，client 供 HTTP 族适配器复用。
func New(global config.GlobalConfig, engine *syncer.Engine, mon *health.Monitor, client *http.Client) *Scheduler {
	limit := int64(global.MaxConcurrentSyncs)
	if limit <= 0 {
		limit = 2
	}
	return &Scheduler{
		global:  global,
		engine:  engine,
		mon:     mon,
		client:  client,
		sem:     semaphore.NewWeighted(limit),
		now:     time.Now,
		sources: make(map[string]*sourceEntry),
	}
}

// SetCollector 注入指标收集器，nil 表示不上报。
func (s *Scheduler) SetCollector(c *metrics.Collector) {
	s.collector = c
}

// AddSource 注册一个新源，配置非法或名字冲突时拒绝。
func (s *Scheduler) AddSource(src config.SourceConfig) error {
	if err := config.ValidateSource(src); err != nil {
		return err
	}
	if src.Schedule != "" {
		if err := ValidSchedule(src.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.Name]; ok {
		return fmt.Errorf("%w: %s", ErrSourceExists, src.Name)
	}
	entry := &sourceEntry{src: src, state: StateIdle}
	s.scheduleNext(entry)
	s.sources[src.Name] = entry
	if s.mon != nil {
		s.mon.Register(src)
	}
	logrus.WithFields(logrus.Fields{
		"action":      "scheduler_add_source",
		"source":      src.Name,
		"source_type": src.Type,
	}).Info("同步源已注册")
	return nil
}

// UpdateSource 替换已有源的配置，仅在空闲时允许。
func (s *Scheduler) UpdateSource(src config.SourceConfig) error {
	if err := config.ValidateSource(src); err != nil {
		return err
	}
	if src.Schedule != "" {
		if err := ValidSchedule(src.Schedule); err != nil {
			return err
		}
	}
	entry, err := s.lookup(src.Name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state == StateRunning || entry.state == StateStopping {
		return fmt.Errorf("%w: %s", ErrSourceBusy, src.Name)
	}
	entry.src = src
	entry.state = StateIdle
	entry.lastError = ""
	s.scheduleNext(entry)
	if s.mon != nil {
		s.mon.Register(src)
	}
	return nil
}

// RemoveSource 注销一个源，仅在空闲时允许。
func (s *Scheduler) RemoveSource(name string) error {
	entry, err := s.lookup(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	busy := entry.state == StateRunning || entry.state == StateStopping
	entry.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrSourceBusy, name)
	}
	s.mu.Lock()
	delete(s.sources, name)
	s.mu.Unlock()
	if s.mon != nil {
		s.mon.Unregister(name)
	}
	logrus.WithFields(logrus.Fields{
		"action": "scheduler_remove_source",
		"source": name,
	}).Info("同步源已注销")
	return nil
}

func (s *Scheduler) lookup(name string) (*sourceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	return entry, nil
}

// scheduleNext 计算条目的下一次自动触发时间，调用方保证条目未被并发访问。
func (s *Scheduler) scheduleNext(entry *sourceEntry) {
	entry.nextRun = time.Time{}
	if !entry.src.AutoSync || entry.src.Schedule == "" {
		return
	}
	if next, err := NextRun(s.now(), entry.src.Schedule); err == nil {
		entry.nextRun = next
	}
}

// Start 启动定时评估循环。
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evaluate(ctx)
			}
		}
	}()
	logrus.WithField("action", "scheduler_start").Info("同步调度器已启动")
}

// Shutdown 停止评估循环，取消在途任务并等待全部退出。
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.StopAll()
	s.wg.Wait()
}

// evaluate 跑一轮调度：到点且空闲的自动同步源被触发。
func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.now()
	for _, entry := range s.entries() {
		entry.mu.Lock()
		due := entry.src.Enabled && entry.src.AutoSync &&
			!entry.nextRun.IsZero() && !now.Before(entry.nextRun) &&
			(entry.state == StateIdle || entry.state == StateError)
		if due {
			entry.state = StateRunning
			if next, err := NextRun(now, entry.src.Schedule); err == nil {
				entry.nextRun = next
			}
		}
		entry.mu.Unlock()
		if due {
			s.launch(ctx, entry)
		}
	}
}

func (s *Scheduler) entries() []*sourceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sourceEntry, 0, len(s.sources))
	for _, entry := range s.sources {
		out = append(out, entry)
	}
	return out
}

// StartSync 手工触发一次同步。
func (s *Scheduler) StartSync(ctx context.Context, name string) error {
	entry, err := s.lookup(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if !entry.src.Enabled {
		entry.mu.Unlock()
		return fmt.Errorf("source %s is disabled", name)
	}
	if entry.state == StateRunning || entry.state == StateStopping {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s", syncer.ErrAlreadyRunning, name)
	}
	entry.state = StateRunning
	entry.mu.Unlock()
	s.launch(ctx, entry)
	return nil
}

// StartAll 触发全部启用源，返回实际触发的数量。
func (s *Scheduler) StartAll(ctx context.Context) int {
	n := 0
	for _, entry := range s.entries() {
		entry.mu.Lock()
		name := entry.src.Name
		entry.mu.Unlock()
		if err := s.StartSync(ctx, name); err == nil {
			n++
		}
	}
	return n
}

// StopSync 请求停止某个源的在途任务，协同取消而非强杀。
func (s *Scheduler) StopSync(name string) error {
	entry, err := s.lookup(name)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state != StateRunning || entry.stop == nil {
		return nil
	}
	entry.state = StateStopping
	entry.stop()
	logrus.WithFields(logrus.Fields{
		"action": "scheduler_stop",
		"source": name,
	}).Info("已请求停止同步")
	return nil
}

// StopAll 请求停止全部在途任务。
func (s *Scheduler) StopAll() {
	for _, entry := range s.entries() {
		entry.mu.Lock()
		name := entry.src.Name
		entry.mu.Unlock()
		s.StopSync(name)
	}
}

// launch 在后台执行一轮同步，调用方已把状态置为 running。
func (s *Scheduler) launch(ctx context.Context, entry *sourceEntry) {
	runCtx, cancel := context.WithCancel(ctx)
	entry.mu.Lock()
	entry.stop = cancel
	src := entry.src
	entry.mu.Unlock()

	// 故障转移: 健康监控说主地址不可用时改用备用地址。
	if s.mon != nil && src.URL != "" {
		if url, failover := s.mon.ActiveURL(src.Name); failover {
			logrus.WithFields(logrus.Fields{
				"action":   "scheduler_failover",
				"source":   src.Name,
				"fallback": url,
			}).Warn("使用备用地址执行同步")
			src.URL = url
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runOnce(runCtx, entry, src)
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, entry *sourceEntry, src config.SourceConfig) {
	finish := func(state, lastError string, task *syncer.Task) {
		entry.mu.Lock()
		entry.state = state
		entry.lastError = lastError
		entry.stop = nil
		if task != nil {
			entry.lastSync = s.now()
			entry.totals.Runs++
			entry.totals.Synced += int64(task.Synced())
			entry.totals.Failed += int64(task.Failed)
			entry.totals.Bytes += task.Bytes
		}
		entry.mu.Unlock()

		if s.collector != nil && task != nil {
			outcome := "completed"
			if lastError != "" {
				outcome = "failed"
			}
			s.collector.SyncRuns.WithLabelValues(src.Name, outcome).Inc()
			s.collector.SyncBytes.WithLabelValues(src.Name).Add(float64(task.Bytes))
			if task.Failed > 0 {
				s.collector.SyncFailures.WithLabelValues(src.Name).Add(float64(task.Failed))
			}
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		finish(StateIdle, "", nil)
		return
	}
	defer s.sem.Release(1)

	ad, err := adapter.New(src, s.client, adapter.Options{
		ConnectTimeout: s.global.ConnectTimeout.DurationValue(),
	})
	if err != nil {
		finish(StateError, err.Error(), nil)
		return
	}
	task, err := s.engine.Run(ctx, src, ad)
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		finish(StateIdle, "", nil)
	case err != nil:
		finish(StateError, err.Error(), task)
	default:
		finish(StateIdle, "", task)
	}
}

// Status 返回单个源的状态快照。
func (s *Scheduler) Status(name string) (SourceStatus, error) {
	entry, err := s.lookup(name)
	if err != nil {
		return SourceStatus{}, err
	}
	return s.snapshot(entry), nil
}

// StatusAll 返回全部源的状态快照。
func (s *Scheduler) StatusAll() []SourceStatus {
	entries := s.entries()
	out := make([]SourceStatus, 0, len(entries))
	for _, entry := range entries {
		out = append(out, s.snapshot(entry))
	}
	return out
}

func (s *Scheduler) snapshot(entry *sourceEntry) SourceStatus {
	entry.mu.Lock()
	st := SourceStatus{
		Name:      entry.src.Name,
		Type:      entry.src.Type,
		Enabled:   entry.src.Enabled,
		AutoSync:  entry.src.AutoSync,
		Schedule:  entry.src.Schedule,
		State:     entry.state,
		LastSync:  entry.lastSync,
		NextRun:   entry.nextRun,
		LastError: entry.lastError,
		Totals:    entry.totals,
	}
	name := entry.src.Name
	entry.mu.Unlock()
	if p, running := s.engine.ProgressOf(name); running {
		st.Progress = &p
	}
	return st
}
