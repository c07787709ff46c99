package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/metrics"
)

// Status 是探测结论的三级分类。
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Options 汇总滚动窗口与阈值参数。
type Options struct {
	Interval         time.Duration
	Window           int
	HighThreshold    float64
	LowThreshold     float64
	FailureThreshold int
	RecoveryChecks   int
}

// Snapshot 是某个源的健康状态快照。
type Snapshot struct {
	Name                string        `json:"name"`
	Status              Status        `json:"status"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastProbeAt         time.Time     `json:"last_probe_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	LastErrorAt         time.Time     `json:"last_error_at,omitempty"`
	FailoverActive      bool          `json:"failover_active"`
	Fallback            string        `json:"fallback,omitempty"`
}

type sample struct {
	latency time.Duration
	ok      bool
}

type sourceState struct {
	src      config.SourceConfig
	window   []sample
	status   Status
	failures int
	recovery int
	failover bool

	lastProbeAt time.Time
	lastLatency time.Duration
	lastError   string
	lastErrorAt time.Time
}

// Monitor 周期性探测各个源并维护其健康状态与故障转移决策。
type Monitor struct {
	opts   Options
	probe  ProbeFunc
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	collector *metrics.Collector

	mu      sync.Mutex
	sources map[string]*sourceState
}

// New 构造 Monitor，probe 为 nil 时使用按协议选择的默认探测器。
func New(opts Options, probe ProbeFunc) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 20
	}
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = 0.9
	}
	if opts.LowThreshold <= 0 {
		opts.LowThreshold = 0.5
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.RecoveryChecks <= 0 {
		opts.RecoveryChecks = 3
	}
	if probe == nil {
		probe = DefaultProbe
	}
	return &Monitor{
		opts:    opts,
		probe:   probe,
		now:     time.Now,
		sources: make(map[string]*sourceState),
	}
}

// Register 纳入一个源，重复注册会重置其窗口。
func (m *Monitor) Register(src config.SourceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.Name] = &sourceState{src: src, status: StatusUnknown}
	if m.collector != nil {
		m.collector.ObserveHealth(src.Name, string(StatusUnknown))
	}
}

// Unregister 移除一个源。
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
	if m.collector != nil {
		m.collector.HealthStatus.DeleteLabelValues(name)
	}
}

// SetCollector 注入指标收集器，nil 表示不上报。
func (m *Monitor) SetCollector(c *metrics.Collector) {
	m.collector = c
}

// Start 启动探测循环，Interval 为 0 时不启动。
func (m *Monitor) Start(ctx context.Context) {
	if m.opts.Interval <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop 停止探测循环并等待退出。
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// CheckNow 对全部已注册源并发跑一轮探测。
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.Lock()
	targets := make([]config.SourceConfig, 0, len(m.sources))
	for _, st := range m.sources {
		targets = append(targets, st.src)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, src := range targets {
		wg.Add(1)
		go func(src config.SourceConfig) {
			defer wg.Done()
			start := m.now()
			err := m.probe(ctx, src)
			m.Record(src.Name, m.now().Sub(start), err)
		}(src)
	}
	wg.Wait()
}

// Record 记入一次探测结果并重新分类。
// 同步引擎在 list() 失败时也通过它上报, 探测之外的失败同样计入窗口。
func (m *Monitor) Record(name string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[name]
	if !ok {
		return
	}
	now := m.now()
	st.lastProbeAt = now
	st.lastLatency = latency
	st.window = append(st.window, sample{latency: latency, ok: err == nil})
	if len(st.window) > m.opts.Window {
		st.window = st.window[len(st.window)-m.opts.Window:]
	}
	if err != nil {
		st.failures++
		st.recovery = 0
		st.lastError = err.Error()
		st.lastErrorAt = now
	} else {
		st.failures = 0
	}
	m.reclassifyLocked(st)
}

// reclassifyLocked 按成功率与连续失败数推导状态，含恢复迟滞。
func (m *Monitor) reclassifyLocked(st *sourceState) {
	rate := successRate(st.window)
	prev := st.status
	defer func() {
		if m.collector != nil {
			m.collector.ObserveHealth(st.src.Name, string(st.status))
		}
	}()

	switch {
	// 成功率判据只在窗口攒满后生效, 冷启动期靠连续失败数兜底,
	// 避免头几条样本把状态打翻。
	case st.failures >= m.opts.FailureThreshold ||
		(len(st.window) >= m.opts.Window && rate < m.opts.LowThreshold):
		st.status = StatusUnhealthy
		st.recovery = 0
		if st.src.Fallback != "" && !st.failover {
			st.failover = true
			logrus.WithFields(logrus.Fields{
				"action":   "health_failover",
				"source":   st.src.Name,
				"fallback": st.src.Fallback,
			}).Warn("源不健康, 切换到备用地址")
		}
	case rate >= m.opts.HighThreshold:
		if prev == StatusUnhealthy {
			// 不健康状态只有连续达标 RecoveryChecks 轮才能翻回。
			st.recovery++
			if st.recovery < m.opts.RecoveryChecks {
				return
			}
		}
		st.status = StatusHealthy
		st.recovery = 0
		if st.failover {
			st.failover = false
			logrus.WithFields(logrus.Fields{
				"action": "health_recover",
				"source": st.src.Name,
			}).Info("源已恢复, 切回主地址")
		}
	default:
		if prev == StatusUnhealthy {
			// 中间地带不算恢复, 维持不健康。
			st.recovery = 0
			return
		}
		st.status = StatusDegraded
	}

	if st.status != prev {
		logrus.WithFields(logrus.Fields{
			"action": "health_transition",
			"source": st.src.Name,
			"from":   string(prev),
			"to":     string(st.status),
			"rate":   rate,
		}).Info("源健康状态变化")
	}
}

func successRate(window []sample) float64 {
	if len(window) == 0 {
		return 1
	}
	ok := 0
	for _, s := range window {
		if s.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}

func avgLatency(window []sample) time.Duration {
	if len(window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range window {
		sum += s.latency
	}
	return sum / time.Duration(len(window))
}

// StatusOf 返回指定源的快照。
func (m *Monitor) StatusOf(name string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[name]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(st), true
}

// All 返回全部源的快照。
func (m *Monitor) All() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sources))
	for _, st := range m.sources {
		out = append(out, m.snapshotLocked(st))
	}
	return out
}

func (m *Monitor) snapshotLocked(st *sourceState) Snapshot {
	return Snapshot{
		Name:                st.src.Name,
		Status:              st.status,
		SuccessRate:         successRate(st.window),
		AvgLatency:          avgLatency(st.window),
		ConsecutiveFailures: st.failures,
		LastProbeAt:         st.lastProbeAt,
		LastError:           st.lastError,
		LastErrorAt:         st.lastErrorAt,
		FailoverActive:      st.failover,
		Fallback:            st.src.Fallback,
	}
}

// ActiveURL 返回该源当前应使用的地址：故障转移生效时为备用地址。
func (m *Monitor) ActiveURL(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[name]
	if !ok {
		return "", false
	}
	if st.failover && st.src.Fallback != "" {
		return st.src.Fallback, true
	}
	return st.src.URL, false
}

// TriggerFailover 手工切换到备用地址，无备用地址时返回 false。
func (m *Monitor) TriggerFailover(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[name]
	if !ok || st.src.Fallback == "" {
		return false
	}
	st.failover = true
	st.status = StatusUnhealthy
	st.recovery = 0
	logrus.WithFields(logrus.Fields{
		"action": "health_failover_manual",
		"source": name,
	}).Warn("手工触发故障转移")
	return true
}
