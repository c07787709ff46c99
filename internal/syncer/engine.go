package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/health"
	"github.com/mirror-hub/mirror-hub/internal/manifest"
)

// historyPerSource 限定每个源保留的任务历史条数。
const historyPerSource = 50

// ErrAlreadyRunning 表示该源已有同步任务在跑，快速失败不排队。
var ErrAlreadyRunning = errors.New("sync already running for this source")

// Engine 对单个源执行一轮同步：列表、对账、并发拉取、维护清单。
type Engine struct {
	global config.GlobalConfig
	health *health.Monitor

	mu       sync.Mutex
	running  map[string]*progressState
	history  map[string][]*Task
}

// New 构造同步引擎，mon 可为 nil。
func New(global config.GlobalConfig, mon *health.Monitor) *Engine {
	return &Engine{
		global:  global,
		health:  mon,
		running: make(map[string]*progressState),
		history: make(map[string][]*Task),
	}
}

type progressState struct {
	taskID    string
	source    string
	startedAt time.Time
	total     int64
	done      int64
	failed    int64
	bytes     int64
	current   atomic.Value
}

// tryLock 获取源的独占执行权，已被占用时返回 false。
func (e *Engine) tryLock(src string, ps *progressState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[src]; busy {
		return false
	}
	e.running[src] = ps
	return true
}

func (e *Engine) unlock(src string) {
	e.mu.Lock()
	delete(e.running, src)
	e.mu.Unlock()
}

// Run 对 src 执行一轮同步，同一源并发调用时后来者立即返回 ErrAlreadyRunning。
// 取消在拉取单元之间检查, 在途传输由适配器随 ctx 中止,
// 已成功条目的清单更新不回滚。
func (e *Engine) Run(ctx context.Context, src config.SourceConfig, ad adapter.Adapter) (*Task, error) {
	task := &Task{
		ID:        uuid.NewString()[:8],
		Source:    src.Name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	ps := &progressState{taskID: task.ID, source: src.Name, startedAt: task.StartedAt}
	ps.current.Store("")
	if !e.tryLock(src.Name, ps) {
		return nil, ErrAlreadyRunning
	}
	defer e.unlock(src.Name)
	defer e.record(task)

	log := logrus.WithFields(logrus.Fields{
		"action":      "sync_run",
		"source":      src.Name,
		"source_type": src.Type,
		"task_id":     task.ID,
	})
	log.Info("同步任务开始")

	man, err := manifest.Load(src.Target)
	if err != nil {
		return e.fail(task, log, fmt.Errorf("load manifest: %w", err))
	}

	listStart := time.Now()
	remote, err := ad.List(ctx)
	if err != nil {
		// 列表失败中止整轮, 并把结果上报健康监控。
		if e.health != nil {
			e.health.Record(src.Name, time.Since(listStart), err)
		}
		return e.fail(task, log, fmt.Errorf("list remote entries: %w", err))
	}
	if e.health != nil {
		e.health.Record(src.Name, time.Since(listStart), nil)
	}

	p := buildPlan(remote, man)
	task.Unchanged = p.unchanged
	atomic.StoreInt64(&ps.total, int64(p.fetchCount()))

	var manMu sync.Mutex // 序列化清单与任务计数的写入
	workers := e.global.SyncWorkers
	if workers <= 0 {
		workers = 4
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, batch := range []struct {
		entries []adapter.RemoteEntry
		isNew   bool
	}{{p.added, true}, {p.changed, false}} {
		for i := range batch.entries {
			if ctx.Err() != nil {
				break
			}
			entry := batch.entries[i]
			isNew := batch.isNew
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				e.fetchOne(ctx, src, ad, entry, isNew, man, &manMu, task, ps)
				return nil
			})
		}
	}
	g.Wait()

	if src.MirrorDelete && ctx.Err() == nil {
		e.deleteOrphans(src, p.orphans, man, &manMu, task, log)
	}
	manMu.Lock()
	if err := man.Save(src.Target); err != nil {
		log.WithError(err).Warn("清单落盘失败")
	}
	manMu.Unlock()

	task.FinishedAt = time.Now()
	task.Bytes = atomic.LoadInt64(&ps.bytes)
	if ctx.Err() != nil {
		task.Status = StatusCancelled
	} else {
		task.Status = StatusCompleted
	}
	log.WithFields(logrus.Fields{
		"status":    task.Status,
		"added":     task.Added,
		"updated":   task.Updated,
		"deleted":   task.Deleted,
		"unchanged": task.Unchanged,
		"failed":    task.Failed,
		"bytes":     task.Bytes,
		"duration":  task.Duration().String(),
	}).Info("同步任务结束")
	return task, nil
}

func (e *Engine) fail(task *Task, log *logrus.Entry, err error) (*Task, error) {
	task.Status = StatusFailed
	task.Error = err.Error()
	task.FinishedAt = time.Now()
	log.WithError(err).Error("同步任务失败")
	return task, err
}

// fetchOne 拉取单个条目，瞬时失败按配置退避重试，
// 成功后立即持久化该条目的清单记录。
func (e *Engine) fetchOne(ctx context.Context, src config.SourceConfig, ad adapter.Adapter,
	entry adapter.RemoteEntry, isNew bool, man *manifest.Set, manMu *sync.Mutex,
	task *Task, ps *progressState) {

	ps.current.Store(entry.Path)
	dest := filepath.Join(src.Target, filepath.FromSlash(entry.Path))

	bo := backoff.NewExponentialBackOff()
	if d := e.global.InitialBackoff.DurationValue(); d > 0 {
		bo.InitialInterval = d
	}
	retries := e.global.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	var n int64
	op := func() error {
		// 单次抓取受 FetchTimeout 约束, 超时只废掉这一次尝试,
		// 不影响任务级取消的判定。
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if d := e.global.FetchTimeout.DurationValue(); d > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d)
		}
		var err error
		n, err = ad.Fetch(attemptCtx, entry, dest)
		cancel()
		if err != nil && !adapter.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))

	if err != nil {
		if ctx.Err() != nil {
			// 协同取消不算条目失败, 任务以 cancelled 收尾。
			return
		}
		if perm := new(backoff.PermanentError); errors.As(err, &perm) {
			err = perm.Err
		}
		class := adapter.Classify(err)
		manMu.Lock()
		if class == adapter.ClassNotFound {
			// 远端条目在列表与拉取之间消失, 跳过不算失败。
			task.Skipped++
		} else {
			task.Failed++
			task.Failures = append(task.Failures, Failure{
				Path:   entry.Path,
				Class:  string(class),
				Reason: err.Error(),
			})
		}
		manMu.Unlock()
		atomic.AddInt64(&ps.failed, 1)
		logrus.WithFields(logrus.Fields{
			"action":  "sync_fetch",
			"source":  src.Name,
			"task_id": task.ID,
			"path":    entry.Path,
			"class":   string(class),
		}).WithError(err).Warn("条目拉取失败")
		return
	}

	hash := entry.Hash
	if hash == "" {
		if h, herr := manifest.HashFile(dest); herr == nil {
			hash = h
		}
	}
	manMu.Lock()
	man.Put(manifest.Entry{
		Path:         entry.Path,
		Size:         n,
		ModTime:      entry.ModTime,
		Hash:         hash,
		LastSyncedAt: time.Now(),
	})
	if err := man.Save(src.Target); err != nil {
		logrus.WithError(err).WithField("action", "sync_manifest").Warn("清单落盘失败")
	}
	if isNew {
		task.Added++
	} else {
		task.Updated++
	}
	manMu.Unlock()
	atomic.AddInt64(&ps.done, 1)
	atomic.AddInt64(&ps.bytes, n)
}

// deleteOrphans 删除远端已不存在的本地条目，仅在镜像删除显式开启时执行。
func (e *Engine) deleteOrphans(src config.SourceConfig, orphans []string,
	man *manifest.Set, manMu *sync.Mutex, task *Task, log *logrus.Entry) {

	for _, path := range orphans {
		full := filepath.Join(src.Target, filepath.FromSlash(path))
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", path).Warn("孤儿文件删除失败")
			continue
		}
		manMu.Lock()
		man.Delete(path)
		task.Deleted++
		manMu.Unlock()
	}
}

// record 把任务归档进该源的历史环。
func (e *Engine) record(task *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[task.Source], task)
	if len(h) > historyPerSource {
		h = h[len(h)-historyPerSource:]
	}
	e.history[task.Source] = h
}

// History 返回某个源最近的任务记录，新的在前。
func (e *Engine) History(source string) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[source]
	out := make([]Task, len(h))
	for i, t := range h {
		out[len(h)-1-i] = *t
	}
	return out
}

// LastTask 返回某个源最近一次任务。
func (e *Engine) LastTask(source string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[source]
	if len(h) == 0 {
		return Task{}, false
	}
	return *h[len(h)-1], true
}

// ProgressOf 返回运行中任务的进度快照，源空闲时返回 false。
func (e *Engine) ProgressOf(source string) (Progress, bool) {
	e.mu.Lock()
	ps, ok := e.running[source]
	e.mu.Unlock()
	if !ok {
		return Progress{}, false
	}

	done := atomic.LoadInt64(&ps.done)
	failed := atomic.LoadInt64(&ps.failed)
	total := atomic.LoadInt64(&ps.total)
	bytes := atomic.LoadInt64(&ps.bytes)
	elapsed := time.Since(ps.startedAt)

	p := Progress{
		TaskID:  ps.taskID,
		Source:  ps.source,
		Total:   int(total),
		Done:    int(done),
		Failed:  int(failed),
		Bytes:   bytes,
		Elapsed: elapsed,
	}
	if cur, ok := ps.current.Load().(string); ok {
		p.CurrentFile = cur
	}
	if sec := elapsed.Seconds(); sec > 0 {
		p.Throughput = float64(bytes) / sec
	}
	if finished := done + failed; finished > 0 && total > finished {
		p.ETA = time.Duration(float64(elapsed) / float64(finished) * float64(total-finished))
	}
	return p, true
}

// Running 报告某个源当前是否有任务在执行。
func (e *Engine) Running(source string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[source]
	return ok
}
