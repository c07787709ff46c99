package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/manifest"
)

// fakeAdapter 在内存里模拟一个远端源。
type fakeAdapter struct {
	entries []adapter.RemoteEntry
	listErr error
	fetchFn func(entry adapter.RemoteEntry) error
	fetches int32
}

func (f *fakeAdapter) List(ctx context.Context) ([]adapter.RemoteEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, entry adapter.RemoteEntry, dest string) (int64, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.fetchFn != nil {
		if err := f.fetchFn(entry); err != nil {
			return 0, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	content := strings.Repeat("x", int(entry.Size))
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return entry.Size, nil
}

func testGlobal() config.GlobalConfig {
	return config.GlobalConfig{
		SyncWorkers:    4,
		MaxRetries:     3,
		InitialBackoff: config.Duration(time.Millisecond),
	}
}

func testSource(t *testing.T) config.SourceConfig {
	t.Helper()
	return config.SourceConfig{
		Name:   "test-source",
		Type:   "http",
		URL:    "http://mirror.example.com",
		Target: t.TempDir(),
	}
}

func remoteEntries(n int) []adapter.RemoteEntry {
	out := make([]adapter.RemoteEntry, n)
	mod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = adapter.RemoteEntry{
			Path:    fmt.Sprintf("pool/file-%03d.pkg", i),
			Size:    int64(10 + i%7),
			ModTime: mod,
		}
	}
	return out
}

func TestRunSyncsAllNewEntries(t *testing.T) {
	src := testSource(t)
	fa := &fakeAdapter{entries: remoteEntries(10)}
	e := New(testGlobal(), nil)

	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if task.Status != StatusCompleted || task.Added != 10 || task.Failed != 0 {
		t.Fatalf("任务结果不符: %+v", task)
	}

	man, err := manifest.Load(src.Target)
	if err != nil {
		t.Fatalf("加载清单失败: %v", err)
	}
	if man.Len() != 10 {
		t.Fatalf("清单条数不符: %d", man.Len())
	}
	for _, entry := range fa.entries {
		if _, err := os.Stat(filepath.Join(src.Target, filepath.FromSlash(entry.Path))); err != nil {
			t.Fatalf("落盘文件缺失 %s: %v", entry.Path, err)
		}
	}
}

func TestRerunWithoutChangesFetchesNothing(t *testing.T) {
	src := testSource(t)
	fa := &fakeAdapter{entries: remoteEntries(8)}
	e := New(testGlobal(), nil)

	if _, err := e.Run(context.Background(), src, fa); err != nil {
		t.Fatalf("首轮同步失败: %v", err)
	}
	atomic.StoreInt32(&fa.fetches, 0)

	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("二轮同步失败: %v", err)
	}
	if got := atomic.LoadInt32(&fa.fetches); got != 0 {
		t.Fatalf("无变化重跑不应拉取, 实际 %d 次", got)
	}
	if task.Unchanged != 8 || task.Synced() != 0 {
		t.Fatalf("任务计数不符: %+v", task)
	}
}

func TestRunCountsNewChangedUnchanged(t *testing.T) {
	src := testSource(t)
	entries := remoteEntries(100)
	fa := &fakeAdapter{entries: entries}

	// 预置清单: 前 10 条与远端一致, 随后 5 条大小不同。
	man := manifest.NewSet()
	for i := 0; i < 10; i++ {
		man.Put(manifest.Entry{
			Path: entries[i].Path, Size: entries[i].Size,
			ModTime: entries[i].ModTime, LastSyncedAt: time.Now(),
		})
	}
	for i := 10; i < 15; i++ {
		man.Put(manifest.Entry{
			Path: entries[i].Path, Size: entries[i].Size + 100,
			ModTime: entries[i].ModTime, LastSyncedAt: time.Now(),
		})
	}
	if err := man.Save(src.Target); err != nil {
		t.Fatalf("预置清单失败: %v", err)
	}

	e := New(testGlobal(), nil)
	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if task.Added != 85 || task.Updated != 5 || task.Unchanged != 10 {
		t.Fatalf("分类计数不符: added=%d updated=%d unchanged=%d", task.Added, task.Updated, task.Unchanged)
	}
	if task.Synced() != 90 || task.Synced()+task.Unchanged != 100 {
		t.Fatalf("总账不平: synced=%d unchanged=%d", task.Synced(), task.Unchanged)
	}
}

func TestRunIsMutuallyExclusivePerSource(t *testing.T) {
	src := testSource(t)
	started := make(chan struct{})
	release := make(chan struct{})
	fa := &fakeAdapter{
		entries: remoteEntries(1),
		fetchFn: func(adapter.RemoteEntry) error {
			close(started)
			<-release
			return nil
		},
	}
	e := New(testGlobal(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), src, fa)
	}()
	<-started

	if !e.Running(src.Name) {
		t.Fatal("运行中的源应报告 running")
	}
	if _, err := e.Run(context.Background(), src, fa); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("并发执行应快速失败: %v", err)
	}
	close(release)
	<-done
	if e.Running(src.Name) {
		t.Fatal("任务结束后应释放执行权")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	src := testSource(t)
	var attempts int32
	fa := &fakeAdapter{
		entries: remoteEntries(1),
		fetchFn: func(adapter.RemoteEntry) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return &adapter.TransferError{Class: adapter.ClassTransient, Op: "fetch", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	e := New(testGlobal(), nil)

	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if task.Added != 1 || task.Failed != 0 {
		t.Fatalf("重试后应成功: %+v", task)
	}
	if attempts != 3 {
		t.Fatalf("期望尝试 3 次, 实际 %d", attempts)
	}
}

func TestRunSkipsVanishedAndRecordsPermanentFailures(t *testing.T) {
	src := testSource(t)
	fa := &fakeAdapter{
		entries: remoteEntries(3),
		fetchFn: func(entry adapter.RemoteEntry) error {
			switch entry.Path {
			case "pool/file-000.pkg":
				return &adapter.TransferError{Class: adapter.ClassNotFound, Op: "fetch", Err: errors.New("gone")}
			case "pool/file-001.pkg":
				return &adapter.TransferError{Class: adapter.ClassAuth, Op: "fetch", Err: errors.New("forbidden")}
			}
			return nil
		},
	}
	e := New(testGlobal(), nil)

	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Fatalf("条目级失败不应拖垮整轮: %s", task.Status)
	}
	if task.Skipped != 1 || task.Failed != 1 || task.Added != 1 {
		t.Fatalf("计数不符: %+v", task)
	}
	if len(task.Failures) != 1 || task.Failures[0].Class != "auth" {
		t.Fatalf("失败明细不符: %+v", task.Failures)
	}
}

func TestRunAbortsWhenListFails(t *testing.T) {
	src := testSource(t)
	fa := &fakeAdapter{listErr: errors.New("connection refused")}
	e := New(testGlobal(), nil)

	task, err := e.Run(context.Background(), src, fa)
	if err == nil {
		t.Fatal("列表失败应返回错误")
	}
	if task.Status != StatusFailed || task.Error == "" {
		t.Fatalf("任务应标记失败: %+v", task)
	}
}

func TestRunCancellationKeepsCompletedEntries(t *testing.T) {
	src := testSource(t)
	ctx, cancel := context.WithCancel(context.Background())
	fa := &fakeAdapter{
		entries: remoteEntries(4),
		fetchFn: func(entry adapter.RemoteEntry) error {
			if entry.Path == "pool/file-001.pkg" {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	}
	global := testGlobal()
	global.SyncWorkers = 1
	e := New(global, nil)

	task, err := e.Run(ctx, src, fa)
	if err != nil {
		t.Fatalf("取消的任务不应返回错误: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Fatalf("任务应标记取消: %s", task.Status)
	}
	if task.Failed != 0 {
		t.Fatalf("取消不应计入失败: %+v", task)
	}

	man, err := manifest.Load(src.Target)
	if err != nil {
		t.Fatalf("加载清单失败: %v", err)
	}
	if _, ok := man.Get("pool/file-000.pkg"); !ok {
		t.Fatal("取消前完成的条目应保留在清单中")
	}
	if task.Added >= 4 {
		t.Fatalf("取消后不应同步全部条目: %d", task.Added)
	}
}

func TestRunDeletesOrphansOnlyWhenEnabled(t *testing.T) {
	src := testSource(t)
	fa := &fakeAdapter{entries: remoteEntries(2)}
	e := New(testGlobal(), nil)
	if _, err := e.Run(context.Background(), src, fa); err != nil {
		t.Fatalf("首轮同步失败: %v", err)
	}

	// 远端少了一条, 默认不删。
	fa.entries = fa.entries[:1]
	task, err := e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("二轮同步失败: %v", err)
	}
	if task.Deleted != 0 {
		t.Fatalf("镜像删除默认关闭: %+v", task)
	}
	orphan := filepath.Join(src.Target, "pool", "file-001.pkg")
	if _, err := os.Stat(orphan); err != nil {
		t.Fatalf("默认不应删除孤儿文件: %v", err)
	}

	src.MirrorDelete = true
	task, err = e.Run(context.Background(), src, fa)
	if err != nil {
		t.Fatalf("三轮同步失败: %v", err)
	}
	if task.Deleted != 1 {
		t.Fatalf("开启后应删除孤儿: %+v", task)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("孤儿文件应被删除: %v", err)
	}
	man, _ := manifest.Load(src.Target)
	if _, ok := man.Get("pool/file-001.pkg"); ok {
		t.Fatal("孤儿清单记录应被移除")
	}
}

func TestBuildPlanSkipsHashWhenSizeAndTimeMatch(t *testing.T) {
	mod := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	man := manifest.NewSet()
	man.Put(manifest.Entry{Path: "a", Size: 10, ModTime: mod, Hash: "aaa"})
	man.Put(manifest.Entry{Path: "b", Size: 10, ModTime: mod, Hash: "bbb"})
	man.Put(manifest.Entry{Path: "c", Size: 10, ModTime: mod})

	remote := []adapter.RemoteEntry{
		{Path: "a", Size: 10, ModTime: mod},                // 大小时间一致, 不看哈希
		{Path: "b", Size: 10, ModTime: mod, Hash: "other"}, // 双方有哈希且不同
		{Path: "c", Size: -1},                              // 远端大小未知, 视为未变
		{Path: "d", Size: 5},                               // 新增
	}
	p := buildPlan(remote, man)
	if len(p.added) != 1 || p.added[0].Path != "d" {
		t.Fatalf("新增判定不符: %+v", p.added)
	}
	if len(p.changed) != 1 || p.changed[0].Path != "b" {
		t.Fatalf("变更判定不符: %+v", p.changed)
	}
	if p.unchanged != 2 {
		t.Fatalf("未变判定不符: %d", p.unchanged)
	}
	if len(p.orphans) != 0 {
		t.Fatalf("不应有孤儿: %v", p.orphans)
	}
}

// stalledAdapter 的抓取一直阻塞到上下文结束, 用来验证单次抓取受时限约束。
type stalledAdapter struct {
	entries []adapter.RemoteEntry
}

func (s *stalledAdapter) List(ctx context.Context) ([]adapter.RemoteEntry, error) {
	return s.entries, nil
}

func (s *stalledAdapter) Fetch(ctx context.Context, entry adapter.RemoteEntry, dest string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestFetchTimeoutBoundsEachAttempt(t *testing.T) {
	global := testGlobal()
	global.MaxRetries = 1
	global.FetchTimeout = config.Duration(30 * time.Millisecond)
	e := New(global, nil)

	fa := &stalledAdapter{entries: remoteEntries(1)}
	src := testSource(t)
	done := make(chan struct{})
	var task *Task
	var err error
	go func() {
		task, err = e.Run(context.Background(), src, fa)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("抓取超时未生效, 任务被挂死")
	}
	if err != nil {
		t.Fatalf("条目级超时不应拖垮整轮: %v", err)
	}
	if task.Status != StatusCompleted || task.Failed != 1 {
		t.Fatalf("超时条目应计入失败: %+v", task)
	}
}
