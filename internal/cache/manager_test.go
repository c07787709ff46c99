package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestManager 在临时目录上搭一个带 sqlite 索引的 Manager。
func newTestManager(t *testing.T, maxSize int64) *Manager {
	t.Helper()
	dir := t.TempDir()
	ix, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("打开索引失败: %v", err)
	}
	m, err := NewManager(filepath.Join(dir, "data"), maxSize, ix)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// fetchBytes 返回一个把固定内容写入 dest 的 FetchFunc。
func fetchBytes(content []byte) FetchFunc {
	return func(_ context.Context, dest string) (int64, error) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return 0, err
		}
		return int64(len(content)), nil
	}
}

func readAll(t *testing.T, res *ReadResult) string {
	t.Helper()
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("读取缓存内容失败: %v", err)
	}
	return string(data)
}

func TestEnsureHitAndMiss(t *testing.T) {
	m := newTestManager(t, 1<<20)
	loc := Locator{Namespace: "pypi", Path: "simple/requests/index.html"}

	var calls int32
	fetch := func(ctx context.Context, dest string) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return fetchBytes([]byte("hello"))(ctx, dest)
	}

	res, err := m.Ensure(context.Background(), loc, 0, fetch)
	if err != nil {
		t.Fatalf("首次 Ensure 失败: %v", err)
	}
	if got := readAll(t, res); got != "hello" {
		t.Fatalf("内容不符: %q", got)
	}

	res, err = m.Ensure(context.Background(), loc, 0, fetch)
	if err != nil {
		t.Fatalf("二次 Ensure 失败: %v", err)
	}
	readAll(t, res)

	if calls != 1 {
		t.Fatalf("期望只回源一次, 实际 %d 次", calls)
	}
	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("统计不符: hits=%d misses=%d", s.Hits, s.Misses)
	}
}

func TestEnsureCoalescesConcurrentMisses(t *testing.T) {
	m := newTestManager(t, 1<<20)
	loc := Locator{Namespace: "npm", Path: "lodash"}

	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, dest string) (int64, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return fetchBytes([]byte("tarball"))(ctx, dest)
	}

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	bodies := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Ensure(context.Background(), loc, 0, fetch)
			if err != nil {
				errs[i] = err
				return
			}
			// 每个等待者持有独立句柄, 都要能完整读出内容并自行关闭。
			data, err := io.ReadAll(res.Reader)
			res.Reader.Close()
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i] = string(data)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}
	for i, body := range bodies {
		if body != "tarball" {
			t.Fatalf("worker %d 读到的内容不完整: %q", i, body)
		}
	}
	if calls != 1 {
		t.Fatalf("并发未命中应合并为一次回源, 实际 %d 次", calls)
	}
}

func TestEvictionKeepsTotalWithinLimit(t *testing.T) {
	m := newTestManager(t, 100)
	ctx := context.Background()

	payload := func(n int) []byte { return []byte(strings.Repeat("x", n)) }

	resA, err := m.Ensure(ctx, Locator{Namespace: "apt", Path: "a.deb"}, 0, fetchBytes(payload(60)))
	if err != nil {
		t.Fatalf("写入 a.deb 失败: %v", err)
	}
	pathA := resA.Entry.FilePath
	resA.Reader.Close()

	resB, err := m.Ensure(ctx, Locator{Namespace: "apt", Path: "b.deb"}, 0, fetchBytes(payload(60)))
	if err != nil {
		t.Fatalf("写入 b.deb 失败: %v", err)
	}
	resB.Reader.Close()

	s := m.Stats()
	if s.Size > 100 {
		t.Fatalf("缓存总量 %d 超出上限", s.Size)
	}
	if s.Count != 1 || s.Evictions != 1 {
		t.Fatalf("期望逐出一条后剩一条, 实际 count=%d evictions=%d", s.Count, s.Evictions)
	}
	if _, err := os.Stat(pathA); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("被逐出的文件应已删除: %v", err)
	}
}

func TestEvictionPrefersOldestOnAccessTie(t *testing.T) {
	m := newTestManager(t, 100)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	put := func(path string, size int) Entry {
		res, err := m.Ensure(ctx, Locator{Namespace: "yum", Path: path}, 0, fetchBytes([]byte(strings.Repeat("y", size))))
		if err != nil {
			t.Fatalf("写入 %s 失败: %v", path, err)
		}
		res.Reader.Close()
		return res.Entry
	}

	a := put("a.rpm", 40)
	clock = base.Add(time.Minute)
	put("b.rpm", 40)

	// 两条的访问时间拉平到同一时刻, 只剩创建时间能区分先后。
	clock = base.Add(2 * time.Minute)
	for _, p := range []string{"a.rpm", "b.rpm"} {
		res, err := m.Ensure(ctx, Locator{Namespace: "yum", Path: p}, 0, nil)
		if err != nil {
			t.Fatalf("命中 %s 失败: %v", p, err)
		}
		res.Reader.Close()
	}

	clock = base.Add(3 * time.Minute)
	put("c.rpm", 40)

	if _, err := os.Stat(a.FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("创建更早的 a.rpm 应先被逐出: %v", err)
	}
	m.mu.Lock()
	_, bAlive := m.entries["yum::b.rpm"]
	_, cAlive := m.entries["yum::c.rpm"]
	m.mu.Unlock()
	if !bAlive || !cAlive {
		t.Fatalf("b.rpm 与 c.rpm 应保留: b=%v c=%v", bAlive, cAlive)
	}
}

func TestEnsureRejectsOversizeEntry(t *testing.T) {
	m := newTestManager(t, 10)
	loc := Locator{Namespace: "docker", Path: "blobs/sha256/huge"}

	_, err := m.Ensure(context.Background(), loc, 0, fetchBytes([]byte(strings.Repeat("z", 11))))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("期望 ErrTooLarge, 实际 %v", err)
	}
	if _, err := os.Stat(m.filePathFor(loc)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("超限条目不应留下落盘文件: %v", err)
	}
	if s := m.Stats(); s.Size != 0 || s.Count != 0 {
		t.Fatalf("超限条目不应计入缓存: %+v", s)
	}
}

func TestEnsureRefetchesExpiredEntry(t *testing.T) {
	m := newTestManager(t, 1<<20)
	loc := Locator{Namespace: "golang", Path: "github.com/gofiber/fiber/@latest"}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	var calls int32
	fetch := func(ctx context.Context, dest string) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return fetchBytes([]byte("v1"))(ctx, dest)
	}

	res, err := m.Ensure(context.Background(), loc, time.Hour, fetch)
	if err != nil {
		t.Fatalf("首次 Ensure 失败: %v", err)
	}
	res.Reader.Close()

	clock = base.Add(2 * time.Hour)
	res, err = m.Ensure(context.Background(), loc, time.Hour, fetch)
	if err != nil {
		t.Fatalf("过期后 Ensure 失败: %v", err)
	}
	res.Reader.Close()

	if calls != 2 {
		t.Fatalf("过期条目应重新回源, 实际回源 %d 次", calls)
	}
	if s := m.Stats(); s.Expired != 1 {
		t.Fatalf("过期计数不符: %d", s.Expired)
	}
}

func TestMissObserverSeesMisses(t *testing.T) {
	m := newTestManager(t, 1<<20)
	var seen []Locator
	m.SetMissObserver(func(loc Locator) { seen = append(seen, loc) })

	loc := Locator{Namespace: "apk", Path: "v3.22/main/x86_64/APKINDEX.tar.gz"}
	res, err := m.Ensure(context.Background(), loc, 0, fetchBytes([]byte("idx")))
	if err != nil {
		t.Fatalf("Ensure 失败: %v", err)
	}
	res.Reader.Close()

	if len(seen) != 1 || seen[0] != loc {
		t.Fatalf("未命中回调不符: %v", seen)
	}
}

func TestCleanAndClear(t *testing.T) {
	m := newTestManager(t, 1<<20)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	for _, p := range []string{"pypi::old.whl", "pypi::new.whl", "npm::pkg.tgz"} {
		parts := strings.SplitN(p, "::", 2)
		res, err := m.Ensure(ctx, Locator{Namespace: parts[0], Path: parts[1]}, 0, fetchBytes([]byte("data")))
		if err != nil {
			t.Fatalf("写入 %s 失败: %v", p, err)
		}
		res.Reader.Close()
		clock = clock.Add(time.Hour)
	}

	// old.whl 创建于 base, 此刻已满 3 小时; 其余不足。
	count, bytes := m.Clean("pypi", 3*time.Hour)
	if count != 1 || bytes != 4 {
		t.Fatalf("Clean 结果不符: count=%d bytes=%d", count, bytes)
	}

	count, bytes = m.Clear()
	if count != 2 || bytes != 8 {
		t.Fatalf("Clear 结果不符: count=%d bytes=%d", count, bytes)
	}
	if s := m.Stats(); s.Size != 0 || s.Count != 0 {
		t.Fatalf("Clear 后应为空: %+v", s)
	}
}

func TestManagerReloadsFromIndex(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.db")
	dataDir := filepath.Join(dir, "data")

	ix, err := OpenIndex(indexPath)
	if err != nil {
		t.Fatalf("打开索引失败: %v", err)
	}
	m, err := NewManager(dataDir, 1<<20, ix)
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	loc := Locator{Namespace: "composer", Path: "p2/monolog/monolog.json"}
	res, err := m.Ensure(context.Background(), loc, 0, fetchBytes([]byte("composer meta")))
	if err != nil {
		t.Fatalf("Ensure 失败: %v", err)
	}
	res.Reader.Close()
	if err := m.Close(); err != nil {
		t.Fatalf("关闭缓存失败: %v", err)
	}

	ix2, err := OpenIndex(indexPath)
	if err != nil {
		t.Fatalf("重开索引失败: %v", err)
	}
	m2, err := NewManager(dataDir, 1<<20, ix2)
	if err != nil {
		t.Fatalf("重建缓存失败: %v", err)
	}
	defer m2.Close()

	var calls int32
	fetch := func(ctx context.Context, dest string) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return fetchBytes([]byte("composer meta"))(ctx, dest)
	}
	res, err = m2.Ensure(context.Background(), loc, 0, fetch)
	if err != nil {
		t.Fatalf("重启后 Ensure 失败: %v", err)
	}
	if got := readAll(t, res); got != "composer meta" {
		t.Fatalf("重启后内容不符: %q", got)
	}
	if calls != 0 {
		t.Fatalf("重启后命中不应回源, 实际 %d 次", calls)
	}
}
