package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/mirror-hub/mirror-hub/internal/cache"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/health"
	"github.com/mirror-hub/mirror-hub/internal/prewarm"
	"github.com/mirror-hub/mirror-hub/internal/scheduler"
	"github.com/mirror-hub/mirror-hub/internal/server"
	"github.com/mirror-hub/mirror-hub/internal/syncer"
)

func apiGlobal(t *testing.T) config.GlobalConfig {
	t.Helper()
	return config.GlobalConfig{
		ListenPort:          5000,
		DataDir:             t.TempDir(),
		CacheDir:            t.TempDir(),
		MaxCacheSize:        1 << 20,
		CacheTTL:            config.Duration(time.Hour),
		MaxRetries:          1,
		InitialBackoff:      config.Duration(time.Millisecond),
		MaxConcurrentSyncs:  2,
		SyncWorkers:         2,
		HealthHighThreshold: 0.9,
		HealthLowThreshold:  0.5,
	}
}

func newAPIApp(t *testing.T) *fiber.App {
	t.Helper()

	global := apiGlobal(t)
	cfg := &config.Config{
		Global: global,
		Namespaces: []config.NamespaceConfig{
			{Name: "pypi", Upstream: "https://pypi.org"},
		},
	}

	registry, err := server.NewNamespaceRegistry(cfg, http.DefaultClient)
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}

	index, err := cache.OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("打开索引失败: %v", err)
	}
	mgr, err := cache.NewManager(t.TempDir(), global.MaxCacheSize, index)
	if err != nil {
		t.Fatalf("打开缓存失败: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	mon := health.New(health.Options{}, func(ctx context.Context, src config.SourceConfig) error {
		return nil
	})
	engine := syncer.New(global, mon)
	sched := scheduler.New(global, engine, mon, http.DefaultClient)

	warmer := prewarm.New(
		func(ctx context.Context, loc cache.Locator) (int64, error) { return 0, nil },
		mgr.Contains,
		prewarm.Options{},
	)

	app := fiber.New()
	RegisterAPIRoutes(app, Deps{
		Scheduler: sched,
		Engine:    engine,
		Cache:     mgr,
		Prewarmer: warmer,
		Health:    mon,
		Registry:  registry,
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return string(raw)
}

func TestVersionRoute(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "GET", "/-/version", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "mirror-hub") {
		t.Fatalf("version 响应应包含 mirror-hub 标识: %s", body)
	}
}

func TestNamespacesRoute(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "GET", "/-/namespaces", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"pypi"`) {
		t.Fatalf("命名空间列表应包含 pypi: %s", body)
	}
}

func TestSourceCRUD(t *testing.T) {
	app := newAPIApp(t)
	src := map[string]any{
		"Name":    "assets",
		"Type":    "local",
		"Path":    t.TempDir(),
		"Target":  "assets",
		"Enabled": true,
	}

	resp := doJSON(t, app, "POST", "/-/api/sources", src)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("创建源应返回 201，得到 %d: %s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, app, "POST", "/-/api/sources", src)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("重复创建应返回 409，得到 %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "GET", "/-/api/sources/assets", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("查询源应返回 200，得到 %d", resp.StatusCode)
	}

	src["Schedule"] = "30m"
	resp = doJSON(t, app, "PUT", "/-/api/sources/assets", src)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("更新源应返回 200，得到 %d: %s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, app, "DELETE", "/-/api/sources/assets", nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("删除源应返回 204，得到 %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "GET", "/-/api/sources/assets", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("删除后查询应返回 404，得到 %d", resp.StatusCode)
	}
}

func TestSourceValidationErrors(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "POST", "/-/api/sources", map[string]any{
		"Name": "bad",
		"Type": "gopher",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("非法类型应返回 400，得到 %d", resp.StatusCode)
	}
}

func TestCacheRoutes(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "GET", "/-/api/cache/stats", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/-/api/cache/clean", map[string]any{"older_than": "boom"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("非法 older_than 应返回 400，得到 %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/-/api/cache/clear", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("清空缓存应返回 200，得到 %d", resp.StatusCode)
	}
}

func TestPrewarmRoutes(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "POST", "/-/api/prewarm", map[string]any{"path": "pkg/foo.txt"})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("缺少 namespace 应返回 400，得到 %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/-/api/prewarm", map[string]any{
		"namespace": "pypi",
		"path":      "pkg/foo.txt",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("入队应返回 200，得到 %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"enqueued":1`) {
		t.Fatalf("应入队一个条目: %s", body)
	}

	resp = doJSON(t, app, "GET", "/-/api/prewarm/stats", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthRoutes(t *testing.T) {
	app := newAPIApp(t)

	resp := doJSON(t, app, "GET", "/-/api/health", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "GET", "/-/api/health/ghost", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("未注册源应返回 404，得到 %d", resp.StatusCode)
	}
}
