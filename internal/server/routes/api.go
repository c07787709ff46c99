package routes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/mirror-hub/mirror-hub/internal/cache"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/health"
	"github.com/mirror-hub/mirror-hub/internal/prewarm"
	"github.com/mirror-hub/mirror-hub/internal/scheduler"
	"github.com/mirror-hub/mirror-hub/internal/server"
	"github.com/mirror-hub/mirror-hub/internal/syncer"
	"github.com/mirror-hub/mirror-hub/internal/version"
)

// Deps 汇总管理接口依赖的引擎组件。
type Deps struct {
	Scheduler *scheduler.Scheduler
	Engine    *syncer.Engine
	Cache     *cache.Manager
	Prewarmer *prewarm.Prewarmer
	Health    *health.Monitor
	Registry  *server.NamespaceRegistry
}

// RegisterAPIRoutes 把管理接口挂在 /-/ 前缀下。
// 拉通代理对 /-/ 前缀放行, 因此即使代理路由先注册也能到达这里。
func RegisterAPIRoutes(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": version.Full()})
	})

	app.Get("/-/namespaces", func(c fiber.Ctx) error {
		type nsPayload struct {
			Name     string `json:"name"`
			Upstream string `json:"upstream"`
			TTL      string `json:"ttl"`
		}
		routes := deps.Registry.List()
		out := make([]nsPayload, 0, len(routes))
		for _, r := range routes {
			out = append(out, nsPayload{Name: r.Name, Upstream: r.Upstream, TTL: r.TTL.String()})
		}
		return c.JSON(fiber.Map{"namespaces": out})
	})

	registerSourceRoutes(app, deps)
	registerSyncRoutes(app, deps)
	registerCacheRoutes(app, deps)
	registerPrewarmRoutes(app, deps)
	registerHealthRoutes(app, deps)
}

func registerSourceRoutes(app *fiber.App, deps Deps) {
	app.Get("/-/api/sources", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sources": deps.Scheduler.StatusAll()})
	})

	app.Post("/-/api/sources", func(c fiber.Ctx) error {
		var src config.SourceConfig
		if err := json.Unmarshal(c.Body(), &src); err != nil {
			return badRequest(c, "invalid_body")
		}
		if err := deps.Scheduler.AddSource(src); err != nil {
			return renderSourceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"name": src.Name})
	})

	app.Get("/-/api/sources/:name", func(c fiber.Ctx) error {
		st, err := deps.Scheduler.Status(c.Params("name"))
		if err != nil {
			return renderSourceError(c, err)
		}
		return c.JSON(st)
	})

	app.Put("/-/api/sources/:name", func(c fiber.Ctx) error {
		var src config.SourceConfig
		if err := json.Unmarshal(c.Body(), &src); err != nil {
			return badRequest(c, "invalid_body")
		}
		src.Name = c.Params("name")
		if err := deps.Scheduler.UpdateSource(src); err != nil {
			return renderSourceError(c, err)
		}
		return c.JSON(fiber.Map{"name": src.Name})
	})

	app.Delete("/-/api/sources/:name", func(c fiber.Ctx) error {
		if err := deps.Scheduler.RemoveSource(c.Params("name")); err != nil {
			return renderSourceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func registerSyncRoutes(app *fiber.App, deps Deps) {
	app.Post("/-/api/sync/start", func(c fiber.Ctx) error {
		// 同步在响应返回后继续跑, 不能挂在请求上下文的取消链上。
		ctx := context.WithoutCancel(c.Context())
		name := fiber.Query[string](c, "name")
		if name == "" {
			n := deps.Scheduler.StartAll(ctx)
			return c.JSON(fiber.Map{"started": n})
		}
		if err := deps.Scheduler.StartSync(ctx, name); err != nil {
			return renderSourceError(c, err)
		}
		return c.JSON(fiber.Map{"started": 1})
	})

	app.Post("/-/api/sync/stop", func(c fiber.Ctx) error {
		name := fiber.Query[string](c, "name")
		if name == "" {
			deps.Scheduler.StopAll()
			return c.JSON(fiber.Map{"stopped": "all"})
		}
		if err := deps.Scheduler.StopSync(name); err != nil {
			return renderSourceError(c, err)
		}
		return c.JSON(fiber.Map{"stopped": name})
	})

	app.Get("/-/api/sync/status", func(c fiber.Ctx) error {
		statuses := deps.Scheduler.StatusAll()
		running := 0
		for _, st := range statuses {
			if st.State == scheduler.StateRunning || st.State == scheduler.StateStopping {
				running++
			}
		}
		return c.JSON(fiber.Map{"running": running, "sources": statuses})
	})

	app.Get("/-/api/sync/history/:name", func(c fiber.Ctx) error {
		if _, err := deps.Scheduler.Status(c.Params("name")); err != nil {
			return renderSourceError(c, err)
		}
		return c.JSON(fiber.Map{"tasks": deps.Engine.History(c.Params("name"))})
	})
}

func registerCacheRoutes(app *fiber.App, deps Deps) {
	app.Get("/-/api/cache/stats", func(c fiber.Ctx) error {
		return c.JSON(deps.Cache.Stats())
	})

	app.Get("/-/api/cache/files", func(c fiber.Ctx) error {
		entries := deps.Cache.Entries()
		type filePayload struct {
			Namespace  string    `json:"namespace"`
			Path       string    `json:"path"`
			Size       int64     `json:"size"`
			CreatedAt  time.Time `json:"created_at"`
			AccessedAt time.Time `json:"last_accessed_at"`
			Hits       int64     `json:"access_count"`
		}
		files := make([]filePayload, 0, len(entries))
		for _, e := range entries {
			files = append(files, filePayload{
				Namespace:  e.Locator.Namespace,
				Path:       e.Locator.Path,
				Size:       e.Size,
				CreatedAt:  e.CreatedAt,
				AccessedAt: e.LastAccessedAt,
				Hits:       e.AccessCount,
			})
		}
		return c.JSON(fiber.Map{"files": files, "count": len(files)})
	})

	app.Post("/-/api/cache/clean", func(c fiber.Ctx) error {
		var req struct {
			Pattern   string `json:"pattern"`
			OlderThan string `json:"older_than"`
		}
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return badRequest(c, "invalid_body")
			}
		}
		var olderThan time.Duration
		if req.OlderThan != "" {
			d, err := time.ParseDuration(req.OlderThan)
			if err != nil {
				return badRequest(c, "invalid_older_than")
			}
			olderThan = d
		}
		count, bytes := deps.Cache.Clean(req.Pattern, olderThan)
		return c.JSON(fiber.Map{"removed": count, "bytes_freed": bytes})
	})

	app.Post("/-/api/cache/clear", func(c fiber.Ctx) error {
		count, bytes := deps.Cache.Clear()
		return c.JSON(fiber.Map{"removed": count, "bytes_freed": bytes})
	})
}

func registerPrewarmRoutes(app *fiber.App, deps Deps) {
	app.Post("/-/api/prewarm", func(c fiber.Ctx) error {
		var req struct {
			Namespace string `json:"namespace"`
			Path      string `json:"path"`
			Kind      string `json:"kind"`
			Limit     int    `json:"limit"`
			Priority  int    `json:"priority"`
		}
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return badRequest(c, "invalid_body")
		}
		if req.Namespace == "" {
			return badRequest(c, "namespace_required")
		}
		if req.Priority == 0 {
			req.Priority = prewarm.PriorityMedium
		}
		if req.Kind != "" {
			added := deps.Prewarmer.EnqueuePopular(req.Namespace, req.Kind, req.Limit, req.Priority)
			return c.JSON(fiber.Map{"enqueued": added})
		}
		if req.Path == "" {
			return badRequest(c, "path_required")
		}
		ok := deps.Prewarmer.Enqueue(cache.Locator{Namespace: req.Namespace, Path: req.Path}, req.Priority)
		added := 0
		if ok {
			added = 1
		}
		return c.JSON(fiber.Map{"enqueued": added})
	})

	app.Get("/-/api/prewarm/stats", func(c fiber.Ctx) error {
		return c.JSON(deps.Prewarmer.Stats())
	})

	app.Get("/-/api/prewarm/history", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"items": deps.Prewarmer.History()})
	})

	app.Post("/-/api/prewarm/clear", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"dropped": deps.Prewarmer.Clear()})
	})
}

func registerHealthRoutes(app *fiber.App, deps Deps) {
	app.Get("/-/api/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sources": deps.Health.All()})
	})

	app.Get("/-/api/health/:name", func(c fiber.Ctx) error {
		snap, ok := deps.Health.StatusOf(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "source_not_found"})
		}
		return c.JSON(snap)
	})

	app.Post("/-/api/health/:name/failover", func(c fiber.Ctx) error {
		if !deps.Health.TriggerFailover(c.Params("name")) {
			return badRequest(c, "failover_unavailable")
		}
		snap, _ := deps.Health.StatusOf(c.Params("name"))
		return c.JSON(snap)
	})
}

func badRequest(c fiber.Ctx, reason string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": reason})
}

// renderSourceError 把调度器错误映射到 HTTP 状态码。
func renderSourceError(c fiber.Ctx, err error) error {
	status := fiber.StatusBadRequest
	switch {
	case errors.Is(err, scheduler.ErrSourceNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, scheduler.ErrSourceExists):
		status = fiber.StatusConflict
	case errors.Is(err, scheduler.ErrSourceBusy), errors.Is(err, syncer.ErrAlreadyRunning):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
