package server

import (
	"context"
	"errors"
	"mime"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/cache"
	"github.com/mirror-hub/mirror-hub/internal/metrics"
)

// ProxyHandler 实现拉通缓存：命中直接回盘，未命中经合并回源后落盘再回包。
type ProxyHandler struct {
	logger    *logrus.Logger
	cache     *cache.Manager
	registry  *NamespaceRegistry
	collector *metrics.Collector
}

// NewProxyHandler 构造代理处理器，collector 可为 nil。
func NewProxyHandler(logger *logrus.Logger, mgr *cache.Manager, registry *NamespaceRegistry, collector *metrics.Collector) *ProxyHandler {
	return &ProxyHandler{
		logger:    logger,
		cache:     mgr,
		registry:  registry,
		collector: collector,
	}
}

// Handle 处理 GET /:namespace/* 请求。
func (h *ProxyHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	namespace := c.Params("namespace")
	if namespace == "-" {
		// /-/ 前缀留给管理接口。
		return c.Next()
	}
	rest := c.Params("*")
	if rest == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "path_required"})
	}

	route, ok := h.registry.Lookup(namespace)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "namespace_unmapped"})
	}

	loc := cache.Locator{Namespace: namespace, Path: rest}
	fetched := false
	fetch := func(ctx context.Context, dest string) (int64, error) {
		fetched = true
		return route.Fetcher().Fetch(ctx, adapter.RemoteEntry{Path: rest, Size: -1}, dest)
	}

	res, err := h.cache.Ensure(c.Context(), loc, route.TTL, fetch)
	if err != nil {
		return h.renderFetchError(c, namespace, rest, err)
	}

	h.observe(started, namespace, rest, fetched)

	if ct := mime.TypeByExtension(path.Ext(rest)); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	if fetched {
		c.Set("X-Cache", "MISS")
	} else {
		c.Set("X-Cache", "HIT")
	}
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(res.Entry.Size, 10))
	// 响应体在 handler 返回后才真正发送, 句柄交给 SendStream,
	// fasthttp 发送完毕会关闭实现了 io.Closer 的流。
	return c.SendStream(res.Reader, int(res.Entry.Size))
}

func (h *ProxyHandler) observe(started time.Time, namespace, rest string, fetched bool) {
	fields := logrus.Fields{
		"action":      "proxy_fetch",
		"namespace":   namespace,
		"key":         rest,
		"hit":         !fetched,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	h.logger.WithFields(fields).Info("拉通请求完成")

	if h.collector != nil {
		if fetched {
			h.collector.CacheMisses.Inc()
		} else {
			h.collector.CacheHits.Inc()
		}
		stats := h.cache.Stats()
		h.collector.CacheSize.Set(float64(stats.Size))
		h.collector.CacheEntries.Set(float64(stats.Count))
	}
}

// renderFetchError 把回源错误翻译成对应的 HTTP 状态。
func (h *ProxyHandler) renderFetchError(c fiber.Ctx, namespace, rest string, err error) error {
	status := fiber.StatusBadGateway
	reason := "upstream_error"
	switch {
	case errors.Is(err, cache.ErrTooLarge):
		status = fiber.StatusInsufficientStorage
		reason = "entry_too_large"
	case adapter.IsNotFound(err):
		status = fiber.StatusNotFound
		reason = "upstream_not_found"
	case adapter.IsAuth(err):
		status = fiber.StatusBadGateway
		reason = "upstream_auth_failed"
	case adapter.IsTransient(err):
		status = fiber.StatusGatewayTimeout
		reason = "upstream_unreachable"
	}
	h.logger.WithError(err).WithFields(logrus.Fields{
		"action":    "proxy_fetch",
		"namespace": namespace,
		"key":       rest,
		"status":    status,
	}).Warn("拉通请求失败")
	return c.Status(status).JSON(fiber.Map{"error": reason})
}
