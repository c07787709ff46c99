package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const contextKeyRequestID = "_mirrorhub_request_id"

// AppOptions 控制 Fiber 应用的装配。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *NamespaceRegistry
	Proxy      *ProxyHandler
	ListenPort int
}

// NewApp 构建 Fiber 应用：请求 ID 中间件、panic 恢复与拉通代理路由。
// 管理接口由 routes 包单独挂载在 /-/api 下。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("namespace registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	})

	app.Get("/:namespace/*", opts.Proxy.Handle)

	return app, nil
}

// RequestID 取出中间件写入的请求标识。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
