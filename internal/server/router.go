package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that hands a routed request to the
// site's offline cache manager. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_offlinehub_route"
	contextKeyRequestID = "_offlinehub_request_id"

	// HeaderSite 标记处理本次请求的站点（页面组）名称。
	HeaderSite = "X-Offline-Hub-Site"
	// ControlPrefix 是控制端点（站点状态、策略表、指标）的路径前缀。
	ControlPrefix = "/-/"
)

// NewApp builds a Fiber application with Host/port routing middleware and
// structured error handling.
//
// 站点域名与 CDN 主机上的所有路径（包括 /-/ 开头的路径）都交给对应站点的 Manager；
// 控制端点只在未映射到站点的 Host（例如 localhost:ListenPort）上可达。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
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
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route, ok := getRouteFromContext(c)
		if !ok {
			return c.Next()
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host/Host:port 查找 SiteRoute。
// 未映射的 Host 只允许访问控制端点，其余请求直接返回 host_unmapped。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if ok {
			c.Locals(contextKeyRoute, route)
			c.Set(HeaderSite, route.Config.Name)
			return c.Next()
		}

		path := string(c.Request().URI().Path())
		if isControlPath(path) {
			return c.Next()
		}
		return renderHostUnmapped(c, opts.Logger, unmappedRequest{
			host:      rawHost,
			path:      path,
			port:      opts.ListenPort,
			requestID: reqID,
			sites:     len(opts.Registry.List()),
		})
	}
}

// unmappedRequest 汇总 host_unmapped 日志需要的上下文。
type unmappedRequest struct {
	host      string
	path      string
	port      int
	requestID string
	sites     int
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, req unmappedRequest) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       req.host,
		"path":       req.path,
		"port":       req.port,
		"request_id": req.requestID,
		"sites":      req.sites,
	}).Warn("host unmapped")

	if req.host != "" {
		c.Set("X-Offline-Hub-Host", req.host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
		"host":  req.host,
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*SiteRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if reqID, ok := c.Locals(contextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, ControlPrefix)
}
