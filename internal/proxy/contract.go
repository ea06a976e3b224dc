package proxy

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// SiteHandler 负责把已路由到站点的请求交给该站点的 Manager 处理。
type SiteHandler interface {
	Serve(c fiber.Ctx, route *server.SiteRoute, manager *offline.Manager) error
}

// SiteHandlerFunc adapts a function to the SiteHandler interface.
type SiteHandlerFunc func(fiber.Ctx, *server.SiteRoute, *offline.Manager) error

// Serve makes SiteHandlerFunc satisfy SiteHandler.
func (f SiteHandlerFunc) Serve(c fiber.Ctx, route *server.SiteRoute, manager *offline.Manager) error {
	return f(c, route, manager)
}

// ErrManagerExists indicates a manager has already been registered for the site.
var ErrManagerExists = errors.New("site manager already registered")
