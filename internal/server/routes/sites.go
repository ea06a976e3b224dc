package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// ManagerLookup 按站点名查找离线缓存管理器。
type ManagerLookup interface {
	Manager(name string) (*offline.Manager, bool)
}

// RegisterSiteRoutes 暴露站点诊断与生命周期控制接口：
//
//	GET  /-/sites
//	GET  /-/sites/:name
//	POST /-/sites/:name/message   {"type":"SKIP_WAITING"}
//	POST /-/sites/:name/sync      {"tag":"sync-forms"}
//	POST /-/sites/:name/update    {"version":"v2"}
//	POST /-/sites/:name/push      任意正文
//	POST /-/sites/:name/notification-click {"target":"/"}
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, managers ManagerLookup, logger *logrus.Logger) {
	if app == nil || registry == nil || managers == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(route, managers))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := findRoute(registry, c.Params("name"))
		if !ok {
			return siteNotFound(c)
		}
		return c.JSON(encodeSite(route, managers))
	})

	app.Post("/-/sites/:name/message", func(c fiber.Ctx) error {
		manager, ok := managers.Manager(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		var msg offline.Message
		if err := c.Bind().JSON(&msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		if err := manager.Message(c.Context(), msg); err != nil {
			return respondLifecycleError(c, logger, manager, "message", err)
		}
		return c.JSON(manager.Status())
	})

	app.Post("/-/sites/:name/sync", func(c fiber.Ctx) error {
		manager, ok := managers.Manager(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		var body struct {
			Tag string `json:"tag"`
		}
		if err := c.Bind().JSON(&body); err != nil || strings.TrimSpace(body.Tag) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag_required"})
		}
		if err := manager.Sync(c.Context(), body.Tag); err != nil {
			return respondLifecycleError(c, logger, manager, "sync", err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": body.Tag, "status": "acknowledged"})
	})

	app.Post("/-/sites/:name/update", func(c fiber.Ctx) error {
		manager, ok := managers.Manager(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		var body struct {
			Version string `json:"version"`
		}
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		if err := manager.Update(c.Context(), body.Version); err != nil {
			return respondLifecycleError(c, logger, manager, "update", err)
		}
		return c.JSON(manager.Status())
	})

	app.Post("/-/sites/:name/push", func(c fiber.Ctx) error {
		manager, ok := managers.Manager(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		if err := manager.Push(c.Context(), append([]byte(nil), c.Body()...)); err != nil {
			return respondLifecycleError(c, logger, manager, "push", err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/sites/:name/notification-click", func(c fiber.Ctx) error {
		manager, ok := managers.Manager(strings.TrimSpace(c.Params("name")))
		if !ok {
			return siteNotFound(c)
		}
		var body struct {
			Target string `json:"target"`
		}
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		if err := manager.NotificationClick(c.Context(), body.Target); err != nil {
			return respondLifecycleError(c, logger, manager, "notification_click", err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
}

type sitePayload struct {
	Name     string          `json:"name"`
	Domain   string          `json:"domain"`
	Upstream string          `json:"upstream"`
	Port     int             `json:"port"`
	CDNHosts []string        `json:"cdn_hosts"`
	Status   *offline.Status `json:"status,omitempty"`
}

func encodeSite(route server.SiteRoute, managers ManagerLookup) sitePayload {
	payload := sitePayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Upstream: route.UpstreamURL.String(),
		Port:     route.ListenPort,
		CDNHosts: append([]string(nil), route.CDNHosts...),
	}
	if manager, ok := managers.Manager(route.Config.Name); ok {
		status := manager.Status()
		payload.Status = &status
	}
	return payload
}

func findRoute(registry *server.SiteRegistry, name string) (server.SiteRoute, bool) {
	name = strings.TrimSpace(name)
	for _, route := range registry.List() {
		if route.Config.Name == name {
			return route, true
		}
	}
	return server.SiteRoute{}, false
}

func siteNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
}

func respondLifecycleError(c fiber.Ctx, logger *logrus.Logger, manager *offline.Manager, action string, err error) error {
	status := fiber.StatusInternalServerError
	code := "lifecycle_failed"
	var installErr *offline.InstallError
	switch {
	case errors.Is(err, offline.ErrNoWaitingGeneration):
		status, code = fiber.StatusConflict, "no_waiting_generation"
	case errors.Is(err, offline.ErrUnknownMessage):
		status, code = fiber.StatusBadRequest, "unknown_message"
	case errors.As(err, &installErr):
		status, code = fiber.StatusBadGateway, "install_failed"
	}
	logger.WithError(err).WithFields(logrus.Fields{
		"action": action,
		"site":   manager.Name(),
		"error":  code,
	}).Warn("lifecycle_request_failed")
	return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
}
