package proxy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// Forwarder 按 SiteRoute 的站点名选择对应的 Manager，并把请求交给 SiteHandler。
// 它同时实现 server.ProxyHandler 与 routes.ManagerLookup。
type Forwarder struct {
	handler SiteHandler
	logger  *logrus.Logger

	mu       sync.RWMutex
	managers map[string]*offline.Manager
}

// NewForwarder 创建 Forwarder，handler 为空时使用默认的 Handler。
func NewForwarder(handler SiteHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if handler == nil {
		handler = NewHandler(logger)
	}
	return &Forwarder{
		handler:  handler,
		logger:   logger,
		managers: make(map[string]*offline.Manager),
	}
}

// Register 登记站点的 Manager，同名站点只能登记一次。
func (f *Forwarder) Register(manager *offline.Manager) error {
	if manager == nil {
		return errors.New("site manager required")
	}
	key := normalizeSiteName(manager.Name())
	if key == "" {
		return errors.New("site name required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.managers[key]; exists {
		return fmt.Errorf("%w: %s", ErrManagerExists, key)
	}
	f.managers[key] = manager
	return nil
}

// Manager 按站点名查找 Manager。
func (f *Forwarder) Manager(name string) (*offline.Manager, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	manager, ok := f.managers[normalizeSiteName(name)]
	return manager, ok
}

// Managers 返回按站点名排序的全部 Manager。
func (f *Forwarder) Managers() []*offline.Manager {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.managers))
	for name := range f.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]*offline.Manager, 0, len(names))
	for _, name := range names {
		result = append(result, f.managers[name])
	}
	return result
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	var manager *offline.Manager
	if route != nil {
		manager, _ = f.Manager(route.Config.Name)
	}
	if manager == nil {
		return f.respondMissingManager(c, route, requestID)
	}
	return f.invokeHandler(c, route, manager, requestID)
}

func (f *Forwarder) respondMissingManager(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logSiteError(route, "site_manager_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_manager_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, manager *offline.Manager, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, route, manager)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logSiteError(route, "site_manager_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "site_manager_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logSiteError(route *server.SiteRoute, code string, err error, requestID string) {
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site manager unavailable")
}

func routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", false)
	} else {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func normalizeSiteName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
