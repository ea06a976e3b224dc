package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// Handler 把 Fiber 请求转换为 *http.Request 交给 offline.Manager，再把 Manager 的响应写回客户端。
// 策略、缓存与离线回退都在 Manager 内部完成，Handler 只负责协议转换。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs the bridge between Fiber and the offline cache managers.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Serve 实现 SiteHandler。
func (h *Handler) Serve(c fiber.Ctx, route *server.SiteRoute, manager *offline.Manager) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c, route, manager)
	if err != nil {
		h.logResult(route, "", requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	resp := manager.HandleRequest(ctx, req)
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, req.URL.String(), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req.URL.String(), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 以 Manager.Target 解析出的完整回源地址构造请求，并附带 X-Forwarded-* 头。
func buildRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute, manager *offline.Manager) (*http.Request, error) {
	// fiber 返回的字符串引用请求缓冲区，读取正文后可能失效，先复制一份。
	host := utils.CopyString(c.Hostname())
	scheme := utils.CopyString(c.Scheme())
	target, err := manager.Target(host, string(c.Request().RequestURI()))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", host)
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", scheme)
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	upstream string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Debug("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传非 hop-by-hop 响应头，保留多值头（如 Set-Cookie、Vary）。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return ""
	}
	return strconv.Itoa(route.ListenPort)
}
