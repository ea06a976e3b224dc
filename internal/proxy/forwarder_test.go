package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

const requestIDKey = "_offlinehub_request_id"

func TestForwarderMissingManager(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, logger)
	route := testRoute("unknown-site")

	if err := forwarder.Handle(ctx, route); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing manager, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "site_manager_missing") {
		t.Fatalf("expected error body to mention site_manager_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "site_manager_missing") {
		t.Fatalf("expected log to mention site_manager_missing, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(SiteHandlerFunc(func(fiber.Ctx, *server.SiteRoute, *offline.Manager) error {
		panic("boom")
	}), logger)
	if err := forwarder.Register(newTestManager(t, "panic-site", nil)); err != nil {
		t.Fatalf("register: %v", err)
	}

	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	if err := forwarder.Handle(ctx, testRoute("panic-site")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for handler panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "site_manager_panic") {
		t.Fatalf("expected error body to mention site_manager_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "site_manager_panic") {
		t.Fatalf("expected log to mention site_manager_panic, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func TestForwarderRegisterRejectsDuplicates(t *testing.T) {
	forwarder := NewForwarder(nil, nil)
	first := newTestManager(t, "Oum", nil)
	if err := forwarder.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := forwarder.Register(newTestManager(t, "oum", nil))
	if !errors.Is(err, ErrManagerExists) {
		t.Fatalf("expected ErrManagerExists, got %v", err)
	}
	if err := forwarder.Register(nil); err == nil {
		t.Fatalf("expected nil manager to be rejected")
	}
	if got, ok := forwarder.Manager(" OUM "); !ok || got != first {
		t.Fatalf("expected case-insensitive lookup to return the first manager")
	}
	if managers := forwarder.Managers(); len(managers) != 1 {
		t.Fatalf("expected one manager, got %d", len(managers))
	}
}

func testRoute(name string) *server.SiteRoute {
	return &server.SiteRoute{
		Config: config.SiteConfig{
			Name:   name,
			Domain: name + ".test",
		},
		ListenPort: 5000,
	}
}

// newTestManager 构造一个指向 http://site.test 的 Manager，transport 为空时所有回源都失败。
func newTestManager(t *testing.T, name string, transport http.RoundTripper) *offline.Manager {
	t.Helper()
	if transport == nil {
		transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("network unreachable")
		})
	}
	site := config.SiteConfig{
		Name:           name,
		Domain:         strings.ToLower(name) + ".test",
		Upstream:       "http://site.test",
		Version:        "v1",
		CriticalAssets: []string{"/", "/offline.html"},
		CDNHosts:       []string{"cdn.test"},
		OfflinePage:    "/offline.html",
	}
	manifest, err := offline.ManifestFromConfig(nil, site)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	manager, err := offline.NewManager(offline.Options{
		Manifest:     manifest,
		Store:        cache.NewMemoryStore(),
		Client:       &http.Client{Transport: transport},
		Logger:       logger,
		MaxEntrySize: 1 << 20,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(manager.Wait)
	return manager
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
