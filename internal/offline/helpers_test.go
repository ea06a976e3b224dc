package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

const (
	siteOrigin = "http://site.test"
	cdnOrigin  = "https://cdn.test"
)

// stubNetwork 按 Host 分发请求到 handler，并可模拟断网或单个路径失败。
type stubNetwork struct {
	mu        sync.Mutex
	down      bool
	failPaths map[string]bool
	handlers  map[string]http.Handler
	calls     map[string]int
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{
		failPaths: map[string]bool{},
		handlers:  map[string]http.Handler{},
		calls:     map[string]int{},
	}
}

func (n *stubNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Host+req.URL.Path]++
	down := n.down || n.failPaths[req.URL.Path]
	handler := n.handlers[req.URL.Host]
	n.mu.Unlock()

	if down || handler == nil {
		return nil, errors.New("network unreachable")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (n *stubNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *stubNetwork) fail(path string) {
	n.mu.Lock()
	n.failPaths[path] = true
	n.mu.Unlock()
}

func (n *stubNetwork) callCount(host, path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[host+path]
}

// siteContent 保存可在测试中修改的页面正文。
type siteContent struct {
	mu    sync.Mutex
	pages map[string]string
}

func (s *siteContent) set(path, body string) {
	s.mu.Lock()
	s.pages[path] = body
	s.mu.Unlock()
}

func (s *siteContent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/missing":
		http.Error(w, "not found", http.StatusNotFound)
		return
	case "/api/redirect":
		http.Redirect(w, r, cdnOrigin+"/data.json", http.StatusFound)
		return
	}
	s.mu.Lock()
	body, ok := s.pages[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, body)
}

type testEnv struct {
	network *stubNetwork
	site    *siteContent
	store   cache.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	network := newStubNetwork()
	site := &siteContent{pages: map[string]string{
		"/":                 "home v1",
		"/index.html":       "home v1",
		"/offline.html":     "offline page",
		"/menu.html":        "menu",
		"/css/style.css":    "body{}",
		"/img/logo.png":     "png",
		"/img/dish.webp":    "webp",
		"/fonts/brand.woff": "woff",
		"/api/data":         `{"ok":true}`,
		"/big.bin":          strings.Repeat("x", 64),
	}}
	cdn := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lib/bootstrap.css", "/lib/widget", "/data.json":
			_, _ = io.WriteString(w, "cdn:"+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	})
	network.handlers["site.test"] = site
	network.handlers["cdn.test"] = cdn
	return &testEnv{network: network, site: site, store: cache.NewMemoryStore()}
}

func (e *testEnv) manifest() Manifest {
	origin, _ := url.Parse(siteOrigin)
	return Manifest{
		Name:           "oum",
		Domain:         "oum.test",
		Version:        "v1",
		Origin:         origin,
		CriticalAssets: []string{"/", "/index.html", "/offline.html", "/css/style.css"},
		CDNAssets:      []string{cdnOrigin + "/lib/bootstrap.css"},
		CDNHosts:       []string{"cdn.test"},
		OfflinePage:    "/offline.html",
		OfflineMessage: "Hors ligne - Veuillez vérifier votre connexion",
		SkipWaiting:    true,
	}
}

func (e *testEnv) newManager(t *testing.T, mutate func(*Manifest)) *Manager {
	t.Helper()
	manifest := e.manifest()
	if mutate != nil {
		mutate(&manifest)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := NewManager(Options{
		Manifest:     manifest,
		Store:        e.store,
		Client:       &http.Client{Transport: e.network},
		Logger:       logger,
		MaxEntrySize: 32,
	})
	if err != nil {
		t.Fatalf("new manager error: %v", err)
	}
	return m
}

func (e *testEnv) registered(t *testing.T, mutate func(*Manifest)) *Manager {
	t.Helper()
	m := e.newManager(t, mutate)
	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("register error: %v", err)
	}
	return m
}

func getRequest(t *testing.T, rawURL string, navigate bool) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request error: %v", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Dest", "document")
	}
	return req
}

func serve(t *testing.T, m *Manager, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp := m.HandleRequest(context.Background(), req)
	if resp == nil {
		t.Fatalf("nil response for %s", req.URL)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return resp, string(body)
}

// allKeys 汇总所有分区中的键。
func allKeys(t *testing.T, store cache.Store) map[string][]string {
	t.Helper()
	ctx := context.Background()
	names, err := store.Partitions(ctx)
	if err != nil {
		t.Fatalf("partitions error: %v", err)
	}
	result := make(map[string][]string, len(names))
	for _, name := range names {
		keys, err := store.Keys(ctx, name)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		result[name] = keys
	}
	return result
}

func hasKey(keys map[string][]string, key string) (string, bool) {
	for partition, list := range keys {
		for _, k := range list {
			if k == key {
				return partition, true
			}
		}
	}
	return "", false
}
