package offline

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
)

func TestCacheFirstServesSecondRequestFromCache(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{name: "image", url: siteOrigin + "/img/logo.png"},
		{name: "webp", url: siteOrigin + "/img/dish.webp"},
		{name: "font", url: siteOrigin + "/fonts/brand.woff"},
		{name: "cdn", url: cdnOrigin + "/lib/widget"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			m := env.registered(t, nil)
			req := getRequest(t, tc.url, false)

			first, firstBody := serve(t, m, req)
			m.Wait()
			second, secondBody := serve(t, m, getRequest(t, tc.url, false))

			if firstBody != secondBody {
				t.Fatalf("cached body mismatch: %q vs %q", firstBody, secondBody)
			}
			if got := env.network.callCount(req.URL.Host, req.URL.Path); got != 1 {
				t.Fatalf("expected exactly one network call, got %d", got)
			}
			if !strings.Contains(first.Header.Get(HeaderCacheStatus), "fwd=uri-miss") {
				t.Fatalf("first response should be a miss: %s", first.Header.Get(HeaderCacheStatus))
			}
			if second.Header.Get(HeaderCacheStatus) != "offline-hub; hit" {
				t.Fatalf("second response should be a hit: %s", second.Header.Get(HeaderCacheStatus))
			}
		})
	}
}

func TestCacheFirstUsesInstalledAssets(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)
	before := env.network.callCount("site.test", "/css/style.css")

	resp, body := serve(t, m, getRequest(t, siteOrigin+"/css/style.css", false))
	if body != "body{}" || resp.Header.Get(HeaderCategory) != "static" {
		t.Fatalf("unexpected response %q (%s)", body, resp.Header.Get(HeaderCategory))
	}
	if after := env.network.callCount("site.test", "/css/style.css"); after != before {
		t.Fatalf("installed stylesheet should be served without network")
	}

	env.network.setDown(true)
	_, body = serve(t, m, getRequest(t, cdnOrigin+"/lib/bootstrap.css", false))
	if body != "cdn:/lib/bootstrap.css" {
		t.Fatalf("installed CDN asset should be served offline, got %q", body)
	}
}

func TestNavigationIsAlwaysFresh(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)
	env.site.set("/", "home v2")

	resp, body := serve(t, m, getRequest(t, siteOrigin+"/", true))
	if body != "home v2" {
		t.Fatalf("navigation must return the fresh network copy, got %q", body)
	}
	if resp.Header.Get(HeaderCategory) != "document" {
		t.Fatalf("unexpected category %s", resp.Header.Get(HeaderCategory))
	}
	m.Wait()

	env.network.setDown(true)
	_, body = serve(t, m, getRequest(t, siteOrigin+"/", true))
	if body != "home v2" {
		t.Fatalf("network-first should have refreshed the cached copy, got %q", body)
	}
}

func TestCachedPagePrecedesOfflineDocument(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)

	serve(t, m, getRequest(t, siteOrigin+"/menu.html", true))
	m.Wait()

	env.network.setDown(true)
	resp, body := serve(t, m, getRequest(t, siteOrigin+"/menu.html", true))
	if body != "menu" {
		t.Fatalf("expected cached menu, got %q", body)
	}
	if !strings.Contains(resp.Header.Get(HeaderCacheStatus), "detail=offline") {
		t.Fatalf("unexpected cache status %s", resp.Header.Get(HeaderCacheStatus))
	}
}

func TestOfflineDocumentForUncachedNavigation(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)
	env.network.setDown(true)

	for _, path := range []string{"/reservation.html", "/api/data"} {
		resp, body := serve(t, m, getRequest(t, siteOrigin+path, true))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: offline page should render with 200, got %d", path, resp.StatusCode)
		}
		if body != "offline page" {
			t.Fatalf("%s: expected offline document, got %q", path, body)
		}
	}
}

func TestNonNavigationOfflineReturns503(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)
	env.network.setDown(true)

	for _, url := range []string{siteOrigin + "/api/data", siteOrigin + "/img/unknown.png"} {
		resp, body := serve(t, m, getRequest(t, url, false))
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", url, resp.StatusCode)
		}
		if body != "Hors ligne - Veuillez vérifier votre connexion" {
			t.Fatalf("%s: unexpected offline body %q", url, body)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Fatalf("%s: unexpected content type %s", url, ct)
		}
	}
}

func TestGenericPathCachesOnlyBasic200(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)

	resp, _ := serve(t, m, getRequest(t, siteOrigin+"/api/missing", false))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("404 should pass through, got %d", resp.StatusCode)
	}
	resp, body := serve(t, m, getRequest(t, siteOrigin+"/api/redirect", false))
	if resp.StatusCode != http.StatusOK || body != "cdn:/data.json" {
		t.Fatalf("redirect should be followed, got %d %q", resp.StatusCode, body)
	}
	serve(t, m, getRequest(t, siteOrigin+"/api/data", false))
	m.Wait()

	keys := allKeys(t, env.store)
	if _, ok := hasKey(keys, "GET "+siteOrigin+"/api/missing"); ok {
		t.Fatalf("404 response must not be cached")
	}
	if _, ok := hasKey(keys, "GET "+siteOrigin+"/api/redirect"); ok {
		t.Fatalf("opaque (off-origin redirect) response must not be cached")
	}
	if partition, ok := hasKey(keys, "GET "+siteOrigin+"/api/data"); !ok || partition != "oum-static-v1" {
		t.Fatalf("same-origin 200 should be cached in static partition, got %q", partition)
	}
}

func TestNonGetIsNeverCached(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)

	req, err := http.NewRequest(http.MethodPost, siteOrigin+"/api/data", strings.NewReader("name=x"))
	if err != nil {
		t.Fatalf("new request error: %v", err)
	}
	resp := m.HandleRequest(context.Background(), req)
	resp.Body.Close()
	if resp.Header.Get(HeaderCategory) != "other" {
		t.Fatalf("POST should classify as other, got %s", resp.Header.Get(HeaderCategory))
	}
	m.Wait()
	for partition, keys := range allKeys(t, env.store) {
		for _, key := range keys {
			if !strings.HasPrefix(key, "GET ") {
				t.Fatalf("partition %s contains non-GET entry %s", partition, key)
			}
		}
	}
}

func TestLargeBodiesPassThroughUncached(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)

	_, body := serve(t, m, getRequest(t, siteOrigin+"/big.bin", false))
	if len(body) != 64 {
		t.Fatalf("large body should be streamed intact, got %d bytes", len(body))
	}
	m.Wait()
	if _, ok := hasKey(allKeys(t, env.store), "GET "+siteOrigin+"/big.bin"); ok {
		t.Fatalf("bodies above MaxEntrySize must not be cached")
	}
}

func TestCacheWriteSurvivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resp := m.HandleRequest(ctx, getRequest(t, siteOrigin+"/img/logo.png", false))
	resp.Body.Close()
	cancel()
	m.Wait()

	if _, err := env.store.Match(context.Background(), "oum-images-v1", getRequest(t, siteOrigin+"/img/logo.png", false)); err != nil {
		t.Fatalf("background write should complete after cancellation: %v", err)
	}
}

func TestUncontrolledRequestsPassThrough(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, nil)

	resp, body := serve(t, m, getRequest(t, siteOrigin+"/img/logo.png", false))
	if body != "png" || resp.Header.Get(HeaderCacheStatus) != "offline-hub; fwd=bypass" {
		t.Fatalf("unexpected uncontrolled response %q (%s)", body, resp.Header.Get(HeaderCacheStatus))
	}
	m.Wait()
	if names, _ := env.store.Partitions(context.Background()); len(names) != 0 {
		t.Fatalf("uncontrolled requests must not touch the store: %v", names)
	}

	env.network.setDown(true)
	resp, _ = serve(t, m, getRequest(t, siteOrigin+"/", true))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when uncontrolled and offline, got %d", resp.StatusCode)
	}
}

func TestVaryHeadersNarrowMatches(t *testing.T) {
	env := newTestEnv(t)
	m := env.registered(t, nil)
	ctx := context.Background()

	req := getRequest(t, siteOrigin+"/img/lang.png", false)
	req.Header.Set("Accept-Language", "fr")
	snap := cache.NewSnapshot(req, http.StatusOK, http.Header{"Vary": []string{"Accept-Language"}}, []byte("fr"), cache.ResponseBasic)
	if err := env.store.Put(ctx, "oum-images-v1", snap); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	env.network.setDown(true)

	same := getRequest(t, siteOrigin+"/img/lang.png", false)
	same.Header.Set("Accept-Language", "fr")
	if _, body := serve(t, m, same); body != "fr" {
		t.Fatalf("expected vary hit, got %q", body)
	}
	other := getRequest(t, siteOrigin+"/img/lang.png", false)
	other.Header.Set("Accept-Language", "ar")
	if resp, _ := serve(t, m, other); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("vary mismatch should miss, got %d", resp.StatusCode)
	}
}

func TestTargetMapsHosts(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t, nil)

	cases := map[string][2]string{
		"site":      {"oum.test:5000", "/menu.html?lang=fr"},
		"cdn":       {"cdn.test", "/lib/bootstrap.css"},
		"cdn-child": {"static.cdn.test", "/a.js"},
	}
	want := map[string]string{
		"site":      siteOrigin + "/menu.html?lang=fr",
		"cdn":       cdnOrigin + "/lib/bootstrap.css",
		"cdn-child": "https://static.cdn.test/a.js",
	}
	for name, in := range cases {
		got, err := m.Target(in[0], in[1])
		if err != nil {
			t.Fatalf("%s: target error: %v", name, err)
		}
		if got.String() != want[name] {
			t.Fatalf("%s: expected %s, got %s", name, want[name], got)
		}
	}
}
