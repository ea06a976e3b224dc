package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
)

type storeFactory func(t *testing.T) Store

func storeBackends(t *testing.T) map[string]storeFactory {
	t.Helper()
	backends := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"fs": func(t *testing.T) Store {
			store, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create fs store: %v", err)
			}
			return store
		},
		"bolt": func(t *testing.T) Store {
			store, err := NewBoltStore(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create bolt store: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	if addr := os.Getenv("OFFLINE_HUB_REDIS_ADDR"); addr != "" {
		backends["redis"] = func(t *testing.T) Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := "offline-hub-test-" + filepath.Base(t.TempDir())
			store := NewRedisStore(client, prefix)
			t.Cleanup(func() {
				ctx := context.Background()
				names, _ := store.Partitions(ctx)
				for _, name := range names {
					_, _ = store.DeletePartition(ctx, name)
				}
				_ = store.Close()
			})
			return store
		}
	}
	return backends
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeBackends(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newSnapshot(t *testing.T, rawURL string, status int, body string, header http.Header) *Snapshot {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	if header == nil {
		header = http.Header{}
	}
	return NewSnapshot(req, status, header, []byte(body), ResponseBasic)
}

func readBody(t *testing.T, snap *Snapshot) string {
	t.Helper()
	resp := snap.Response(nil)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(data)
}

func TestStorePutAndMatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		header := http.Header{"Content-Type": []string{"text/css"}, "X-Origin": []string{"upstream"}}
		snap := newSnapshot(t, "https://example.com/css/style.css", http.StatusOK, "body{}", header)
		if err := store.Put(ctx, "site-static-v1", snap); err != nil {
			t.Fatalf("put error: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "https://example.com/css/style.css", nil)
		got, err := store.Match(ctx, "site-static-v1", req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if got.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", got.StatusCode)
		}
		if body := readBody(t, got); body != "body{}" {
			t.Fatalf("unexpected body %q", body)
		}
		if got.Header.Get("X-Origin") != "upstream" {
			t.Fatalf("header not preserved: %v", got.Header)
		}
		if got.Type != ResponseBasic {
			t.Fatalf("unexpected type %s", got.Type)
		}
	})
}

func TestStoreMatchMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/missing", nil)
		if _, err := store.Match(context.Background(), "site-static-v1", req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreFragmentIgnored(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		snap := newSnapshot(t, "https://example.com/index.html", http.StatusOK, "home", nil)
		if err := store.Put(ctx, "site-static-v1", snap); err != nil {
			t.Fatalf("put error: %v", err)
		}
		req, err := http.NewRequest(http.MethodGet, "https://example.com/index.html#top", nil)
		if err != nil {
			t.Fatalf("new request error: %v", err)
		}
		if _, err := store.Match(ctx, "site-static-v1", req); err != nil {
			t.Fatalf("expected match ignoring fragment, got %v", err)
		}
	})
}

func TestStoreOverwrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if err := store.Put(ctx, "p", newSnapshot(t, "https://example.com/a.js", http.StatusOK, "v1", nil)); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := store.Put(ctx, "p", newSnapshot(t, "https://example.com/a.js", http.StatusOK, "v2", nil)); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := store.Match(ctx, "p", httptest.NewRequest(http.MethodGet, "https://example.com/a.js", nil))
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if body := readBody(t, got); body != "v2" {
			t.Fatalf("expected overwritten body, got %q", body)
		}
		keys, err := store.Keys(ctx, "p")
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 1 {
			t.Fatalf("expected single key, got %v", keys)
		}
	})
}

func TestStoreRejectsNonGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		req := httptest.NewRequest(http.MethodPost, "https://example.com/api/contact", nil)
		snap := NewSnapshot(req, http.StatusOK, http.Header{}, []byte("ok"), ResponseBasic)
		if err := store.Put(ctx, "p", snap); !errors.Is(err, ErrNotCacheable) {
			t.Fatalf("expected ErrNotCacheable, got %v", err)
		}
		if _, err := store.Match(ctx, "p", req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for POST match, got %v", err)
		}
	})
}

func TestStoreRejectsInvalidPartition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		snap := newSnapshot(t, "https://example.com/a.js", http.StatusOK, "x", nil)
		for _, name := range []string{"", "..", "a/b", "a:b"} {
			if err := store.Put(context.Background(), name, snap); !errors.Is(err, ErrInvalidPartition) {
				t.Fatalf("partition %q: expected ErrInvalidPartition, got %v", name, err)
			}
		}
	})
}

func TestStoreVary(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		req := httptest.NewRequest(http.MethodGet, "https://example.com/data.json", nil)
		req.Header.Set("Accept-Language", "fr")
		snap := NewSnapshot(req, http.StatusOK, http.Header{"Vary": []string{"accept-language"}}, []byte("bonjour"), ResponseBasic)
		if err := store.Put(ctx, "p", snap); err != nil {
			t.Fatalf("put error: %v", err)
		}

		same := httptest.NewRequest(http.MethodGet, "https://example.com/data.json", nil)
		same.Header.Set("Accept-Language", "fr")
		if _, err := store.Match(ctx, "p", same); err != nil {
			t.Fatalf("expected vary match, got %v", err)
		}

		other := httptest.NewRequest(http.MethodGet, "https://example.com/data.json", nil)
		other.Header.Set("Accept-Language", "ar")
		if _, err := store.Match(ctx, "p", other); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected vary mismatch, got %v", err)
		}
	})
}

func TestStoreVaryStarNeverMatches(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		snap := newSnapshot(t, "https://example.com/any", http.StatusOK, "x", http.Header{"Vary": []string{"*"}})
		if err := store.Put(ctx, "p", snap); err != nil {
			t.Fatalf("put error: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "https://example.com/any", nil)
		if _, err := store.Match(ctx, "p", req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected Vary: * miss, got %v", err)
		}
	})
}

func TestStorePutBatchAndPartitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		snaps := []*Snapshot{
			newSnapshot(t, "https://example.com/", http.StatusOK, "root", nil),
			newSnapshot(t, "https://example.com/offline.html", http.StatusOK, "offline", nil),
		}
		if err := store.PutBatch(ctx, "site-static-v1", snaps); err != nil {
			t.Fatalf("put batch error: %v", err)
		}
		if err := store.PutBatch(ctx, "site-images-v1", nil); err != nil {
			t.Fatalf("empty batch error: %v", err)
		}

		keys, err := store.Keys(ctx, "site-static-v1")
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		want := []string{"GET https://example.com/", "GET https://example.com/offline.html"}
		if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
			t.Fatalf("unexpected keys %v", keys)
		}

		names, err := store.Partitions(ctx)
		if err != nil {
			t.Fatalf("partitions error: %v", err)
		}
		if len(names) != 2 || names[0] != "site-images-v1" || names[1] != "site-static-v1" {
			t.Fatalf("unexpected partitions %v", names)
		}
	})
}

func TestStorePutBatchRejectsWholeBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		post := httptest.NewRequest(http.MethodPost, "https://example.com/form", nil)
		snaps := []*Snapshot{
			newSnapshot(t, "https://example.com/", http.StatusOK, "root", nil),
			NewSnapshot(post, http.StatusOK, http.Header{}, nil, ResponseBasic),
		}
		if err := store.PutBatch(ctx, "p", snaps); !errors.Is(err, ErrNotCacheable) {
			t.Fatalf("expected ErrNotCacheable, got %v", err)
		}
		keys, err := store.Keys(ctx, "p")
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected nothing written, got %v", keys)
		}
	})
}

func TestStoreDeletePartition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if err := store.Put(ctx, "old-static-v0", newSnapshot(t, "https://example.com/a.css", http.StatusOK, "a", nil)); err != nil {
			t.Fatalf("put error: %v", err)
		}
		existed, err := store.DeletePartition(ctx, "old-static-v0")
		if err != nil || !existed {
			t.Fatalf("expected delete existed=true, got %v %v", existed, err)
		}
		req := httptest.NewRequest(http.MethodGet, "https://example.com/a.css", nil)
		if _, err := store.Match(ctx, "old-static-v0", req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected miss after delete, got %v", err)
		}
		existed, err = store.DeletePartition(ctx, "old-static-v0")
		if err != nil || existed {
			t.Fatalf("expected second delete existed=false, got %v %v", existed, err)
		}
		names, err := store.Partitions(ctx)
		if err != nil {
			t.Fatalf("partitions error: %v", err)
		}
		if len(names) != 0 {
			t.Fatalf("expected no partitions, got %v", names)
		}
	})
}

func TestStoreCanceledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := store.Put(ctx, "p", newSnapshot(t, "https://example.com/a.js", http.StatusOK, "x", nil))
		if err == nil {
			t.Fatalf("expected error for canceled context")
		}
	})
}

func TestSnapshotResponseIndependentBodies(t *testing.T) {
	snap := newSnapshot(t, "https://example.com/a.js", http.StatusOK, "payload", nil)
	first := readBody(t, snap)
	second := readBody(t, snap)
	if first != "payload" || second != "payload" {
		t.Fatalf("expected repeatable bodies, got %q %q", first, second)
	}
}

func TestKeyStripsFragment(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://example.com/page.html?x=1#frag", nil)
	if err != nil {
		t.Fatalf("new request error: %v", err)
	}
	if got := RequestKey(req); got != "GET https://example.com/page.html?x=1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/v2", nil)
	filePath, err := fs.entryPath("p", RequestKey(req))
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Match(context.Background(), "p", req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestOpenMemoryAndUnknown(t *testing.T) {
	store, err := Open(context.Background(), Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory error: %v", err)
	}
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if _, err := Open(context.Background(), Options{Backend: "s3"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
