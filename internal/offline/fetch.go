package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
)

// fetched 是一次已完成的网络请求。body 为 nil 表示正文过大，只能透传。
type fetched struct {
	resp *http.Response
	body []byte
	typ  cache.ResponseType
}

func (f *fetched) cacheable() bool {
	return f.body != nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// newHTTPClient 复用调用方注入的 client；站点配置了代理时克隆 Transport 并替换 Proxy。
func newHTTPClient(base *http.Client, proxyURL *url.URL) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if proxyURL == nil {
		return base
	}
	transport := &http.Transport{}
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *base
	client.Transport = transport
	return &client
}

// prepareRequest 复制入站请求并移除 Accept-Encoding，缓存与回源都只处理未压缩正文。
func prepareRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.Header.Del("Accept-Encoding")
	return out
}

// fetch 回源并读取正文。任何传输或读取失败都视为网络失败。
func (m *Manager) fetch(ctx context.Context, manifest Manifest, req *http.Request) (*fetched, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = out.URL.Host

	resp, err := m.client.Do(out)
	if err != nil {
		return nil, err
	}

	body, err := readLimited(resp.Body, m.maxEntrySize)
	switch {
	case err == nil:
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Del("Content-Length")
		resp.Header.Del("Transfer-Encoding")
	case errors.Is(err, errEntryTooLarge):
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		body = nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &fetched{
		resp: resp,
		body: body,
		typ:  responseType(manifest, resp),
	}, nil
}

// fetchAsset 在安装阶段获取单个资源，非 2xx 与超限正文都视为失败。
func (m *Manager) fetchAsset(ctx context.Context, manifest Manifest, target *url.URL) (*cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	f, err := m.fetch(ctx, manifest, req)
	if err != nil {
		return nil, err
	}
	defer f.resp.Body.Close()
	if f.resp.StatusCode < 200 || f.resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", f.resp.StatusCode)
	}
	if !f.cacheable() {
		return nil, errEntryTooLarge
	}
	return cache.NewSnapshot(req, f.resp.StatusCode, f.resp.Header, f.body, f.typ), nil
}

// responseType 根据最终响应地址（跟随重定向后）判断 basic / opaque。
func responseType(manifest Manifest, resp *http.Response) cache.ResponseType {
	if resp != nil && resp.Request != nil && manifest.SameOrigin(resp.Request.URL) {
		return cache.ResponseBasic
	}
	return cache.ResponseOpaque
}

// readLimited 最多读取 limit 字节；超过时返回已读前缀与 errEntryTooLarge。
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if data == nil && err == nil {
			data = []byte{}
		}
		return data, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return data, errEntryTooLarge
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
