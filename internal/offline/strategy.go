package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/policy"
)

// 响应头名称。
const (
	HeaderCacheStatus = "Cache-Status"
	HeaderCategory    = "X-Offline-Category"
	cacheName         = "offline-hub"
)

// exchange 汇总一次拦截所需的上下文。
type exchange struct {
	req       *http.Request
	gen       Generation
	info      policy.RequestInfo
	profile   policy.Profile
	partition string
}

// outcome 是策略执行结果。
type outcome struct {
	resp        *http.Response
	source      string
	cacheStatus string
}

// Target 将入站请求的 Host 与 RequestURI 映射为回源地址：CDN 主机以 https 直连，其余指向站点上游。
func (m *Manager) Target(host, requestURI string) (*url.URL, error) {
	manifest := m.currentManifest()
	hostname := strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = h
	}
	hostname = strings.TrimSuffix(hostname, ".")
	if requestURI == "" {
		requestURI = "/"
	}
	if hostname != "" && hostname != manifest.Domain && policy.MatchHost(hostname, manifest.CDNHosts) {
		return url.Parse("https://" + hostname + requestURI)
	}
	return manifest.Resolve(requestURI)
}

func (m *Manager) currentManifest() Manifest {
	if gen, ok := m.activeGeneration(); ok {
		return gen.Manifest
	}
	return m.Manifest()
}

// HandleRequest 拦截一次请求并返回响应。任何网络或缓存错误都在内部消化，
// 调用方总能得到一个响应：网络结果、缓存副本、离线页面或 503。
// req.URL 必须是完整的回源地址（参见 Target）。
func (m *Manager) HandleRequest(ctx context.Context, req *http.Request) *http.Response {
	started := time.Now()
	req = prepareRequest(ctx, req)

	gen, ok := m.activeGeneration()
	if !ok {
		return m.passThrough(ctx, req, started)
	}

	info := policy.InfoFromRequest(req, gen.Manifest.CDNHosts)
	category := policy.Classify(info)
	profile, ok := policy.Resolve(category)
	if !ok {
		profile = policy.Profile{Category: category, Strategy: policy.StrategyNetworkFirstOffline, Partition: policy.PartitionStatic}
	}
	ex := &exchange{
		req:       req,
		gen:       gen,
		info:      info,
		profile:   profile,
		partition: gen.Partitions.For(policy.ResolvePartition(profile, gen.Manifest.SplitCDN)),
	}

	var out outcome
	switch profile.Strategy {
	case policy.StrategyCacheFirst:
		out = m.cacheFirst(ctx, ex)
	default:
		out = m.networkFirst(ctx, ex)
	}

	out.resp.Header.Set(HeaderCacheStatus, out.cacheStatus)
	out.resp.Header.Set(HeaderCategory, string(profile.Category))
	requestsTotal.WithLabelValues(gen.Manifest.Name, string(profile.Category), string(profile.Strategy), out.source).Inc()
	m.logIntercept(ex, out, started)
	return out.resp
}

// cacheFirst 命中即返回；未命中回源并写入缓存。
func (m *Manager) cacheFirst(ctx context.Context, ex *exchange) outcome {
	if snap := m.lookup(ctx, ex.gen, ex.partition, ex.req); snap != nil {
		return outcome{resp: snap.Response(ex.req), source: sourceCache, cacheStatus: cacheName + "; hit"}
	}

	f, err := m.fetch(ctx, ex.gen.Manifest, ex.req)
	if err != nil {
		m.recordNetworkFailure(ex, err)
		return m.offlineFallback(ctx, ex)
	}
	status := cacheName + "; fwd=uri-miss"
	if m.schedulePut(ctx, ex, f) {
		status += "; stored"
	}
	return outcome{resp: f.resp, source: sourceNetwork, cacheStatus: status}
}

// networkFirst 总是先回源；失败后依次回退到缓存副本、离线页面（导航）或 503。
func (m *Manager) networkFirst(ctx context.Context, ex *exchange) outcome {
	f, err := m.fetch(ctx, ex.gen.Manifest, ex.req)
	if err == nil {
		status := cacheName + "; fwd=request"
		if m.schedulePut(ctx, ex, f) {
			status += "; stored"
		}
		return outcome{resp: f.resp, source: sourceNetwork, cacheStatus: status}
	}

	m.recordNetworkFailure(ex, err)
	if snap := m.lookup(ctx, ex.gen, ex.partition, ex.req); snap != nil {
		return outcome{resp: snap.Response(ex.req), source: sourceCache, cacheStatus: cacheName + "; hit; detail=offline"}
	}
	return m.offlineFallback(ctx, ex)
}

// schedulePut 判断响应能否入库，可以时调度后台写入。
// 通用回退路径只接受 200 + basic；其余策略接受任意来源的 200。
func (m *Manager) schedulePut(ctx context.Context, ex *exchange, f *fetched) bool {
	if ex.req.Method != http.MethodGet || !f.cacheable() || f.resp.StatusCode != http.StatusOK {
		return false
	}
	if ex.profile.Strategy == policy.StrategyNetworkFirstOffline && f.typ != cache.ResponseBasic {
		return false
	}
	snap := cache.NewSnapshot(ex.req, f.resp.StatusCode, f.resp.Header, f.body, f.typ)
	m.writer.put(ctx, ex.partition, snap)
	return true
}

// lookup 先查首选分区，再查本代其它分区；非 GET 请求永不命中。
func (m *Manager) lookup(ctx context.Context, gen Generation, preferred string, req *http.Request) *cache.Snapshot {
	if req.Method != http.MethodGet {
		return nil
	}
	order := append([]string{preferred}, gen.Partitions.Names()...)
	seen := make(map[string]struct{}, len(order))
	for _, partition := range order {
		if _, dup := seen[partition]; dup {
			continue
		}
		seen[partition] = struct{}{}
		snap, err := m.store.Match(ctx, partition, req)
		if err == nil {
			return snap
		}
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action":    "cache_match",
				"site":      gen.Manifest.Name,
				"partition": partition,
			}).Warn("cache_match_failed")
		}
	}
	return nil
}

// offlineFallback 导航请求返回缓存的离线页面，其余请求返回 503 文本。
func (m *Manager) offlineFallback(ctx context.Context, ex *exchange) outcome {
	if ex.info.Navigate {
		if page := m.offlinePage(ctx, ex.gen); page != nil {
			return outcome{resp: page.Response(ex.req), source: sourceOffline, cacheStatus: cacheName + "; hit; detail=offline-page"}
		}
	}
	return outcome{
		resp:        unavailableResponse(ex.req, ex.gen.Manifest.OfflineMessage),
		source:      sourceOffline,
		cacheStatus: cacheName + "; fwd=uri-miss; detail=offline",
	}
}

func (m *Manager) offlinePage(ctx context.Context, gen Generation) *cache.Snapshot {
	target, err := gen.Manifest.Resolve(gen.Manifest.OfflinePage)
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil
	}
	return m.lookup(ctx, gen, gen.Partitions.Static, req)
}

// passThrough 处理尚无生效版本时的请求：直接回源，不读写缓存。
func (m *Manager) passThrough(ctx context.Context, req *http.Request, started time.Time) *http.Response {
	manifest := m.Manifest()
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = out.URL.Host
	resp, err := m.client.Do(out)
	if err != nil {
		networkFailures.WithLabelValues(manifest.Name, "uncontrolled").Inc()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"action": "intercept",
			"site":   manifest.Name,
			"url":    req.URL.String(),
		}).Warn("passthrough_failed")
		resp = unavailableResponse(req, manifest.OfflineMessage)
		resp.Header.Set(HeaderCacheStatus, cacheName+"; fwd=bypass; detail=offline")
		return resp
	}
	resp.Header.Set(HeaderCacheStatus, cacheName+"; fwd=bypass")
	m.logger.WithFields(logrus.Fields{
		"action":          "intercept",
		"site":            manifest.Name,
		"url":             req.URL.String(),
		"upstream_status": resp.StatusCode,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}).Debug("passthrough_complete")
	return resp
}

func (m *Manager) recordNetworkFailure(ex *exchange, err error) {
	networkFailures.WithLabelValues(ex.gen.Manifest.Name, string(ex.profile.Category)).Inc()
	m.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "fetch",
		"site":     ex.gen.Manifest.Name,
		"category": string(ex.profile.Category),
		"url":      ex.req.URL.String(),
	}).Warn("network_failed")
}

func (m *Manager) logIntercept(ex *exchange, out outcome, started time.Time) {
	manifest := ex.gen.Manifest
	fields := logging.RequestFields(manifest.Name, manifest.Domain, string(ex.profile.Category), string(ex.profile.Strategy), out.source != sourceNetwork)
	fields["action"] = "intercept"
	fields["source"] = out.source
	fields["method"] = ex.req.Method
	fields["url"] = ex.req.URL.String()
	fields["status"] = out.resp.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Info("intercept_complete")
}

// unavailableResponse 构造离线时的 503 文本响应。
func unavailableResponse(req *http.Request, message string) *http.Response {
	body := []byte(message)
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
