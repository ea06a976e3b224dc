package server

import (
	"errors"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

// 网络优先策略只有在回源尽快失败时才能及时回退到缓存，拨号与握手超时因此偏短。
const (
	upstreamDialTimeout      = 5 * time.Second
	upstreamHandshakeTimeout = 5 * time.Second
	maxUpstreamRedirects     = 5
)

// errTooManyRedirects 让重定向环被视为网络失败，由 Manager 走离线回退。
var errTooManyRedirects = errors.New("upstream redirect limit exceeded")

// newUpstreamTransport 返回所有站点共享的连接池配置。
// 设置了 UpstreamTimeout 时，同时作为等待响应头的上限。
func newUpstreamTransport(cfg *config.Config) *http.Transport {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   upstreamHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		// 正文统一以未压缩形式缓存，禁止 Transport 自动协商 gzip。
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   upstreamDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		transport.ResponseHeaderTimeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return transport
}

// NewUpstreamClient 返回共享 http.Client，用于安装预取与运行时回源。
// UpstreamTimeout 为 0 时不设整体超时，延迟上限由调用方自行控制。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	var timeout time.Duration
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     newUpstreamTransport(cfg),
		CheckRedirect: limitRedirects,
	}
}

func limitRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxUpstreamRedirects {
		return errTooManyRedirects
	}
	return nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst。
// 除固定的 hop-by-hop 字段外，Connection 中列出的字段同样不会转发。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	var tokens map[string]struct{}
	for key, values := range h {
		if textproto.CanonicalMIMEHeaderKey(key) != "Connection" {
			continue
		}
		for _, value := range values {
			for _, token := range strings.Split(value, ",") {
				token = strings.TrimSpace(token)
				if token == "" {
					continue
				}
				if tokens == nil {
					tokens = make(map[string]struct{})
				}
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
