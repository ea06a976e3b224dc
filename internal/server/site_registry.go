package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/policy"
)

// SiteRoute 将站点配置与派生属性（解析后的 Upstream/Proxy URL、生效的 CDN 主机）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是用户在 config.toml 中声明的 Site 字段副本，避免外部修改。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort  int
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// CDNHosts 是该站点生效的 CDN 主机列表，站点未覆盖时等于全局值。
	CDNHosts []string
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
// 站点域名与站点级 CDNHosts 独占；全局 CDNHosts 归属第一个使用它的站点。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	cdn     []cdnClaim
	ordered []*SiteRoute
}

type cdnClaim struct {
	host  string
	route *SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	// 站点级 CDN 主机优先于全局默认值。
	for _, route := range registry.ordered {
		if len(route.Config.CDNHosts) == 0 {
			continue
		}
		for _, host := range route.CDNHosts {
			if err := registry.claimCDN(host, route, true); err != nil {
				return nil, err
			}
		}
	}
	for _, route := range registry.ordered {
		if len(route.Config.CDNHosts) > 0 {
			continue
		}
		for _, host := range route.CDNHosts {
			_ = registry.claimCDN(host, route, false)
		}
	}

	return registry, nil
}

func (r *SiteRegistry) claimCDN(host string, route *SiteRoute, exclusive bool) error {
	host = normalizeDomain(host)
	if host == "" {
		return nil
	}
	if _, exists := r.routes[host]; exists {
		if exclusive {
			return fmt.Errorf("cdn host %s of site %s collides with a site domain", host, route.Config.Name)
		}
		return nil
	}
	for _, claim := range r.cdn {
		if claim.host == host {
			if exclusive && claim.route != route {
				return fmt.Errorf("cdn host %s claimed by both %s and %s", host, claim.route.Config.Name, route.Config.Name)
			}
			return nil
		}
	}
	r.cdn = append(r.cdn, cdnClaim{host: host, route: route})
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute：先精确匹配站点域名，再按后缀匹配 CDN 主机。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	if route, ok := r.routes[normalizedHost]; ok {
		return route, true
	}
	for _, claim := range r.cdn {
		if policy.MatchHost(normalizedHost, []string{claim.host}) {
			return claim.route, true
		}
	}
	return nil, false
}

// List 返回当前注册的 SiteRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	return &SiteRoute{
		Config:      site,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		CDNHosts:    cfg.EffectiveCDNHosts(site),
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0
	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
