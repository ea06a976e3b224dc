package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendMemory: {},
	BackendFS:     {},
	BackendBolt:   {},
	BackendRedis:  {},
}

const supportedBackendList = "memory|fs|bolt|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	switch g.StorageBackend {
	case BackendFS, BackendBolt:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端必须提供地址")
		}
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	claimedHosts := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, "/:\\ \t") {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含空白、冒号或斜杠")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if strings.ContainsAny(site.Version, "/:\\ \t") {
			return newFieldError(siteField(site.Name, "Version"), "不允许包含空白、冒号或斜杠")
		}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := claimHost(claimedHosts, strings.ToLower(site.Domain), site.Name); err != nil {
			return err
		}
		for _, host := range c.EffectiveCDNHosts(*site) {
			if err := validateDomain(host); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "CDNHosts"), err)
			}
			if len(site.CDNHosts) > 0 {
				if err := claimHost(claimedHosts, host, site.Name); err != nil {
					return err
				}
			}
		}

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		for _, asset := range site.CriticalAssets {
			if !strings.HasPrefix(asset, "/") {
				return newFieldError(siteField(site.Name, "CriticalAssets"), "必须是以 / 开头的站内路径: "+asset)
			}
		}
		for _, asset := range site.CDNAssets {
			if err := validateUpstream(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "CDNAssets"), err)
			}
		}
		if !strings.HasPrefix(site.OfflinePage, "/") {
			return newFieldError(siteField(site.Name, "OfflinePage"), "必须是以 / 开头的站内路径")
		}
		if !containsString(site.CriticalAssets, site.OfflinePage) {
			return newFieldError(siteField(site.Name, "OfflinePage"), "必须包含在 CriticalAssets 中")
		}
	}

	return checkPartitionPrefixes(c.Sites)
}

var partitionKindNames = []string{"static", "images", "fonts", "cdn"}

// checkPartitionPrefixes 拒绝形如 <name>-<kind> 的站点名，避免其分区被另一个站点的清理误删。
func checkPartitionPrefixes(sites []SiteConfig) error {
	for _, a := range sites {
		for _, b := range sites {
			if a.Name == b.Name || !strings.HasPrefix(b.Name, a.Name+"-") {
				continue
			}
			rest := strings.TrimPrefix(b.Name, a.Name+"-")
			for _, kind := range partitionKindNames {
				if rest == kind || strings.HasPrefix(rest, kind+"-") {
					return newFieldError(siteField(b.Name, "Name"), "与站点 "+a.Name+" 的分区命名冲突")
				}
			}
		}
	}
	return nil
}

// claimHost 保证同一个 Host 只归属于一个站点，避免请求被路由到错误的页面组。
func claimHost(claimed map[string]string, host, site string) error {
	if owner, exists := claimed[host]; exists && owner != site {
		return newFieldError(siteField(site, "Domain"), fmt.Sprintf("%s 已被站点 %s 使用", host, owner))
	}
	claimed[host] = site
	return nil
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
