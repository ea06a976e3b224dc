package offline

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/policy"
)

// Manifest 是某个站点一次安装所需的全部静态输入。
type Manifest struct {
	Name           string
	Domain         string
	Version        string
	Origin         *url.URL
	Proxy          *url.URL
	CriticalAssets []string
	CDNAssets      []string
	CDNHosts       []string
	OfflinePage    string
	OfflineMessage string
	SplitCDN       bool
	SkipWaiting    bool
}

// ManifestFromConfig 将站点配置转换为 Manifest，CDN 主机取站点覆盖值或全局默认值。
func ManifestFromConfig(cfg *config.Config, site config.SiteConfig) (Manifest, error) {
	origin, err := url.Parse(site.Upstream)
	if err != nil {
		return Manifest{}, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}
	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return Manifest{}, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}
	var cdnHosts []string
	if cfg != nil {
		cdnHosts = cfg.EffectiveCDNHosts(site)
	} else {
		cdnHosts = site.CDNHosts
	}
	message := site.OfflineMessage
	if message == "" {
		message = config.DefaultOfflineMessage
	}

	return Manifest{
		Name:           site.Name,
		Domain:         strings.ToLower(site.Domain),
		Version:        site.Version,
		Origin:         origin,
		Proxy:          proxyURL,
		CriticalAssets: append([]string(nil), site.CriticalAssets...),
		CDNAssets:      append([]string(nil), site.CDNAssets...),
		CDNHosts:       append([]string(nil), cdnHosts...),
		OfflinePage:    site.OfflinePage,
		OfflineMessage: message,
		SplitCDN:       site.SplitCDNPartition,
		SkipWaiting:    site.SkipWaitingValue(),
	}, nil
}

// Resolve 将站内路径（可带查询串）解析为回源地址。
func (m Manifest) Resolve(ref string) (*url.URL, error) {
	if m.Origin == nil {
		return nil, fmt.Errorf("site %s has no upstream", m.Name)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if rel.IsAbs() {
		return rel, nil
	}
	if !strings.HasPrefix(rel.Path, "/") {
		rel.Path = "/" + rel.Path
	}
	return m.Origin.ResolveReference(rel), nil
}

// SameOrigin 判断 u 是否与站点上游同源（scheme + host）。
func (m Manifest) SameOrigin(u *url.URL) bool {
	if u == nil || m.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, m.Origin.Scheme) && strings.EqualFold(u.Host, m.Origin.Host)
}

// PartitionSet 保存一代缓存使用的全部分区名：<site>-<kind>-<version>。
type PartitionSet struct {
	Site    string
	Version string
	Static  string
	Images  string
	Fonts   string
	// CDN 仅在拆分 CDN 分区时非空。
	CDN string
}

var partitionKinds = []policy.PartitionKind{
	policy.PartitionStatic,
	policy.PartitionImages,
	policy.PartitionFonts,
	policy.PartitionCDN,
}

// PartitionName 拼接分区名。
func PartitionName(site string, kind policy.PartitionKind, version string) string {
	return site + "-" + string(kind) + "-" + version
}

// NewPartitionSet 根据站点名与版本构造分区集合。
func NewPartitionSet(site, version string, splitCDN bool) PartitionSet {
	set := PartitionSet{
		Site:    site,
		Version: version,
		Static:  PartitionName(site, policy.PartitionStatic, version),
		Images:  PartitionName(site, policy.PartitionImages, version),
		Fonts:   PartitionName(site, policy.PartitionFonts, version),
	}
	if splitCDN {
		set.CDN = PartitionName(site, policy.PartitionCDN, version)
	}
	return set
}

// For 返回分区类别对应的分区名；未拆分时 cdn 落在 fonts 分区。
func (p PartitionSet) For(kind policy.PartitionKind) string {
	switch kind {
	case policy.PartitionImages:
		return p.Images
	case policy.PartitionFonts:
		return p.Fonts
	case policy.PartitionCDN:
		if p.CDN != "" {
			return p.CDN
		}
		return p.Fonts
	default:
		return p.Static
	}
}

// Names 返回当前集合内的分区名。
func (p PartitionSet) Names() []string {
	names := []string{p.Static, p.Images, p.Fonts}
	if p.CDN != "" {
		names = append(names, p.CDN)
	}
	return names
}

// Contains 判断分区是否属于当前集合。
func (p PartitionSet) Contains(name string) bool {
	for _, candidate := range p.Names() {
		if candidate == name {
			return true
		}
	}
	return false
}

// Stale 判断分区是否属于本站点但不在当前集合中；其它站点的分区永远返回 false。
func (p PartitionSet) Stale(name string) bool {
	if p.Contains(name) {
		return false
	}
	for _, kind := range partitionKinds {
		prefix := p.Site + "-" + string(kind) + "-"
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}
