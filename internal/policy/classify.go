package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

var (
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {},
	}
	fontExtensions = map[string]struct{}{
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	}
)

// RequestInfo 是分类所需的最小请求描述，不依赖具体 HTTP 框架。
type RequestInfo struct {
	Method   string
	URL      *url.URL
	Navigate bool
	// CDNHosts 为站点生效的第三方 CDN 主机列表，按后缀匹配。
	CDNHosts []string
}

// InfoFromRequest 从 net/http 请求提取分类信息。导航模式来自 Sec-Fetch-Mode/Dest。
func InfoFromRequest(req *http.Request, cdnHosts []string) RequestInfo {
	return RequestInfo{
		Method:   req.Method,
		URL:      req.URL,
		Navigate: IsNavigation(req),
		CDNHosts: cdnHosts,
	}
}

// IsNavigation 判断请求是否为页面导航。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document")
}

// Classify 按固定优先级对请求分类：非 GET → other；页面 → document；
// css/js → static；图片 → image；字体 → font；CDN 主机 → cdn；其余 → other。
func Classify(info RequestInfo) Category {
	if info.Method != http.MethodGet || info.URL == nil {
		return CategoryOther
	}

	p := info.URL.Path
	if p == "" {
		p = "/"
	}
	ext := strings.ToLower(path.Ext(p))

	switch {
	case p == "/" || ext == ".html" || info.Navigate:
		return CategoryDocument
	case ext == ".css" || ext == ".js":
		return CategoryStatic
	}
	if _, ok := imageExtensions[ext]; ok {
		return CategoryImage
	}
	if _, ok := fontExtensions[ext]; ok {
		return CategoryFont
	}
	if MatchHost(info.URL.Hostname(), info.CDNHosts) {
		return CategoryCDN
	}
	return CategoryOther
}

// MatchHost 判断 host 是否等于或隶属于列表中的某个主机。
func MatchHost(host string, hosts []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, candidate := range hosts {
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}
