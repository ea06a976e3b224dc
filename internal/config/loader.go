package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// defaultCDNHosts 与站点页面引用的第三方 CDN 保持一致。
var defaultCDNHosts = []string{
	"cdnjs.cloudflare.com",
	"cdn.jsdelivr.net",
	"code.jquery.com",
	"unpkg.com",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend != BackendMemory && cfg.Global.StorageBackend != BackendRedis {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", BackendBolt)
	v.SetDefault("MaxEntrySize", 32*1024*1024)
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("CDNHosts", defaultCDNHosts)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendBolt
	}
	if g.MaxEntrySize == 0 {
		g.MaxEntrySize = 32 * 1024 * 1024
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		g.UpstreamTimeout = Duration(0)
	}
	g.CDNHosts = normalizeHosts(g.CDNHosts)
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Version = strings.TrimSpace(s.Version)
	if s.OfflinePage == "" {
		s.OfflinePage = "/offline.html"
	}
	if s.OfflineMessage == "" {
		s.OfflineMessage = DefaultOfflineMessage
	}
	s.CDNHosts = normalizeHosts(s.CDNHosts)
}

func normalizeHosts(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	result := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		host = strings.TrimSuffix(host, ".")
		if host != "" {
			result = append(result, host)
		}
	}
	return result
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelPorts 拒绝在 [[Site]] 中声明端口，所有站点共享全局 ListenPort。
func rejectSiteLevelPorts(v *viper.Viper) error {
	var entries []map[string]interface{}
	switch sites := v.Get("Site").(type) {
	case []interface{}:
		for _, entry := range sites {
			if m, ok := entry.(map[string]interface{}); ok {
				entries = append(entries, m)
			} else {
				entries = append(entries, nil)
			}
		}
	case []map[string]interface{}:
		entries = sites
	default:
		return nil
	}

	for idx, m := range entries {
		// viper 会把键统一转为小写，这里按不区分大小写比较。
		if _, exists := lookupFold(m, "Port"); !exists {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupFold(m, "Name"); ok {
			if s, ok := rawName.(string); ok && s != "" {
				name = s
			}
		}
		return newFieldError(siteField(name, "Port"), "不支持站点级端口，请使用全局 ListenPort")
	}

	return nil
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, value := range m {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}
