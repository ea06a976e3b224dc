package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的分区存储后端。
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// DefaultOfflineMessage 是非导航请求离线时返回的 503 正文。
const DefaultOfflineMessage = "Hors ligne - Veuillez vérifier votre connexion"

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisDB         int      `mapstructure:"RedisDB"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	CDNHosts        []string `mapstructure:"CDNHosts"`
}

// SiteConfig 描述一个页面组（站点）的离线缓存清单与上游地址。
type SiteConfig struct {
	Name              string   `mapstructure:"Name"`
	Domain            string   `mapstructure:"Domain"`
	Upstream          string   `mapstructure:"Upstream"`
	Proxy             string   `mapstructure:"Proxy"`
	Version           string   `mapstructure:"Version"`
	CriticalAssets    []string `mapstructure:"CriticalAssets"`
	CDNAssets         []string `mapstructure:"CDNAssets"`
	CDNHosts          []string `mapstructure:"CDNHosts"`
	OfflinePage       string   `mapstructure:"OfflinePage"`
	OfflineMessage    string   `mapstructure:"OfflineMessage"`
	SplitCDNPartition bool     `mapstructure:"SplitCDNPartition"`
	SkipWaiting       *bool    `mapstructure:"SkipWaiting"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// SkipWaitingValue 返回站点是否在安装完成后立即接管，未配置时默认 true。
func (s SiteConfig) SkipWaitingValue() bool {
	if s.SkipWaiting == nil {
		return true
	}
	return *s.SkipWaiting
}

// EffectiveCDNHosts 返回站点生效的 CDN 主机列表，未覆盖时回退至全局值。
func (c *Config) EffectiveCDNHosts(s SiteConfig) []string {
	if len(s.CDNHosts) > 0 {
		return s.CDNHosts
	}
	return c.Global.CDNHosts
}

// SiteNames 返回所有站点的名称与版本摘要，例如 oum-keltoum:v1.0。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}
