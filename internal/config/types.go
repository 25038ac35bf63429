package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"6h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxStorageBytes int64    `mapstructure:"MaxStorageBytes"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// FetchTimeout 约束 Worker 自身发起的请求（manifest 安装、后台 revalidate）。
	FetchTimeout Duration `mapstructure:"FetchTimeout"`
}

// SiteConfig 描述被缓存的站点以及当前部署的 Worker 版本。
type SiteConfig struct {
	ID               string   `mapstructure:"ID"`
	Origin           string   `mapstructure:"Origin"`
	CacheVersion     int      `mapstructure:"CacheVersion"`
	ScriptURL        string   `mapstructure:"ScriptURL"`
	FallbackDocument string   `mapstructure:"FallbackDocument"`
	Manifest         []string `mapstructure:"Manifest"`
}

// StalenessConfig 是 Staleness Policy 唯一可调的两个阈值。
type StalenessConfig struct {
	AssetTTL    Duration `mapstructure:"AssetTTL"`
	DocumentTTL Duration `mapstructure:"DocumentTTL"`
}

// PreloaderConfig 控制页面内预取代理的节奏。
type PreloaderConfig struct {
	DebounceWindow Duration `mapstructure:"DebounceWindow"`
	SettleDelay    Duration `mapstructure:"SettleDelay"`
	TopRoutes      []string `mapstructure:"TopRoutes"`
	// DevMode 下预取与缓存检查全部关闭，便于本地调试页面。
	DevMode bool `mapstructure:"DevMode"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Site      SiteConfig      `mapstructure:"Site"`
	Staleness StalenessConfig `mapstructure:"Staleness"`
	Preloader PreloaderConfig `mapstructure:"Preloader"`
}

// StoreName 按 "{site-id}-cache-v{N}" 规则生成当前版本的缓存库名称。
func (s SiteConfig) StoreName() string {
	return fmt.Sprintf("%s-cache-v%d", s.ID, s.CacheVersion)
}
