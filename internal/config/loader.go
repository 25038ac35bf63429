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

// 默认值与站点原始部署保持一致：24h 静态资源、6h 文档、100ms 防抖、2s 预取延迟。
const (
	defaultListenPort       = 5000
	defaultAssetTTL         = 24 * time.Hour
	defaultDocumentTTL      = 6 * time.Hour
	defaultDebounceWindow   = 100 * time.Millisecond
	defaultSettleDelay      = 2 * time.Second
	defaultFetchTimeout     = 10 * time.Second
	defaultUpstreamTimeout  = 30 * time.Second
	defaultScriptURL        = "/sw.js"
	defaultFallbackDocument = "/"
)

var defaultManifest = []string{
	"/",
	"/projects/index.html",
	"/blog/index.html",
	"/about/index.html",
	"/contact/index.html",
	"/assets/me.jpeg",
	"/assets/outp.webp",
	"/preloader.js",
}

var defaultTopRoutes = []string{
	"/",
	"/projects/index.html",
	"/blog/index.html",
	"/about/index.html",
	"/contact/index.html",
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

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySiteDefaults(&cfg.Site)
	applyStalenessDefaults(&cfg.Staleness)
	applyPreloaderDefaults(&cfg.Preloader)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	cfg.Site.Origin = strings.TrimRight(cfg.Site.Origin, "/")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxStorageBytes", 0)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FetchTimeout", "10s")
	v.SetDefault("Site.CacheVersion", 1)
	v.SetDefault("Site.ScriptURL", defaultScriptURL)
	v.SetDefault("Site.FallbackDocument", defaultFallbackDocument)
	v.SetDefault("Staleness.AssetTTL", "24h")
	v.SetDefault("Staleness.DocumentTTL", "6h")
	v.SetDefault("Preloader.DebounceWindow", "100ms")
	v.SetDefault("Preloader.SettleDelay", "2s")
	v.SetDefault("Preloader.DevMode", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(defaultFetchTimeout)
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ScriptURL == "" {
		s.ScriptURL = defaultScriptURL
	}
	if s.FallbackDocument == "" {
		s.FallbackDocument = defaultFallbackDocument
	}
	if len(s.Manifest) == 0 {
		s.Manifest = append([]string(nil), defaultManifest...)
	}
}

func applyStalenessDefaults(s *StalenessConfig) {
	if s.AssetTTL.DurationValue() == 0 {
		s.AssetTTL = Duration(defaultAssetTTL)
	}
	if s.DocumentTTL.DurationValue() == 0 {
		s.DocumentTTL = Duration(defaultDocumentTTL)
	}
}

func applyPreloaderDefaults(p *PreloaderConfig) {
	if p.DebounceWindow.DurationValue() == 0 {
		p.DebounceWindow = Duration(defaultDebounceWindow)
	}
	if p.SettleDelay.DurationValue() == 0 {
		p.SettleDelay = Duration(defaultSettleDelay)
	}
	if p.TopRoutes == nil {
		p.TopRoutes = append([]string(nil), defaultTopRoutes...)
	}
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
