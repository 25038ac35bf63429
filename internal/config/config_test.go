package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.FetchTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("FetchTimeout 应该自动填充 10s，得到 %s", cfg.Global.FetchTimeout.DurationValue())
	}
	if cfg.Site.ScriptURL != "/sw.js" {
		t.Fatalf("ScriptURL 默认值错误: %s", cfg.Site.ScriptURL)
	}
	if cfg.Site.FallbackDocument != "/" {
		t.Fatalf("FallbackDocument 默认值错误: %s", cfg.Site.FallbackDocument)
	}
	if len(cfg.Site.Manifest) != 5 {
		t.Fatalf("Manifest 应保留配置中的 5 项，得到 %d", len(cfg.Site.Manifest))
	}
	if cfg.Staleness.DocumentTTL.DurationValue() != 6*time.Hour {
		t.Fatalf("DocumentTTL 解析错误: %s", cfg.Staleness.DocumentTTL.DurationValue())
	}
	if cfg.Preloader.DebounceWindow.DurationValue() != 100*time.Millisecond {
		t.Fatalf("DebounceWindow 解析错误: %s", cfg.Preloader.DebounceWindow.DurationValue())
	}
	if len(cfg.Preloader.TopRoutes) == 0 {
		t.Fatalf("TopRoutes 未配置时应使用默认路由")
	}
	if got := cfg.Site.StoreName(); got != "ohaswin-cache-v1" {
		t.Fatalf("StoreName 错误: %s", got)
	}
}

func TestValidateRejectsMissingSite(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateDocumentTTLRange(t *testing.T) {
	testCases := []struct {
		name      string
		ttl       time.Duration
		shouldErr bool
	}{
		{"lower bound", 3 * time.Hour, false},
		{"upper bound", 8 * time.Hour, false},
		{"too short", 2*time.Hour + 59*time.Minute, true},
		{"too long", 9 * time.Hour, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Staleness.DocumentTTL = Duration(tc.ttl)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for ttl %s", tc.ttl)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for ttl %s: %v", tc.ttl, err)
			}
		})
	}
}

func TestValidateManifestEntries(t *testing.T) {
	cfg := validConfig()
	cfg.Site.Manifest = []string{"/", "https://cdn.example/x.js"}
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("期望 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Site.Manifest[1]" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}

	cfg = validConfig()
	cfg.Site.Manifest = []string{"/", "/"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的 manifest 项应报错")
	}
}

func TestValidateSiteID(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = "Bad ID"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非法 Site.ID 应报错")
	}
}

func TestValidateOriginWithoutPath(t *testing.T) {
	cfg := validConfig()
	cfg.Site.Origin = "https://ohaswin.example/blog"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("带路径的 Origin 应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
			FetchTimeout:    Duration(time.Second),
		},
		Site: SiteConfig{
			ID:               "ohaswin",
			Origin:           "https://ohaswin.example",
			CacheVersion:     2,
			ScriptURL:        "/sw.js",
			FallbackDocument: "/",
			Manifest:         []string{"/", "/blog/index.html"},
		},
		Staleness: StalenessConfig{
			AssetTTL:    Duration(24 * time.Hour),
			DocumentTTL: Duration(6 * time.Hour),
		},
		Preloader: PreloaderConfig{
			DebounceWindow: Duration(100 * time.Millisecond),
			SettleDelay:    Duration(2 * time.Second),
			TopRoutes:      []string{"/"},
		},
	}
}
