package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
FetchTimeout = "boom"

[Site]
ID = "ohaswin"
Origin = "https://ohaswin.example"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
FetchTimeout = 5

[Site]
ID = "ohaswin"
Origin = "https://ohaswin.example/"
CacheVersion = 3

[Staleness]
DocumentTTL = 14400
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.FetchTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("整数秒应被解析为 5s，得到 %s", loaded.Global.FetchTimeout.DurationValue())
	}
	if loaded.Staleness.DocumentTTL.DurationValue() != 4*time.Hour {
		t.Fatalf("DocumentTTL 应为 4h，得到 %s", loaded.Staleness.DocumentTTL.DurationValue())
	}
	if loaded.Site.Origin != "https://ohaswin.example" {
		t.Fatalf("Origin 末尾的 / 应被去掉: %s", loaded.Site.Origin)
	}
	if loaded.Site.StoreName() != "ohaswin-cache-v3" {
		t.Fatalf("StoreName 错误: %s", loaded.Site.StoreName())
	}
	if len(loaded.Site.Manifest) != len(defaultManifest) {
		t.Fatalf("未配置 Manifest 时应使用默认清单")
	}
}
