package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// 文档阈值只允许在 3-8 小时之间调整，避免 HTML 长期不刷新或频繁回源。
const (
	minDocumentTTL = 3 * time.Hour
	maxDocumentTTL = 8 * time.Hour
)

var siteIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxStorageBytes < 0 {
		return newFieldError("Global.MaxStorageBytes", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}

	if err := c.Site.validate(); err != nil {
		return err
	}

	s := c.Staleness
	if s.AssetTTL.DurationValue() <= 0 {
		return newFieldError("Staleness.AssetTTL", "必须大于 0")
	}
	if d := s.DocumentTTL.DurationValue(); d < minDocumentTTL || d > maxDocumentTTL {
		return newFieldError("Staleness.DocumentTTL", "必须在 3h-8h 之间")
	}

	p := c.Preloader
	if p.DebounceWindow.DurationValue() <= 0 {
		return newFieldError("Preloader.DebounceWindow", "必须大于 0")
	}
	if p.SettleDelay.DurationValue() < 0 {
		return newFieldError("Preloader.SettleDelay", "不能为负数")
	}
	for i, route := range p.TopRoutes {
		if !isOriginRelative(route) {
			return newFieldError(listField("Preloader.TopRoutes", i), "必须是以 / 开头的站内路径")
		}
	}

	return nil
}

func (s *SiteConfig) validate() error {
	if s.ID == "" {
		return newFieldError("Site.ID", "不能为空")
	}
	if !siteIDPattern.MatchString(s.ID) {
		return newFieldError("Site.ID", "仅允许小写字母、数字、- 与 _")
	}
	if s.CacheVersion <= 0 {
		return newFieldError("Site.CacheVersion", "必须大于 0")
	}
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Site.Origin: %w", err)
	}
	if !isOriginRelative(s.ScriptURL) {
		return newFieldError("Site.ScriptURL", "必须是以 / 开头的站内路径")
	}
	if !isOriginRelative(s.FallbackDocument) {
		return newFieldError("Site.FallbackDocument", "必须是以 / 开头的站内路径")
	}
	seen := make(map[string]struct{}, len(s.Manifest))
	for i, item := range s.Manifest {
		if !isOriginRelative(item) {
			return newFieldError(listField("Site.Manifest", i), "必须是以 / 开头的站内路径")
		}
		if _, dup := seen[item]; dup {
			return newFieldError(listField("Site.Manifest", i), "重复")
		}
		seen[item] = struct{}{}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，站点: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("站点缺少 Host: %s", raw)
	}
	if p := strings.Trim(parsed.Path, "/"); p != "" {
		return fmt.Errorf("站点地址不允许包含路径: %s", raw)
	}
	return nil
}

func isOriginRelative(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//")
}
