package staleness

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
)

// ResourceClass 区分静态资源与页面文档，两者使用不同的过期阈值。
type ResourceClass string

const (
	ClassStaticAsset ResourceClass = "static-asset"
	ClassDocument    ResourceClass = "document"
)

// 文档阈值允许的范围。
const (
	MinDocumentThreshold = 3 * time.Hour
	MaxDocumentThreshold = 8 * time.Hour
)

// Thresholds 保存每类资源的最大新鲜时长。
type Thresholds struct {
	Asset    time.Duration
	Document time.Duration
}

// DefaultThresholds 与站点原始部署一致。
var DefaultThresholds = Thresholds{
	Asset:    24 * time.Hour,
	Document: 6 * time.Hour,
}

// ErrThresholdOutOfRange 表示阈值不在允许区间。
var ErrThresholdOutOfRange = errors.New("staleness threshold out of range")

// Policy 是不可变的过期判定策略。
type Policy struct {
	thresholds Thresholds
}

// NewPolicy 校验阈值并返回 Policy。
func NewPolicy(t Thresholds) (Policy, error) {
	if t.Asset <= 0 {
		return Policy{}, fmt.Errorf("%w: asset threshold %s", ErrThresholdOutOfRange, t.Asset)
	}
	if t.Document < MinDocumentThreshold || t.Document > MaxDocumentThreshold {
		return Policy{}, fmt.Errorf("%w: document threshold %s not within [%s, %s]",
			ErrThresholdOutOfRange, t.Document, MinDocumentThreshold, MaxDocumentThreshold)
	}
	return Policy{thresholds: t}, nil
}

// DefaultPolicy 返回使用 DefaultThresholds 的策略。
func DefaultPolicy() Policy {
	return Policy{thresholds: DefaultThresholds}
}

// Thresholds 返回策略使用的阈值。
func (p Policy) Thresholds() Thresholds {
	if p.thresholds == (Thresholds{}) {
		return DefaultThresholds
	}
	return p.thresholds
}

// Threshold 返回 class 对应的阈值；未知类别按静态资源处理。
func (p Policy) Threshold(class ResourceClass) time.Duration {
	t := p.Thresholds()
	if class == ClassDocument {
		return t.Document
	}
	return t.Asset
}

// IsStale 判断在 now 时刻 capturedAt 抓取的快照是否已过期。
// 抓取时间未知视为过期；恰好等于阈值仍算新鲜。
func (p Policy) IsStale(class ResourceClass, capturedAt, now time.Time) bool {
	if capturedAt.IsZero() {
		return true
	}
	return now.Sub(capturedAt) > p.Threshold(class)
}

var assetDestinations = map[string]struct{}{
	"image":  {},
	"style":  {},
	"script": {},
	"font":   {},
}

// Classify 根据请求头与路径判断资源类别。
func Classify(r *http.Request) ResourceClass {
	if r == nil {
		return ClassStaticAsset
	}
	dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
	switch dest {
	case "document", "iframe":
		return ClassDocument
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return ClassDocument
	}
	if _, ok := assetDestinations[dest]; ok {
		return ClassStaticAsset
	}
	if AcceptsHTML(r.Header.Get("Accept")) {
		return ClassDocument
	}
	if r.URL == nil {
		return ClassStaticAsset
	}
	return ClassifyPath(r.URL.Path)
}

// ClassifyPath 仅凭路径判断类别：以 / 结尾、无扩展名或 .html/.htm 视为文档。
func ClassifyPath(p string) ResourceClass {
	if p == "" || strings.HasSuffix(p, "/") {
		return ClassDocument
	}
	switch strings.ToLower(path.Ext(p)) {
	case "", ".html", ".htm":
		return ClassDocument
	default:
		return ClassStaticAsset
	}
}

// AcceptsHTML 报告 Accept 头是否包含 text/html。
func AcceptsHTML(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "text/html")
}
