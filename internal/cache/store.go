package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Storage 管理同一站点下所有命名缓存库，对应浏览器里按 origin 隔离的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存库，不存在时创建；重复调用是幂等的。
	Open(ctx context.Context, name string) (Store, error)

	// DeleteStore 删除整个缓存库及其全部条目，返回该库此前是否存在。
	DeleteStore(ctx context.Context, name string) (bool, error)

	// ListStoreNames 返回当前存在的所有缓存库名称（已排序）。
	ListStoreNames(ctx context.Context) ([]string, error)

	Close() error
}

// Store 是单个命名缓存库。条目按请求标识精确匹配，不支持通配或前缀查询。
type Store interface {
	Name() string

	// Match 返回 key 对应的快照；不存在时返回 ok=false 且 err=nil。
	Match(ctx context.Context, key string) (Entry, bool, error)

	Has(ctx context.Context, key string) (bool, error)

	// Put 整体覆盖 key 对应的快照，写入要么完整成功要么完全不生效。
	Put(ctx context.Context, key string, entry Entry) error

	Keys(ctx context.Context) ([]string, error)
}

// Entry 是一次成功响应的快照：状态码、响应头、正文与抓取时间。
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
}

var (
	// ErrQuotaExceeded 表示写入会超出 Storage 的容量上限。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrMalformedEntry 表示条目无法解码或正文摘要不匹配，调用方应按未命中处理。
	ErrMalformedEntry = errors.New("malformed cache entry")
	// ErrStoreDeleted 表示缓存库已在迁移中被删除，旧句柄不再可写。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrStorageClosed 表示 Storage 已关闭。
	ErrStorageClosed = errors.New("cache storage closed")
)

// StoreName 按 "{site-id}-cache-v{N}" 规则生成缓存库名称。
func StoreName(siteID string, version int) string {
	return fmt.Sprintf("%s-cache-v%d", siteID, version)
}

// ParseStoreName 解析 StoreName 生成的名称；不符合约定时 ok=false。
func ParseStoreName(name string) (siteID string, version int, ok bool) {
	idx := strings.LastIndex(name, "-cache-v")
	if idx <= 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(name[idx+len("-cache-v"):])
	if err != nil || v <= 0 {
		return "", 0, false
	}
	return name[:idx], v, true
}

// RequestKey 生成请求标识 "GET <absolute-url>"；只有 GET 请求会产生可缓存的 key。
// URL 中的 fragment 被忽略，scheme/host 统一小写。
func RequestKey(method string, u *url.URL) (string, bool) {
	if u == nil || !strings.EqualFold(method, http.MethodGet) {
		return "", false
	}
	if !u.IsAbs() || u.Host == "" {
		return "", false
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" {
		normalized.Path = "/"
	}
	return http.MethodGet + " " + normalized.String(), true
}

// KeyURL 从 RequestKey 生成的 key 中取回 URL 部分，供诊断输出使用。
func KeyURL(key string) string {
	return strings.TrimPrefix(key, http.MethodGet+" ")
}
