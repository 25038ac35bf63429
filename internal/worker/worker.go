package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sitecache/internal/cache"
	"github.com/any-hub/sitecache/internal/clock"
	"github.com/any-hub/sitecache/internal/logging"
	"github.com/any-hub/sitecache/internal/staleness"
)

const (
	defaultFetchTimeout  = 10 * time.Second
	defaultMaxBackground = 16
)

// ErrNetwork 表示请求未命中缓存、回源失败且没有可用的兜底文档。
var ErrNetwork = errors.New("network request failed")

// Doer 是 Worker 回源所需的最小 HTTP 客户端接口，*http.Client 即满足。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Script 标识一个 Worker 版本；URL 与 Version 都相同即视为同一 Worker。
type Script struct {
	URL     string
	Version int
}

// Source 说明响应来自哪里。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// Options 描述 Worker 的站点与策略参数。
type Options struct {
	Script           Script
	SiteID           string
	Origin           *url.URL
	Manifest         []string
	FallbackDocument string
	Policy           staleness.Policy
	// FetchTimeout 约束安装与后台 revalidate 发起的请求。
	FetchTimeout  time.Duration
	MaxBackground int
	Clock         clock.Clock
}

// Response 是 Worker 返回给调用方的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
	Class  staleness.ResourceClass
	// Stale 仅在 SourceCache 时有意义，表示快照已超过阈值。
	Stale bool
}

// InstallReport 汇总预缓存结果，元素均为 manifest 中的原始路径。
type InstallReport struct {
	Cached  []string
	Skipped []string
	Failed  []string
}

// ActivateReport 列出激活时删除的旧缓存库。
type ActivateReport struct {
	Deleted []string
}

// Worker 负责单个版本的预缓存、迁移与请求拦截。
type Worker struct {
	opts      Options
	storeName string
	storage   cache.Storage
	client    Doer
	clock     clock.Clock
	logger    *logrus.Logger

	mu          sync.RWMutex
	state       State
	store       cache.Store
	skipWaiting bool

	bgSem chan struct{}
	wg    sync.WaitGroup
}

// New 构造处于 parsed 阶段的 Worker。
func New(opts Options, storage cache.Storage, client Doer, logger *logrus.Logger) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("cache storage required")
	}
	if client == nil {
		return nil, errors.New("http client required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("absolute origin required")
	}
	if opts.SiteID == "" {
		return nil, errors.New("site id required")
	}
	if opts.Script.Version <= 0 {
		return nil, fmt.Errorf("invalid script version %d", opts.Script.Version)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.MaxBackground <= 0 {
		opts.MaxBackground = defaultMaxBackground
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		opts:      opts,
		storeName: cache.StoreName(opts.SiteID, opts.Script.Version),
		storage:   storage,
		client:    client,
		clock:     opts.Clock,
		logger:    logger,
		state:     StateParsed,
		bgSem:     make(chan struct{}, opts.MaxBackground),
	}, nil
}

// Script 返回 Worker 的身份。
func (w *Worker) Script() Script { return w.opts.Script }

// StoreName 返回当前版本使用的缓存库名称。
func (w *Worker) StoreName() string { return w.storeName }

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting 报告安装完成后是否要求立即激活。
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

func (w *Worker) transition(to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := checkTransition(w.state, to); err != nil {
		return err
	}
	w.state = to
	return nil
}

func (w *Worker) markRedundant() {
	_ = w.transition(StateRedundant)
}

func (w *Worker) fields() logrus.Fields {
	return logging.WorkerFields(w.opts.Script.URL, w.opts.Script.Version, w.storeName)
}

// Install 打开当前版本的缓存库并逐项预缓存 manifest。
// 单项失败只记录在报告中；只有缓存库无法打开才会使安装失败。
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition(StateInstalling); err != nil {
		return InstallReport{}, err
	}
	store, err := w.storage.Open(ctx, w.storeName)
	if err != nil {
		w.markRedundant()
		w.logger.WithError(err).WithFields(w.fields()).Error("install_open_store_failed")
		return InstallReport{}, fmt.Errorf("open store %s: %w", w.storeName, err)
	}
	w.mu.Lock()
	w.store = store
	w.mu.Unlock()

	type outcome int
	const (
		outcomeCached outcome = iota
		outcomeSkipped
		outcomeFailed
	)
	results := make([]outcome, len(w.opts.Manifest))
	var wg sync.WaitGroup
	for i, item := range w.opts.Manifest {
		wg.Add(1)
		go func(i int, item string) {
			defer wg.Done()
			cached, err := w.precache(ctx, store, item)
			switch {
			case err != nil:
				results[i] = outcomeFailed
				w.logger.WithError(err).WithFields(w.fields()).WithField("url", item).Warn("precache_failed")
			case cached:
				results[i] = outcomeCached
			default:
				results[i] = outcomeSkipped
			}
		}(i, item)
	}
	wg.Wait()

	var report InstallReport
	for i, item := range w.opts.Manifest {
		switch results[i] {
		case outcomeCached:
			report.Cached = append(report.Cached, item)
		case outcomeSkipped:
			report.Skipped = append(report.Skipped, item)
		default:
			report.Failed = append(report.Failed, item)
		}
	}

	if err := w.transition(StateInstalled); err != nil {
		return report, err
	}
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()

	w.logger.WithFields(w.fields()).WithFields(logrus.Fields{
		"action":  "install",
		"cached":  len(report.Cached),
		"skipped": len(report.Skipped),
		"failed":  len(report.Failed),
	}).Info("worker_installed")
	return report, nil
}

// precache 返回 true 表示本次写入了条目，false 表示条目已存在。
func (w *Worker) precache(ctx context.Context, store cache.Store, item string) (bool, error) {
	target, err := w.resolve(item)
	if err != nil {
		return false, err
	}
	key, ok := cache.RequestKey(http.MethodGet, target)
	if !ok {
		return false, fmt.Errorf("uncacheable manifest url %s", item)
	}
	if present, err := store.Has(ctx, key); err != nil {
		return false, err
	} else if present {
		return false, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := roundTrip(w.client, req)
	if err != nil {
		return false, err
	}
	if !isSuccess(resp.Status) {
		return false, fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err := store.Put(ctx, key, w.snapshot(resp)); err != nil {
		return false, err
	}
	return true, nil
}

// Activate 删除除当前版本外的所有缓存库并进入 active 阶段。
// 单个库删除失败只记录日志，不阻止激活。
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	if err := w.transition(StateActivating); err != nil {
		return ActivateReport{}, err
	}
	names, err := w.storage.ListStoreNames(ctx)
	if err != nil {
		w.markRedundant()
		return ActivateReport{}, fmt.Errorf("list stores: %w", err)
	}

	var report ActivateReport
	for _, name := range names {
		if name == w.storeName {
			continue
		}
		deleted, err := w.storage.DeleteStore(ctx, name)
		if err != nil {
			w.logger.WithError(err).WithFields(w.fields()).WithField("deleted_store", name).Warn("store_delete_failed")
			continue
		}
		if deleted {
			report.Deleted = append(report.Deleted, name)
		}
	}

	if err := w.transition(StateActive); err != nil {
		return report, err
	}
	w.logger.WithFields(w.fields()).WithFields(logrus.Fields{
		"action":  "activate",
		"deleted": report.Deleted,
	}).Info("worker_activated")
	return report, nil
}

// Intercepts 报告请求是否由 Worker 处理：仅限同源 GET。
func (w *Worker) Intercepts(r *http.Request) bool {
	if r == nil || r.URL == nil || r.Method != http.MethodGet {
		return false
	}
	return sameOrigin(w.opts.Origin, r.URL)
}

// Fetch 按缓存优先策略处理请求。未被拦截的请求原样转发到网络。
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	if !w.Intercepts(r) || w.State() != StateActive {
		return passthrough(ctx, w.client, r)
	}
	class := staleness.Classify(r)
	key, _ := cache.RequestKey(r.Method, r.URL)
	store := w.currentStore()

	if entry, ok := w.lookup(ctx, store, key); ok {
		captured := CapturedAt(entry)
		stale := w.opts.Policy.IsStale(class, captured, w.clock.Now())
		if stale && class == staleness.ClassDocument {
			w.revalidateAsync(store, key, r)
		}
		return &Response{
			Status: entry.Status,
			Header: entry.Header,
			Body:   entry.Body,
			Source: SourceCache,
			Class:  class,
			Stale:  stale,
		}, nil
	}

	out := r.Clone(ctx)
	out.RequestURI = ""
	resp, err := roundTrip(w.client, out)
	if err != nil {
		if fallback, ok := w.fallback(ctx, store, class); ok {
			w.logger.WithError(err).WithFields(w.fields()).WithField("url", r.URL.String()).Warn("serve_fallback_document")
			return fallback, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, r.URL.String(), err)
	}
	resp.Class = class
	if isSuccess(resp.Status) {
		w.put(ctx, store, key, resp)
	}
	return resp, nil
}

// Cached 报告 rawURL（可为相对路径）是否已在当前缓存库中。
func (w *Worker) Cached(ctx context.Context, rawURL string) (bool, error) {
	store := w.currentStore()
	if store == nil {
		return false, nil
	}
	target, err := w.resolve(rawURL)
	if err != nil {
		return false, err
	}
	key, ok := cache.RequestKey(http.MethodGet, target)
	if !ok {
		return false, nil
	}
	return store.Has(ctx, key)
}

// Wait 阻塞直到所有后台 revalidate 结束。
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) currentStore() cache.Store {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

func (w *Worker) lookup(ctx context.Context, store cache.Store, key string) (cache.Entry, bool) {
	if store == nil || key == "" {
		return cache.Entry{}, false
	}
	entry, ok, err := store.Match(ctx, key)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields()).WithField("url", cache.KeyURL(key)).Warn("cache_match_failed")
		return cache.Entry{}, false
	}
	return entry, ok
}

func (w *Worker) fallback(ctx context.Context, store cache.Store, class staleness.ResourceClass) (*Response, bool) {
	if class != staleness.ClassDocument || w.opts.FallbackDocument == "" {
		return nil, false
	}
	target, err := w.resolve(w.opts.FallbackDocument)
	if err != nil {
		return nil, false
	}
	key, _ := cache.RequestKey(http.MethodGet, target)
	entry, ok := w.lookup(ctx, store, key)
	if !ok {
		return nil, false
	}
	return &Response{
		Status: entry.Status,
		Header: entry.Header,
		Body:   entry.Body,
		Source: SourceFallback,
		Class:  class,
	}, true
}

func (w *Worker) put(ctx context.Context, store cache.Store, key string, resp *Response) {
	if store == nil || key == "" {
		return
	}
	err := store.Put(ctx, key, w.snapshot(resp))
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStoreDeleted):
		w.logger.WithFields(w.fields()).WithField("url", cache.KeyURL(key)).Debug("cache_put_after_migration")
	case errors.Is(err, cache.ErrQuotaExceeded):
		w.logger.WithError(err).WithFields(w.fields()).WithField("url", cache.KeyURL(key)).Warn("cache_quota_exceeded")
	default:
		w.logger.WithError(err).WithFields(w.fields()).WithField("url", cache.KeyURL(key)).Warn("cache_put_failed")
	}
}

func (w *Worker) snapshot(resp *Response) cache.Entry {
	return cache.Entry{
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
		CapturedAt: w.clock.Now(),
	}
}

// revalidateAsync 在后台刷新过期文档；并发数受 bgSem 限制，满时直接放弃本次刷新。
func (w *Worker) revalidateAsync(store cache.Store, key string, r *http.Request) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.FetchTimeout)
	req := r.Clone(ctx)
	req.RequestURI = ""
	req.Body = http.NoBody

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()
		defer cancel()

		resp, err := roundTrip(w.client, req)
		if err != nil {
			w.logger.WithError(err).WithFields(w.fields()).WithField("url", cache.KeyURL(key)).Debug("revalidate_failed")
			return
		}
		if !isSuccess(resp.Status) {
			w.logger.WithFields(w.fields()).WithFields(logrus.Fields{
				"url":             cache.KeyURL(key),
				"upstream_status": resp.Status,
			}).Debug("revalidate_skipped")
			return
		}
		w.put(ctx, store, key, resp)
	}()
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return w.opts.Origin.ResolveReference(ref), nil
}

// CapturedAt 返回快照的抓取时间：优先使用条目记录的时间，其次是响应的 Date 头；
// 两者都缺失时返回零值，调用方应视为过期。
func CapturedAt(entry cache.Entry) time.Time {
	if !entry.CapturedAt.IsZero() {
		return entry.CapturedAt
	}
	if raw := entry.Header.Get("Date"); raw != "" {
		if parsed, err := http.ParseTime(raw); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func passthrough(ctx context.Context, client Doer, r *http.Request) (*Response, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	resp, err := roundTrip(client, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, r.URL.String(), err)
	}
	resp.Source = SourcePassthrough
	resp.Class = staleness.Classify(r)
	return resp, nil
}

func roundTrip(client Doer, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Source: SourceNetwork,
	}, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func sameOrigin(origin, target *url.URL) bool {
	if origin == nil || target == nil {
		return false
	}
	return strings.EqualFold(origin.Scheme, target.Scheme) && strings.EqualFold(origin.Host, target.Host)
}
