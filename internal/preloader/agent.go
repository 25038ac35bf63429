package preloader

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/any-hub/sitecache/internal/clock"
	"github.com/any-hub/sitecache/internal/logging"
)

const (
	defaultDebounceWindow = 100 * time.Millisecond
	defaultSettleDelay    = 2 * time.Second
)

// Registrar 注册页面引用的 Worker 脚本；重复注册同一脚本由宿主保证是空操作。
type Registrar interface {
	Register(ctx context.Context, scriptURL string) error
}

// Fetcher 发起一次普通 GET，Worker 的拦截逻辑负责写缓存。
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) error
}

// CacheChecker 可选，用于在预取前查询 Worker 缓存库中是否已有条目。
type CacheChecker interface {
	Cached(ctx context.Context, rawURL string) (bool, error)
}

// EventKind 是用户意图信号的类型。
type EventKind int

const (
	EventHover EventKind = iota
	EventTouchStart
)

func (k EventKind) String() string {
	switch k {
	case EventHover:
		return "hover"
	case EventTouchStart:
		return "touchstart"
	default:
		return "unknown"
	}
}

// Event 是委托到文档级别的一次指针悬停或触摸。
type Event struct {
	Kind   EventKind
	Target *html.Node
}

// Outcome 描述一次 Prefetch 的结果。
type Outcome int

const (
	OutcomeIssued Outcome = iota
	OutcomeDuplicate
	OutcomeCached
	OutcomeRejected
	OutcomeDisabled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIssued:
		return "issued"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeCached:
		return "cached"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDisabled:
		return "disabled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options 控制 Agent 行为。
type Options struct {
	// Base 是页面地址，相对链接基于它解析。
	Base           *url.URL
	ScriptURL      string
	DebounceWindow time.Duration
	SettleDelay    time.Duration
	TopRoutes      []string
	// Disabled 对应开发模式：仍注册 Worker，但不预取也不查缓存。
	Disabled bool
	Clock    clock.Clock
}

// Agent 是单个页面会话的预取器。
type Agent struct {
	opts      Options
	registrar Registrar
	fetcher   Fetcher
	checker   CacheChecker
	clock     clock.Clock
	logger    *logrus.Logger
	set       *PrefetchSet

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *clock.Timer
	settle  *clock.Timer
	started bool
	closed  bool
}

// NewAgent 构造 Agent；checker 可以为 nil。
func NewAgent(opts Options, registrar Registrar, fetcher Fetcher, checker CacheChecker, logger *logrus.Logger) (*Agent, error) {
	if opts.Base == nil || !opts.Base.IsAbs() {
		return nil, errors.New("absolute page url required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = defaultDebounceWindow
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Agent{
		opts:      opts,
		registrar: registrar,
		fetcher:   fetcher,
		checker:   checker,
		clock:     opts.Clock,
		logger:    logger,
		set:       NewPrefetchSet(),
	}, nil
}

// Prefetched 返回本会话的预取集合。
func (a *Agent) Prefetched() *PrefetchSet { return a.set }

// Init 注册 Worker 并安排延迟的热门路由预取；只生效一次。
// 注册失败只记录日志，页面照常工作。
func (a *Agent) Init(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	agentCtx := a.ctx
	a.mu.Unlock()

	if a.opts.Disabled {
		a.logger.WithField("action", "preload_init").Info("preloader_disabled")
	}

	if a.registrar != nil && a.opts.ScriptURL != "" {
		if err := a.registrar.Register(agentCtx, a.opts.ScriptURL); err != nil {
			a.logger.WithError(err).WithField("script", a.opts.ScriptURL).Warn("worker_register_failed")
		} else {
			a.logger.WithField("script", a.opts.ScriptURL).Debug("worker_registered")
		}
	}

	if a.opts.Disabled || len(a.opts.TopRoutes) == 0 {
		return
	}
	routes := append([]string(nil), a.opts.TopRoutes...)
	timer := a.clock.AfterFunc(a.opts.SettleDelay, func() {
		for _, route := range routes {
			a.Prefetch(agentCtx, route)
		}
	})

	a.mu.Lock()
	if a.closed {
		timer.Stop()
	} else {
		a.settle = timer
	}
	a.mu.Unlock()
}

// HandleEvent 处理一次悬停或触摸。合格链接会重置防抖计时器，只有窗口内最后一个链接会被预取。
// 返回值表示是否安排了预取。
func (a *Agent) HandleEvent(ev Event) bool {
	if a.opts.Disabled {
		return false
	}
	anchor := ClosestAnchor(ev.Target)
	if anchor == nil {
		return false
	}
	href, ok := Href(anchor)
	if !ok || !QualifyHref(href) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.ctx == nil {
		return false
	}
	if a.pending != nil {
		a.pending.Stop()
	}
	ctx := a.ctx
	a.pending = a.clock.AfterFunc(a.opts.DebounceWindow, func() {
		a.Prefetch(ctx, href)
	})
	return true
}

// Prefetch 预取 href：会话内重复、缓存中已有或不合格的链接都会被跳过。
// 错误不会返回，只记录为 debug 日志。
func (a *Agent) Prefetch(ctx context.Context, href string) Outcome {
	if a.opts.Disabled {
		return OutcomeDisabled
	}
	target, ok := a.resolve(href)
	if !ok {
		return OutcomeRejected
	}
	if a.set.Has(target) {
		return OutcomeDuplicate
	}

	if a.checker != nil {
		cached, err := a.checker.Cached(ctx, target)
		if err != nil {
			a.logger.WithError(err).WithField("url", target).Debug("prefetch_cache_check_failed")
		} else if cached {
			a.set.Add(target)
			return OutcomeCached
		}
	}

	if !a.set.Add(target) {
		return OutcomeDuplicate
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		a.logger.WithError(err).WithField("url", target).Debug("prefetch_failed")
		return OutcomeFailed
	}
	if err := a.fetcher.Fetch(ctx, req); err != nil {
		a.logger.WithError(err).WithField("url", target).Debug("prefetch_failed")
		return OutcomeFailed
	}
	a.logger.WithField("url", target).Debug("prefetch_complete")
	return OutcomeIssued
}

// Close 取消所有未触发的计时器，会话结束。
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.pending != nil {
		a.pending.Stop()
	}
	if a.settle != nil {
		a.settle.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Agent) resolve(href string) (string, bool) {
	if !QualifyHref(href) {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	target := a.opts.Base.ResolveReference(ref)
	if !strings.EqualFold(target.Scheme, a.opts.Base.Scheme) || !strings.EqualFold(target.Host, a.opts.Base.Host) {
		return "", false
	}
	return target.String(), true
}
