package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sitecache/internal/cache"
	"github.com/any-hub/sitecache/internal/logging"
)

// ErrUnknownScript 表示页面请求注册的脚本不是当前部署的脚本。
var ErrUnknownScript = errors.New("unknown worker script")

// ErrContainerClosed 表示 Container 已关闭，不再接受注册。
var ErrContainerClosed = errors.New("worker container closed")

// Registration 是一次 Register 调用的结果。
type Registration struct {
	Worker   *Worker
	Install  InstallReport
	Activate ActivateReport
	// Reused 表示脚本与当前 Worker 相同，没有创建新 Worker。
	Reused bool
}

// Container 是单个 origin 的 Worker 宿主：负责注册、版本切换以及把页面请求路由给控制它的 Worker。
type Container struct {
	template Options
	storage  cache.Storage
	client   Doer
	logger   *logrus.Logger

	regMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	retired []*Worker
	clients map[string]*Worker
	closed  bool
}

// NewContainer 以 template 作为所有 Worker 的公共参数；template.Script 是当前部署的脚本。
func NewContainer(template Options, storage cache.Storage, client Doer, logger *logrus.Logger) *Container {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Container{
		template: template,
		storage:  storage,
		client:   client,
		logger:   logger,
		clients:  make(map[string]*Worker),
	}
}

// Deployed 返回当前部署的脚本。
func (c *Container) Deployed() Script { return c.template.Script }

// Register 注册 script。与当前 Worker 相同时直接返回已有注册；
// 否则安装新 Worker、立即激活，旧 Worker 变为 redundant，所有已连接页面改由新 Worker 控制。
func (c *Container) Register(ctx context.Context, script Script) (*Registration, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.RLock()
	closed, current := c.closed, c.active
	c.mu.RUnlock()
	if closed {
		return nil, ErrContainerClosed
	}
	if current != nil && current.Script() == script {
		return &Registration{Worker: current, Reused: true}, nil
	}

	opts := c.template
	opts.Script = script
	w, err := New(opts, c.storage, c.client, c.logger)
	if err != nil {
		return nil, err
	}
	install, err := w.Install(ctx)
	if err != nil {
		return nil, fmt.Errorf("install %s v%d: %w", script.URL, script.Version, err)
	}
	if !w.SkipWaiting() {
		return nil, fmt.Errorf("install %s v%d: %w", script.URL, script.Version, ErrInvalidTransition)
	}
	activate, err := w.Activate(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate %s v%d: %w", script.URL, script.Version, err)
	}

	c.mu.Lock()
	previous := c.active
	c.active = w
	if previous != nil {
		previous.markRedundant()
		c.retired = append(c.retired, previous)
	}
	claimed := c.claimLocked(w)
	c.mu.Unlock()

	c.logger.WithFields(logging.WorkerFields(script.URL, script.Version, w.StoreName())).WithFields(logrus.Fields{
		"action":  "register",
		"claimed": claimed,
	}).Info("worker_registered")

	return &Registration{Worker: w, Install: install, Activate: activate}, nil
}

// RegisterURL 注册页面引用的脚本；只接受当前部署的脚本 URL。
func (c *Container) RegisterURL(ctx context.Context, scriptURL string) (*Registration, error) {
	deployed := c.Deployed()
	if scriptURL != deployed.URL {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, scriptURL)
	}
	return c.Register(ctx, deployed)
}

func (c *Container) claimLocked(w *Worker) int {
	for id := range c.clients {
		c.clients[id] = w
	}
	return len(c.clients)
}

// Attach 记录一个打开的页面；若已有激活的 Worker，页面立即受其控制。
func (c *Container) Attach(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; ok {
		return
	}
	c.clients[clientID] = c.active
}

// Detach 移除页面。
func (c *Container) Detach(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)
}

// Controller 返回控制该页面的 Worker；页面不受控时返回 nil。
func (c *Container) Controller(clientID string) *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients[clientID]
}

// Active 返回当前激活的 Worker；尚未注册时返回 nil。
func (c *Container) Active() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Clients 返回已连接页面的 ID（已排序）。
func (c *Container) Clients() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fetch 把页面请求交给控制它的 Worker。
// 未登记的页面由当前激活的 Worker 处理；不受控页面或没有 Worker 时直接走网络。
func (c *Container) Fetch(ctx context.Context, clientID string, r *http.Request) (*Response, error) {
	c.mu.RLock()
	controller, attached := c.clients[clientID]
	if !attached {
		controller = c.active
	}
	c.mu.RUnlock()

	if controller == nil {
		return passthrough(ctx, c.client, r)
	}
	return controller.Fetch(ctx, r)
}

// Close 拒绝后续注册并等待所有 Worker 的后台任务结束；Storage 由调用方关闭。
func (c *Container) Close() error {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.Lock()
	c.closed = true
	workers := append([]*Worker(nil), c.retired...)
	if c.active != nil {
		workers = append(workers, c.active)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.Wait()
	}
	return nil
}

// Client 返回绑定到 clientID 的句柄，供同进程内的预取代理使用。
func (c *Container) Client(clientID string) *Client {
	return &Client{container: c, id: clientID}
}

// Client 以单个页面的身份访问 Container：注册脚本、发起请求、查询缓存。
type Client struct {
	container *Container
	id        string
}

// ID 返回页面 ID。
func (cl *Client) ID() string { return cl.id }

// Register 注册页面引用的脚本并把页面登记到 Container。
func (cl *Client) Register(ctx context.Context, scriptURL string) error {
	cl.container.Attach(cl.id)
	_, err := cl.container.RegisterURL(ctx, scriptURL)
	return err
}

// Fetch 以该页面身份发起请求，只关心是否成功。
func (cl *Client) Fetch(ctx context.Context, r *http.Request) error {
	resp, err := cl.container.Fetch(ctx, cl.id, r)
	if err != nil {
		return err
	}
	if resp.Status >= http.StatusBadRequest {
		return fmt.Errorf("prefetch %s: status %d", r.URL.String(), resp.Status)
	}
	return nil
}

// Cached 查询控制该页面的 Worker 的缓存库。
func (cl *Client) Cached(ctx context.Context, rawURL string) (bool, error) {
	w := cl.container.Controller(cl.id)
	if w == nil {
		w = cl.container.Active()
	}
	if w == nil {
		return false, nil
	}
	return w.Cached(ctx, rawURL)
}
