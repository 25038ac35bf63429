package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sitecache/internal/cache"
	"github.com/any-hub/sitecache/internal/config"
	"github.com/any-hub/sitecache/internal/logging"
	"github.com/any-hub/sitecache/internal/server"
	"github.com/any-hub/sitecache/internal/staleness"
	"github.com/any-hub/sitecache/internal/worker"
)

func TestProxyServesFromCacheAfterFirstFetch(t *testing.T) {
	env := newProxyEnv(t, []string{"/"})

	first := env.do(t, httptest.NewRequest(http.MethodGet, "http://sitecache.local/blog/index.html", nil))
	if first.header.Get(HeaderSource) != "network" || first.header.Get(HeaderCacheHit) != "false" {
		t.Fatalf("first request should come from network, headers=%v", first.header)
	}
	second := env.do(t, httptest.NewRequest(http.MethodGet, "http://sitecache.local/blog/index.html", nil))
	if second.header.Get(HeaderSource) != "cache" || second.header.Get(HeaderCacheHit) != "true" {
		t.Fatalf("second request should hit cache, headers=%v", second.header)
	}
	if second.body != first.body || second.body != "<html>/blog/index.html</html>" {
		t.Fatalf("cached body mismatch: %q vs %q", second.body, first.body)
	}
	if !strings.HasPrefix(second.header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type should survive caching, got %q", second.header.Get("Content-Type"))
	}
	if env.hits("/blog/index.html") != 1 {
		t.Fatalf("expected one upstream hit, got %d", env.hits("/blog/index.html"))
	}
}

func TestProxyPassesThroughPost(t *testing.T) {
	env := newProxyEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "http://sitecache.local/contact/send", strings.NewReader("name=ohaswin"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(server.ClientIDHeader, "tab-1")
	resp := env.do(t, req)
	if resp.header.Get(HeaderSource) != "passthrough" {
		t.Fatalf("POST should pass through, headers=%v", resp.header)
	}
	if env.lastBody() != "name=ohaswin" {
		t.Fatalf("request body should reach the origin, got %q", env.lastBody())
	}
	if env.lastClientHeader() != "" {
		t.Fatalf("client id header must not be forwarded upstream")
	}
}

func TestProxyFallsBackWhenOriginIsDown(t *testing.T) {
	env := newProxyEnv(t, []string{"/"})
	env.origin.Close()

	doc := httptest.NewRequest(http.MethodGet, "http://sitecache.local/blog/unknown.html", nil)
	doc.Header.Set("Accept", "text/html")
	resp := env.do(t, doc)
	if resp.status != http.StatusOK || resp.header.Get(HeaderSource) != "fallback" || resp.body != "<html>/</html>" {
		t.Fatalf("expected fallback document, got %d %v %q", resp.status, resp.header, resp.body)
	}

	asset := env.do(t, httptest.NewRequest(http.MethodGet, "http://sitecache.local/assets/new.png", nil))
	if asset.status != http.StatusBadGateway || !strings.Contains(asset.body, `"upstream_failed"`) {
		t.Fatalf("expected 502 upstream_failed, got %d %q", asset.status, asset.body)
	}
}

func TestProxyPreservesStatusOfUpstreamErrors(t *testing.T) {
	env := newProxyEnv(t, nil)
	resp := env.do(t, httptest.NewRequest(http.MethodGet, "http://sitecache.local/missing.css", nil))
	if resp.status != http.StatusNotFound || resp.header.Get(HeaderSource) != "network" {
		t.Fatalf("expected upstream 404 to be relayed, got %d %v", resp.status, resp.header)
	}
}

func TestResolveOriginURLKeepsTrailingSlash(t *testing.T) {
	origin, _ := url.Parse("https://ohaswin.example")
	app := fiber.New()
	var got []string
	app.Get("/*", func(c fiber.Ctx) error {
		got = append(got, resolveOriginURL(origin, c).String())
		return c.SendStatus(fiber.StatusNoContent)
	})
	for _, target := range []string{"/blog/", "/blog", "/a/../about/index.html?x=1", "/"} {
		if _, err := app.Test(httptest.NewRequest(http.MethodGet, "http://sitecache.local"+target, nil)); err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
	}
	want := []string{
		"https://ohaswin.example/blog/",
		"https://ohaswin.example/blog",
		"https://ohaswin.example/about/index.html?x=1",
		"https://ohaswin.example/",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resolve %d: expected %s got %s", i, want[i], got[i])
		}
	}
}

type proxyEnv struct {
	origin *httptest.Server
	app    *fiber.App

	mu         sync.Mutex
	counts     map[string]int
	body       string
	clientHead string
}

type proxyResult struct {
	status int
	header http.Header
	body   string
}

func newProxyEnv(t *testing.T, manifest []string) *proxyEnv {
	t.Helper()
	env := &proxyEnv{counts: make(map[string]int)}
	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env.mu.Lock()
		env.counts[r.URL.Path]++
		env.body = string(body)
		env.clientHead = r.Header.Get(server.ClientIDHeader)
		env.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	t.Cleanup(env.origin.Close)
	originURL, _ := url.Parse(env.origin.URL)

	storage, err := cache.OpenMemory(cache.Options{})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	logger := logging.Discard()
	container := worker.NewContainer(worker.Options{
		Script:           worker.Script{URL: "/sw.js", Version: 1},
		SiteID:           "site",
		Origin:           originURL,
		Manifest:         manifest,
		FallbackDocument: "/",
		Policy:           staleness.DefaultPolicy(),
	}, storage, server.NewUpstreamClient(config.GlobalConfig{}), logger)
	t.Cleanup(func() {
		_ = container.Close()
		_ = storage.Close()
	})
	if _, err := container.Register(context.Background(), container.Deployed()); err != nil {
		t.Fatalf("register: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      NewHandler(container, originURL, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = app
	return env
}

func (e *proxyEnv) do(t *testing.T, req *http.Request) proxyResult {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return proxyResult{status: resp.StatusCode, header: resp.Header, body: string(body)}
}

func (e *proxyEnv) hits(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[path]
}

func (e *proxyEnv) lastBody() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.body
}

func (e *proxyEnv) lastClientHeader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientHead
}
