package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sitecache/internal/logging"
	"github.com/any-hub/sitecache/internal/server"
	"github.com/any-hub/sitecache/internal/worker"
)

// 响应头：标识来源以及是否由缓存给出。
const (
	HeaderSource   = "X-Sitecache-Source"
	HeaderCacheHit = "X-Sitecache-Cache-Hit"
)

// Fetcher 以页面身份把请求交给 Worker 宿主，*worker.Container 即满足。
type Fetcher interface {
	Fetch(ctx context.Context, clientID string, r *http.Request) (*worker.Response, error)
}

// Handler 把 Fiber 请求翻译成指向源站的 *http.Request，交给 Worker 处理后写回结果。
type Handler struct {
	fetcher Fetcher
	origin  *url.URL
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler for the given site origin.
func NewHandler(fetcher Fetcher, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		fetcher: fetcher,
		origin:  origin,
		logger:  logger,
	}
}

// Handle 执行一次页面请求，任何阶段出错都会输出结构化日志；完全失败时返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, nil, nil, requestID, clientID, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := h.fetcher.Fetch(req.Context(), clientID, req)
	if err != nil {
		h.logResult(c, req, nil, requestID, clientID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(resp.Source))
	c.Set(HeaderCacheHit, strconv.FormatBool(isCacheHit(resp.Source)))
	h.logResult(c, req, resp, requestID, clientID, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

func (h *Handler) buildRequest(c fiber.Ctx) (*http.Request, error) {
	if h.origin == nil {
		return nil, errors.New("origin not configured")
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := resolveOriginURL(h.origin, c)
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del(server.ClientIDHeader)
	req.Host = target.Host
	req.Header.Del("Host")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	req *http.Request,
	resp *worker.Response,
	requestID string,
	clientID string,
	started time.Time,
	err error,
) {
	target := string(c.Request().URI().Path())
	if req != nil {
		target = req.URL.String()
	}
	var (
		class  string
		source string
		status int
	)
	if resp != nil {
		class, source, status = string(resp.Class), string(resp.Source), resp.Status
	}
	fields := logging.RequestFields(c.Method(), target, class, source, resp != nil && isCacheHit(resp.Source))
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if clientID != "" {
		fields["client_id"] = clientID
	}
	if resp != nil && resp.Stale {
		fields["stale"] = true
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func isCacheHit(source worker.Source) bool {
	return source == worker.SourceCache || source == worker.SourceFallback
}

// resolveOriginURL 保留结尾的 /，/blog/ 与 /blog 是两个不同的缓存条目。
func resolveOriginURL(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	raw := string(uri.Path())
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return origin.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
