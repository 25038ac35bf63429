package preloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ClientIDHeader 携带页面 ID，sitecache 服务据此把请求路由给控制该页面的 Worker。
const ClientIDHeader = "X-Sitecache-Client"

// RegisterPath 是 sitecache 服务的注册端点。
const RegisterPath = "/-/register"

// Doer 是远程适配器使用的 HTTP 客户端接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcher 通过 sitecache 服务发起预取：请求路径保持不变，只把目标主机换成 Endpoint。
type HTTPFetcher struct {
	Endpoint *url.URL
	ClientID string
	Client   Doer
}

// Fetch 实现 Fetcher。
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) error {
	if f.Endpoint == nil {
		return errors.New("sitecache endpoint required")
	}
	target := *r.URL
	target.Scheme = f.Endpoint.Scheme
	target.Host = f.Endpoint.Host

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.ClientID != "" {
		req.Header.Set(ClientIDHeader, f.ClientID)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("prefetch %s: status %d", r.URL.String(), resp.StatusCode)
	}
	return nil
}

func (f *HTTPFetcher) client() Doer {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

// RegisterRequest 是注册端点的请求体。
type RegisterRequest struct {
	ScriptURL string `json:"script_url"`
}

// HTTPRegistrar 通过 POST /-/register 注册 Worker。
type HTTPRegistrar struct {
	Endpoint *url.URL
	ClientID string
	Client   Doer
}

// Register 实现 Registrar。
func (r *HTTPRegistrar) Register(ctx context.Context, scriptURL string) error {
	if r.Endpoint == nil {
		return errors.New("sitecache endpoint required")
	}
	payload, err := json.Marshal(RegisterRequest{ScriptURL: scriptURL})
	if err != nil {
		return err
	}
	target := r.Endpoint.ResolveReference(&url.URL{Path: RegisterPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.ClientID != "" {
		req.Header.Set(ClientIDHeader, r.ClientID)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register %s: status %d", scriptURL, resp.StatusCode)
	}
	return nil
}
