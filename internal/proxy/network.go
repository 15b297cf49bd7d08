package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// Network 通过共享 http.Client 访问源站与外部资源，实现 worker.Network。
// 拦截到的请求不跟随重定向；带 FollowRedirects 的请求使用 follower。
type Network struct {
	client   *http.Client
	follower *http.Client
}

// NewNetwork 包装共享的上游 client。
func NewNetwork(client *http.Client) *Network {
	if client == nil {
		client = http.DefaultClient
	}
	follower := *client
	follower.CheckRedirect = nil
	return &Network{client: client, follower: &follower}
}

// Fetch 发出请求并把正文完整读入内存，返回的响应已去除 hop-by-hop 头。
func (n *Network) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	upstream, err := n.buildUpstreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	client := n.client
	if req.FollowRedirects {
		client = n.follower
	}
	resp, err := client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:        req.Key(),
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func (n *Network) buildUpstreamRequest(ctx context.Context, req *worker.Request) (*http.Request, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	upstream, err := http.NewRequestWithContext(ctx, method, cache.KeyFor(req.URL), body)
	if err != nil {
		return nil, err
	}

	if req.Header != nil {
		server.CopyHeaders(upstream.Header, req.Header)
	}
	// 缓存与回放的都是未压缩正文。
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Host = req.URL.Host
	return upstream, nil
}
