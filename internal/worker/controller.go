package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// Network 负责真正的网络请求。返回的响应正文必须已完整读入内存。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// Platform 是宿主提供的生命周期信号。
type Platform interface {
	// SkipWaiting 请求宿主跳过等待期，立即激活当前实例。
	SkipWaiting(ctx context.Context) error
	// Claim 请求宿主让当前实例接管全部客户端。
	Claim(ctx context.Context) error
}

// Source 描述 Fetch 结果的来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Result 是 Fetch 的处理结果。
type Result struct {
	Response *cache.Response
	Source   Source
	// Stored 表示已为该响应安排后台写入缓存。
	Stored bool
}

var (
	// ErrNotHandled 表示请求不归控制器处理，宿主应按默认方式转发。
	ErrNotHandled = errors.New("request not handled by controller")

	// ErrNoResponse 表示网络层既没有返回响应也没有返回错误。
	ErrNoResponse = errors.New("network returned no response")
)

// NetworkError 表示缓存未命中后网络请求失败且没有可用的兜底响应。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Options 在构造时固定，Controller 生命周期内不再变化。
type Options struct {
	Identity Identity
	// Origin 用于解析相对的 manifest 条目与兜底文档。
	Origin             *url.URL
	Manifest           []string
	FallbackDocument   string
	IgnoredSchemes     []string
	InstallConcurrency int
	Storage            cache.Storage
	Network            Network
	Logger             *logrus.Logger
}

// Controller 实现 install / activate / fetch 三个生命周期处理器。
type Controller struct {
	identity    Identity
	cacheName   string
	manifest    []string
	fallbackKey string
	ignored     map[string]struct{}
	concurrency int
	storage     cache.Storage
	network     Network
	logger      *logrus.Logger

	storeMu sync.RWMutex
	store   cache.Store

	writes conc.WaitGroup
}

// New 校验 Options 并解析 manifest 中的相对地址。
func New(opts Options) (*Controller, error) {
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin required")
	}
	if opts.Storage == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Network == nil {
		return nil, errors.New("network required")
	}

	manifest := make([]string, 0, len(opts.Manifest))
	for idx, entry := range opts.Manifest {
		resolved, err := resolveAgainst(opts.Origin, entry)
		if err != nil {
			return nil, fmt.Errorf("manifest[%d]: %w", idx, err)
		}
		manifest = append(manifest, resolved)
	}

	fallbackKey := ""
	if strings.TrimSpace(opts.FallbackDocument) != "" {
		resolved, err := resolveAgainst(opts.Origin, opts.FallbackDocument)
		if err != nil {
			return nil, fmt.Errorf("fallback document: %w", err)
		}
		fallbackKey = resolved
	}

	ignored := make(map[string]struct{}, len(opts.IgnoredSchemes))
	for _, scheme := range opts.IgnoredSchemes {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme != "" {
			ignored[scheme] = struct{}{}
		}
	}

	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Controller{
		identity:    opts.Identity,
		cacheName:   opts.Identity.CacheName(),
		manifest:    manifest,
		fallbackKey: fallbackKey,
		ignored:     ignored,
		concurrency: concurrency,
		storage:     opts.Storage,
		network:     opts.Network,
		logger:      logger,
	}, nil
}

// CacheName 返回当前版本的缓存名称。
func (c *Controller) CacheName() string {
	return c.cacheName
}

// Identity 返回构造时的缓存身份。
func (c *Controller) Identity() Identity {
	return c.identity
}

// Manifest 返回解析后的绝对 URL 列表。
func (c *Controller) Manifest() []string {
	return append([]string(nil), c.manifest...)
}

// FallbackKey 返回兜底文档的缓存 key，未配置时为空。
func (c *Controller) FallbackKey() string {
	return c.fallbackKey
}

// Install 打开当前缓存并整批写入 manifest，成功后发出 SkipWaiting。
// 失败只记录日志，install 本身照常完成；仅 ctx 取消会作为错误返回。
func (c *Controller) Install(ctx context.Context, platform Platform) error {
	fields := logging.CacheFields("install", c.cacheName, c.identity.Version)
	c.logger.WithFields(fields).WithField("manifest_count", len(c.manifest)).Info("开始预缓存 app shell")

	if err := c.install(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return nil
	}

	if platform != nil {
		if err := platform.SkipWaiting(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.WithFields(fields).WithError(err).Error("install_failed")
			return nil
		}
	}

	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (c *Controller) install(ctx context.Context) error {
	store, err := c.openStore(ctx, true)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", c.cacheName, err)
	}
	return cache.AddAll(ctx, store, c.fetchManifestEntry, c.manifest, c.concurrency)
}

func (c *Controller) fetchManifestEntry(ctx context.Context, rawURL string) (*cache.Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	resp, err := c.network.Fetch(ctx, &Request{
		Method:          http.MethodGet,
		URL:             target,
		Mode:            ModeNoCORS,
		Header:          header,
		FollowRedirects: true,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

// Activate 并发删除同前缀的旧缓存，全部完成后发出 Claim。
// 任一删除失败时返回合并后的错误，且不发出 Claim。
func (c *Controller) Activate(ctx context.Context, platform Platform) error {
	fields := logging.CacheFields("activate", c.cacheName, c.identity.Version)

	names, err := c.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	// 不设 WithCancelOnError：一个删除失败不影响其余删除，错误在 Wait 时合并返回。
	p := pool.New().WithContext(ctx)
	for _, name := range names {
		if !c.identity.IsStale(name) {
			continue
		}
		name := name
		p.Go(func(ctx context.Context) error {
			c.logger.WithFields(fields).WithField("stale_cache", name).Info("删除旧版本缓存")
			if _, err := c.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	c.logger.WithFields(fields).Info("activate_complete")
	if platform == nil {
		return nil
	}
	if err := platform.Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	return nil
}

// Handles 判断请求是否归控制器处理：仅 GET，且 scheme 不在忽略列表中。
func (c *Controller) Handles(req *Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return false
	}
	_, skip := c.ignored[strings.ToLower(req.URL.Scheme)]
	return !skip
}

// Fetch 按缓存优先策略处理请求：命中直接返回；未命中走网络，恰为 200 的响应
// 在后台写入缓存；网络失败时导航请求返回缓存的兜底文档。
func (c *Controller) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if !c.Handles(req) {
		return nil, ErrNotHandled
	}

	key := req.Key()
	if cached := c.match(ctx, key); cached != nil {
		return &Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := c.network.Fetch(ctx, req)
	if err != nil {
		if req.IsNavigation() {
			if fallback := c.match(ctx, c.fallbackKey); fallback != nil {
				c.logger.WithFields(logging.RequestFields(c.cacheName, req.Method, key, string(req.Mode), string(SourceFallback))).
					WithField("action", "fetch").
					WithError(err).Info("导航请求离线，返回 app shell")
				return &Result{Response: fallback, Source: SourceFallback}, nil
			}
		}
		return nil, &NetworkError{URL: key, Err: err}
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	if resp.StatusCode != http.StatusOK {
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	c.storeInBackground(ctx, key, resp.Clone())
	return &Result{Response: resp, Source: SourceNetwork, Stored: true}, nil
}

// Wait 阻塞直到所有后台缓存写入完成。
func (c *Controller) Wait() {
	c.writes.Wait()
}

func (c *Controller) storeInBackground(ctx context.Context, key string, resp *cache.Response) {
	detached := context.WithoutCancel(ctx)
	c.writes.Go(func() {
		store, err := c.openStore(detached, false)
		if err == nil {
			err = store.Put(detached, key, resp)
		}
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrStoreDeleted) {
			// activate 已删除该缓存，写入作废。
			c.forgetStore(store)
			c.logger.WithFields(logging.CacheFields("cache_write", c.cacheName, c.identity.Version)).
				WithField("url", key).
				Debug("缓存已删除，丢弃后台写入")
			return
		}
		if err != nil {
			c.logger.WithFields(logging.CacheFields("cache_write", c.cacheName, c.identity.Version)).
				WithField("url", key).
				WithError(err).
				Warn("后台写入缓存失败")
		}
	})
}

func (c *Controller) match(ctx context.Context, key string) *cache.Response {
	if key == "" {
		return nil
	}
	store, err := c.openStore(ctx, false)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.logger.WithFields(logging.CacheFields("cache_read", c.cacheName, c.identity.Version)).
			WithError(err).Warn("打开缓存失败，按未命中处理")
		return nil
	}
	resp, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithFields(logging.CacheFields("cache_read", c.cacheName, c.identity.Version)).
				WithField("url", key).
				WithError(err).Warn("读取缓存失败，按未命中处理")
		}
		return nil
	}
	return resp
}

// openStore 复用已打开的句柄；create 为 false 时通过 Lookup 打开，缓存不存在返回
// cache.ErrNotFound，读路径与后台写入都不会重建 activate 已删除的缓存。
func (c *Controller) openStore(ctx context.Context, create bool) (cache.Store, error) {
	c.storeMu.RLock()
	store := c.store
	c.storeMu.RUnlock()
	if store != nil {
		return store, nil
	}

	var err error
	if create {
		store, err = c.storage.Open(ctx, c.cacheName)
	} else {
		store, err = c.storage.Lookup(ctx, c.cacheName)
	}
	if err != nil {
		return nil, err
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.store == nil {
		c.store = store
	}
	return c.store, nil
}

// forgetStore 丢弃已失效的句柄，下次访问重新 Lookup。
func (c *Controller) forgetStore(store cache.Store) {
	if store == nil {
		return
	}
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.store == store {
		c.store = nil
	}
}

func resolveAgainst(origin *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return cache.KeyFor(origin.ResolveReference(parsed)), nil
}
