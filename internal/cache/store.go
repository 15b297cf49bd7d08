package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理一组具名缓存，每个名称对应一个独立的 Store。
// 名称一般形如 {prefix}-v{version}，版本变化即产生新的 Store。
type Storage interface {
	// Open 打开指定名称的 Store，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Lookup 返回已存在的 Store，不存在时返回 ErrNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的 Store 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部 Store 名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个 Store 及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Store 是单个具名缓存，key 为请求 URL（仅 GET）。
type Store interface {
	Name() string

	// Match 返回 key 对应的响应副本；未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖单个条目，同 key 并发写入以最后一次为准。
	Put(ctx context.Context, key string, resp *Response) error

	// PutAll 以批次方式写入多个条目：要么全部可见，要么全部不写入。
	// Store 已被 Storage.Delete 删除时返回 ErrStoreDeleted，不会重建。
	PutAll(ctx context.Context, entries []Entry) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回当前 Store 中全部条目的 key。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是写入 Store 的 (key, response) 对。
type Entry struct {
	Key      string
	Response *Response
}

// Response 是完整缓冲的 HTTP 响应。正文只读一次的限制由缓冲消除，
// 因此同一个响应可以同时交给请求方与缓存。
type Response struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	StoredAt   time.Time   `json:"stored_at"`
}

// OK 对应 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone 返回深拷贝，header 与正文均不与原响应共享。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// KeyFor 返回请求 URL 对应的缓存 key：去掉 fragment 后的完整 URL。
func KeyFor(u *url.URL) string {
	if u == nil {
		return ""
	}
	cloned := *u
	cloned.Fragment = ""
	cloned.RawFragment = ""
	return cloned.String()
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrStoreUnavailable 表示未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")

	// ErrBadStatus 表示批量写入时某个响应不是 2xx。
	ErrBadStatus = errors.New("response status is not ok")

	// ErrStoreDeleted 表示写入的 Store 已被删除。
	ErrStoreDeleted = errors.New("cache store deleted")

	// ErrInvalidName 表示 Store 名称为空或包含非法字符。
	ErrInvalidName = errors.New("invalid cache name")
)

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("cache key required")
	}
	if strings.ContainsAny(key, "\r\n") {
		return errors.New("cache key must be a single line")
	}
	return nil
}
