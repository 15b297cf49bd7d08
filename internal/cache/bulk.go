package cache

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// FetchFunc 拉取单个 URL 并返回完整缓冲的响应。
type FetchFunc func(ctx context.Context, rawURL string) (*Response, error)

// AddAll 并发拉取 urls，全部成功且均为 2xx 时一次性 PutAll 写入 store。
// 任意一个失败会取消其余请求，store 保持原样。
func AddAll(ctx context.Context, store Store, fetch FetchFunc, urls []string, concurrency int) error {
	if store == nil {
		return ErrStoreUnavailable
	}
	if len(urls) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	p := pool.NewWithResults[Entry]().
		WithMaxGoroutines(concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	seen := make(map[string]struct{}, len(urls))
	for _, rawURL := range urls {
		if _, dup := seen[rawURL]; dup {
			continue
		}
		seen[rawURL] = struct{}{}

		rawURL := rawURL
		p.Go(func(ctx context.Context) (Entry, error) {
			resp, err := fetch(ctx, rawURL)
			if err != nil {
				return Entry{}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
			if resp == nil {
				return Entry{}, fmt.Errorf("fetch %s: empty response: %w", rawURL, ErrBadStatus)
			}
			if !resp.OK() {
				return Entry{}, fmt.Errorf("fetch %s: status %d: %w", rawURL, resp.StatusCode, ErrBadStatus)
			}
			return Entry{Key: rawURL, Response: resp}, nil
		})
	}

	entries, err := p.Wait()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.PutAll(ctx, entries)
}
