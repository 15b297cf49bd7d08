package routes

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/version"
)

// RegisterCacheRoutes 暴露 /-/ 诊断接口，供运维查看生命周期状态与缓存内容。
func RegisterCacheRoutes(app *fiber.App, lifecycle *server.Lifecycle, storage cache.Storage) {
	if app == nil || lifecycle == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version:   version.Version,
			Lifecycle: lifecycle.Status(),
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		payload := make([]cachePayload, 0, len(names))
		for _, name := range names {
			item, err := describeCache(c, lifecycle, storage, name)
			if errors.Is(err, cache.ErrNotFound) {
				// 列出之后被删除。
				continue
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
			}
			payload = append(payload, item)
		}
		return c.JSON(fiber.Map{"caches": payload})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name, err := url.PathUnescape(strings.TrimSpace(c.Params("name")))
		if err != nil || name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		item, err := describeCache(c, lifecycle, storage, name)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		return c.JSON(item)
	})

	app.Post("/-/lifecycle/promote", func(c fiber.Ctx) error {
		if err := lifecycle.Promote(c.Context()); err != nil {
			if errors.Is(err, server.ErrNoWaitingWorker) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_worker"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "promote_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(lifecycle.Status())
	})
}

type statusPayload struct {
	Version   string                 `json:"version"`
	Lifecycle server.LifecycleStatus `json:"lifecycle"`
}

type cachePayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Stale   bool     `json:"stale"`
	Entries int      `json:"entries"`
	Keys    []string `json:"keys,omitempty"`
}

// describeCache 只读取已存在的缓存，缓存不存在时返回 cache.ErrNotFound。
func describeCache(c fiber.Ctx, lifecycle *server.Lifecycle, storage cache.Storage, name string) (cachePayload, error) {
	store, err := storage.Lookup(c.Context(), name)
	if err != nil {
		return cachePayload{}, err
	}
	keys, err := store.Keys(c.Context())
	if err != nil {
		return cachePayload{}, err
	}

	item := cachePayload{Name: name, Entries: len(keys)}
	if active := lifecycle.Active(); active != nil {
		item.Current = active.CacheName() == name
		item.Stale = active.Identity().IsStale(name)
	}
	if c.Params("name") != "" {
		item.Keys = keys
	}
	return item, nil
}
