package routes

import (
	"errors"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
)

// registerCacheRoutes 提供缓存枚举、删除与离线校验。
func registerCacheRoutes(app *fiber.App, deps Deps) {
	app.Get("/-/cache/:namespace", func(c fiber.Ctx) error {
		ns, ok := deps.Registry.Lookup(c.Params("namespace"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "namespace_unmapped"})
		}
		entries, err := deps.Store.List(c.Context(), ns.Name())
		if err != nil {
			deps.Logger.WithError(err).WithField("namespace", ns.Name()).Warn("cache_list_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_io_error"})
		}
		if entries == nil {
			entries = []cache.Entry{}
		}
		var total int64
		for _, entry := range entries {
			total += entry.SizeBytes
		}
		return c.JSON(fiber.Map{
			"namespace":   ns.Name(),
			"count":       len(entries),
			"total_bytes": total,
			"total_size":  humanize.IBytes(uint64(total)),
			"entries":     entries,
		})
	})

	app.Delete("/-/cache/:namespace/*", func(c fiber.Ctx) error {
		key, err := adminKey(c, deps)
		if err != nil {
			return writeKeyError(c, err)
		}
		switch deps.Coordinator.State(key) {
		case cache.StateFetching, cache.StateVerifying:
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "fetch_in_progress"})
		}

		if err := deps.Store.Remove(c.Context(), key); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
			}
			deps.Logger.WithError(err).WithField("key", key.String()).Warn("cache_remove_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_io_error"})
		}
		deps.Logger.WithFields(logrus.Fields{"action": "cache_remove", "key": key.String()}).Info("cache_entry_removed")
		return c.JSON(fiber.Map{"removed": key.String()})
	})

	app.Post("/-/cache/verify/:namespace/*", func(c fiber.Ctx) error {
		key, err := adminKey(c, deps)
		if err != nil {
			return writeKeyError(c, err)
		}
		entry, err := deps.Store.Lookup(c.Context(), key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_io_error"})
		}

		actual, size, err := integrity.SumFile(entry.FilePath)
		if err != nil {
			deps.Logger.WithError(err).WithField("key", key.String()).Warn("cache_verify_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_io_error"})
		}
		ok := actual == entry.SHA256 && size == entry.SizeBytes
		if !ok {
			deps.Logger.WithFields(logrus.Fields{
				"action":   "cache_verify",
				"key":      key.String(),
				"expected": entry.SHA256,
				"actual":   actual,
			}).Warn("cache_entry_corrupt")
		}
		return c.JSON(fiber.Map{
			"key":      key.String(),
			"ok":       ok,
			"expected": entry.SHA256,
			"actual":   actual,
			"size":     size,
		})
	})
}

var errNamespaceUnmapped = errors.New("namespace_unmapped")

// adminKey 按代理层同样的规则推导键，因此原始对象路径与内容寻址路径都可使用。
func adminKey(c fiber.Ctx, deps Deps) (cache.Key, error) {
	ns, ok := deps.Registry.Lookup(c.Params("namespace"))
	if !ok {
		return cache.Key{}, errNamespaceUnmapped
	}
	raw, err := url.PathUnescape(c.Params("*"))
	if err != nil {
		return cache.Key{}, cache.ErrInvalidKey
	}
	key, err := cache.NewKey(ns.Name(), raw)
	if err != nil {
		return cache.Key{}, err
	}
	return ns.Backend.RewriteKey(key), nil
}

func writeKeyError(c fiber.Ctx, err error) error {
	if errors.Is(err, errNamespaceUnmapped) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "namespace_unmapped"})
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
}
